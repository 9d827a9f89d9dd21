package domain

import "time"

// SyncType 表示同步策略。
type SyncType string

const (
	SyncTypeFull        SyncType = "full"        // 全量枚举
	SyncTypeIncremental SyncType = "incremental" // 基于游标的增量同步
)

// JobStatus 表示同步任务的生命周期状态。
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // 已持久化，等待执行
	JobStatusRunning   JobStatus = "running"   // 持有账户锁，正在执行
	JobStatusSucceeded JobStatus = "succeeded" // 执行成功
	JobStatusFailed    JobStatus = "failed"    // 本次尝试失败，等待退避重试
	JobStatusDead      JobStatus = "dead"      // 重试次数耗尽，进入死信
)

// SyncJob 表示一个排队的同步工作单元。
//
// 任务在入队确认之前先持久化，因此进程崩溃不会丢失请求；
// 同一账户同一时刻至多一个任务处于 running 状态，
// 由调度器的账户级咨询锁保证。
type SyncJob struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID string    `json:"accountId" gorm:"type:varchar(36);index;not null"`
	SyncType  SyncType  `json:"syncType" gorm:"type:varchar(20)"`
	Status    JobStatus `json:"status" gorm:"type:varchar(20);index"`

	Attempts    int        `json:"attempts" gorm:"default:0"`
	MaxAttempts int        `json:"maxAttempts" gorm:"default:5"`
	LastError   string     `json:"lastError,omitempty" gorm:"type:varchar(1000)"`
	RequestedAt time.Time  `json:"requestedAt"`
	NextRunAt   *time.Time `json:"nextRunAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`

	// 执行结果统计
	ThreadsProcessed  int           `json:"threadsProcessed" gorm:"default:0"`
	MessagesProcessed int           `json:"messagesProcessed" gorm:"default:0"`
	Duration          time.Duration `json:"duration" gorm:"default:0"` // 纳秒
}

// Terminal 判断任务是否已到达终态。
func (j *SyncJob) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusDead
}
