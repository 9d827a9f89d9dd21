package domain

import "time"

// OpenEvent 表示一次打开信标命中，追加写入，不会删除。
type OpenEvent struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID  string    `json:"messageId" gorm:"type:varchar(36);index;not null"`
	OccurredAt time.Time `json:"occurredAt"`
	IPAddress  string    `json:"ipAddress,omitempty" gorm:"type:varchar(45)"`
	UserAgent  string    `json:"userAgent,omitempty" gorm:"type:varchar(500)"`
	Location   string    `json:"location,omitempty" gorm:"type:varchar(100)"` // 基于来源 IP 的粗略位置
}

// SendState 表示一次出站投递的状态。
type SendState string

const (
	SendStatePending SendState = "pending" // 已创建，尚未投递
	SendStateSending SendState = "sending" // 投递中（含重试）
	SendStateSent    SendState = "sent"    // 投递成功，此后不可变
	SendStateFailed  SendState = "failed"  // 投递失败，可在上限内重试
)

// DefaultMaxRetries 单条出站邮件的默认重试上限。
const DefaultMaxRetries = 3

// SendStatus 表示一封出站邮件的投递状态记录。
//
// RetryCount 恒不超过 MaxRetries；每次重试在发起下游投递之前
// 先持久化计数与 sending 状态，因此反复失败的重试会收敛到上限，
// 不会无限循环。
type SendStatus struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	MessageID  string    `json:"messageId" gorm:"type:varchar(36);index"`
	DraftID    string    `json:"draftId,omitempty" gorm:"type:varchar(36)"`
	Status     SendState `json:"status" gorm:"type:varchar(20);default:'pending';index"`
	RetryCount int       `json:"retryCount" gorm:"default:0"`
	MaxRetries int       `json:"maxRetries" gorm:"default:3"`
	LastError  string    `json:"lastError,omitempty" gorm:"type:varchar(1000)"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// CanRetry 判断是否还允许重试。
func (s *SendStatus) CanRetry() bool {
	return s.Status != SendStateSent && s.RetryCount < s.MaxRetries
}
