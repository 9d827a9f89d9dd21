package storage

import (
	"time"

	"mailsync/backend/internal/domain"
)

// AccountRepository 定义邮箱账户数据存取操作。
type AccountRepository interface {
	SaveAccount(account *domain.Account) error
	GetAccount(id string) (*domain.Account, error)
	ListAccounts() ([]domain.Account, error)
	ListAccountsByUserID(userID string) ([]domain.Account, error)
	DeleteAccount(id string) error
	// UpdateAccountStatus 更新同步状态与最近错误信息
	UpdateAccountStatus(id string, status domain.SyncStatus, lastError string) error
	// AdvanceCursor 推进游标并记录最近同步时间。
	// 只有整批变更落库之后才允许调用。
	AdvanceCursor(id string, cursor string, syncedAt time.Time) error
}

// ThreadRepository 定义会话数据存取操作。
type ThreadRepository interface {
	SaveThread(thread *domain.Thread) error
	GetThread(id string) (*domain.Thread, error)
	GetThreadByProviderID(accountID, providerThreadID string) (*domain.Thread, error)
	ListThreads(accountID string) ([]domain.Thread, error)
	CountThreads(accountID string) (int, error)
	// RecomputeThreadCount 按未删除子邮件重新计算 MessageCount
	RecomputeThreadCount(threadID string) error
}

// MessageRepository 定义邮件数据存取操作。
// 所有同步写入以 (accountID, providerMessageID) 做幂等 upsert。
type MessageRepository interface {
	// UpsertMessage 按提供商 ID 幂等写入，返回是否为新建
	UpsertMessage(message *domain.Message) (created bool, err error)
	GetMessage(id string) (*domain.Message, error)
	GetMessageByProviderID(accountID, providerMessageID string) (*domain.Message, error)
	GetMessageByTrackingID(trackingID string) (*domain.Message, error)
	ListMessages(threadID string) ([]domain.Message, error)
	CountMessages(accountID string) (int, error)
	// TombstoneMessage 打墓碑标记而非物理删除，保留追踪历史
	TombstoneMessage(accountID, providerMessageID string) error
	// IncrementOpenCount 追加一次打开计数并维护首次/末次打开时间
	IncrementOpenCount(messageID string, at time.Time) error
}

// TrackingRepository 定义打开事件与投递状态存取操作。
type TrackingRepository interface {
	AppendOpenEvent(event *domain.OpenEvent) error
	ListOpenEvents(messageID string) ([]domain.OpenEvent, error)

	SaveSendStatus(status *domain.SendStatus) error
	GetSendStatus(id string) (*domain.SendStatus, error)
	// GetSendStatusByMessageID 返回该邮件最新的投递状态
	GetSendStatusByMessageID(messageID string) (*domain.SendStatus, error)
}

// SyncJobRepository 定义同步任务数据存取操作。
type SyncJobRepository interface {
	SaveSyncJob(job *domain.SyncJob) error
	GetSyncJob(id string) (*domain.SyncJob, error)
	ListSyncJobsByAccount(accountID string, limit int) ([]domain.SyncJob, error)
	// ListRunnableSyncJobs 返回非终态的任务，
	// 用于进程启动时恢复（至少一次语义）
	ListRunnableSyncJobs() ([]domain.SyncJob, error)
}

// Store 聚合所有存储接口。
type Store interface {
	AccountRepository
	ThreadRepository
	MessageRepository
	TrackingRepository
	SyncJobRepository

	Close() error
	Health() error
}

// SyncLocker 可选接口：支持跨进程账户级咨询锁的存储实现
// （混合存储借助 Redis SET NX 提供）。调度器在进程内锁之外
// 额外尝试该锁，使多进程部署仍保持账户级单飞。
type SyncLocker interface {
	AcquireSyncLock(accountID string, ttl time.Duration) (bool, error)
	ReleaseSyncLock(accountID string) error
}
