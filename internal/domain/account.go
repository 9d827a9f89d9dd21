package domain

import "time"

// SyncStatus 表示账户当前的同步状态。
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"    // 空闲，等待下一次同步
	SyncStatusSyncing SyncStatus = "syncing" // 正在同步
	SyncStatusError   SyncStatus = "error"   // 上一次同步失败
)

// Account 表示一个已连接的远程邮箱账户。
//
// Credentials 字段保存加密后的提供商凭证密文，
// 只有同步编排器在发起远程调用前才会解密。
// Cursor 是提供商颁发的不透明变更游标，
// 仅在一批变更全部落库之后才会推进。
type Account struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID      string     `json:"userId" gorm:"type:varchar(36);index;not null"`
	Address     string     `json:"address" gorm:"type:varchar(255);uniqueIndex"`
	Provider    string     `json:"provider" gorm:"type:varchar(50)"`
	Credentials []byte     `json:"-" gorm:"type:blob"`
	Cursor      string     `json:"-" gorm:"type:varchar(512)"`
	SyncStatus  SyncStatus `json:"syncStatus" gorm:"type:varchar(20);default:'idle';index"`
	LastSyncAt  *time.Time `json:"lastSyncAt,omitempty"`
	LastError   string     `json:"lastError,omitempty" gorm:"type:varchar(1000)"`
	// 周期同步间隔（秒），0 表示不做周期同步
	SyncIntervalSeconds int       `json:"syncIntervalSeconds" gorm:"default:0"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// SyncInterval 返回周期同步间隔。
func (a *Account) SyncInterval() time.Duration {
	return time.Duration(a.SyncIntervalSeconds) * time.Second
}
