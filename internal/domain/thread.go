package domain

import "time"

// Thread 表示一个会话（同一话题下的邮件分组）。
//
// MessageCount 恒等于未删除子邮件的数量，
// 每次同步批次落库后重新计算，UI 侧不会独立修改。
type Thread struct {
	ID               string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	AccountID        string     `json:"accountId" gorm:"type:varchar(36);index:idx_thread_provider,unique;not null"`
	ProviderThreadID string     `json:"providerThreadId" gorm:"type:varchar(255);index:idx_thread_provider,unique;not null"`
	Subject          string     `json:"subject" gorm:"type:varchar(500)"`
	Participants     string     `json:"participants" gorm:"type:text"` // JSON 序列化的参与者地址集合
	MessageCount     int        `json:"messageCount" gorm:"default:0"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}
