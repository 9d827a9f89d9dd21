package domain

import "time"

// Direction 表示邮件方向。
type Direction string

const (
	DirectionInbound  Direction = "inbound"  // 同步自远程提供商
	DirectionOutbound Direction = "outbound" // 本系统发出
)

// Message 表示一封邮件。
//
// ProviderMessageID 在账户内唯一，所有同步写入都以它做幂等 upsert，
// 因此重复处理同一批变更不会产生重复行。
// 删除采用墓碑标记（Deleted=true）而非物理删除，
// 以保留打开追踪历史。
// OpenCount 单调不减，只由打开信标追加更新。
type Message struct {
	ID                string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	ThreadID          string    `json:"threadId" gorm:"type:varchar(36);index;not null"`
	AccountID         string    `json:"accountId" gorm:"type:varchar(36);index:idx_message_provider,unique;not null"`
	ProviderMessageID string    `json:"providerMessageId" gorm:"type:varchar(255);index:idx_message_provider,unique;not null"`
	Direction         Direction `json:"direction" gorm:"type:varchar(10);default:'inbound'"`
	From              string    `json:"from" gorm:"column:from_addr;type:varchar(255)"`
	To                string    `json:"to" gorm:"column:to_addrs;type:text"` // JSON 序列化的地址列表
	Cc                string    `json:"cc" gorm:"column:cc_addrs;type:text"`
	Subject           string    `json:"subject" gorm:"type:varchar(500)"`
	Snippet           string    `json:"snippet" gorm:"type:varchar(1000)"`
	Labels            string    `json:"labels" gorm:"type:text"` // JSON 序列化的提供商标签
	MessageDate       time.Time `json:"messageDate"`
	// 线程归属相关的标准头
	MessageIDHeader string `json:"-" gorm:"column:message_id_header;type:varchar(500)"`
	InReplyTo       string `json:"-" gorm:"type:varchar(500)"`
	References      string `json:"-" gorm:"type:text"`
	// 打开追踪（仅出站邮件）
	TrackingID    string     `json:"trackingId,omitempty" gorm:"type:varchar(36);index"`
	OpenCount     int        `json:"openCount" gorm:"default:0"`
	FirstOpenedAt *time.Time `json:"firstOpenedAt,omitempty"`
	LastOpenedAt  *time.Time `json:"lastOpenedAt,omitempty"`
	// 墓碑标记
	Deleted   bool      `json:"deleted" gorm:"default:false;index"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
