package notify

import (
	"encoding/json"
	"time"
)

// EventType 定义通知事件类型
type EventType string

const (
	EventTypeConnected     EventType = "connected"      // 订阅建立确认
	EventTypeSyncCompleted EventType = "sync-completed" // 一次同步成功结束
	EventTypeError         EventType = "error"          // 同步失败
	EventTypePing          EventType = "ping"           // 保活帧
)

// Event 定义发给订阅者的通知事件。
// 事件是即发即弃的：订阅者只收到订阅之后产生的事件，不做回放。
type Event struct {
	Type      EventType       `json:"type"`
	AccountID string          `json:"accountId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SyncCompletedData 同步完成事件数据
type SyncCompletedData struct {
	SyncType          string `json:"syncType"`
	ThreadsProcessed  int    `json:"threadsProcessed"`
	MessagesProcessed int    `json:"messagesProcessed"`
	DurationMs        int64  `json:"durationMs"`
}

// ErrorData 同步失败事件数据
type ErrorData struct {
	Message   string `json:"message"`
	WillRetry bool   `json:"willRetry"`
}
