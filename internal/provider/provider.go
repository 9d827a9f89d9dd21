package provider

import (
	"context"
	"errors"
	"time"

	"mailsync/backend/internal/domain"
)

// ErrCursorExpired 提供商报告游标已失效。
// 编排器捕获后在同一次任务内回退为全量同步，不视为硬失败。
var ErrCursorExpired = errors.New("provider: cursor expired")

// RemoteMessage 表示提供商返回的一封原始邮件。
// 字段命名与提供商无关；适配器负责把各家 API 的响应
// 转换成这个形状，动态载荷不会越过这一层边界。
type RemoteMessage struct {
	ID       string            // 提供商侧邮件 ID
	ThreadID string            // 提供商侧会话 ID，可能为空
	From     string
	To       []string
	Cc       []string
	Subject  string
	Snippet  string
	Labels   []string
	Headers  map[string]string // 原始头，含 Message-ID / In-Reply-To / References
	Date     time.Time
}

// ChangeType 表示一条变更记录的类别。
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeUpdated ChangeType = "updated"
	ChangeRemoved ChangeType = "removed"
)

// Change 表示增量同步返回的一条带标签的变更记录。
// Added/Updated 携带完整邮件（Message 为 nil 时需按 MessageID 补拉），
// Removed 只携带 MessageID。
type Change struct {
	Type      ChangeType
	MessageID string
	Message   *RemoteMessage // Added/Updated 时有效
	Labels    []string       // Updated 时的最新标签集
}

// ChangeSet 是一次增量拉取的结果。
// 即使 Changes 为空，NewCursor 也可能推进。
type ChangeSet struct {
	Changes   []Change
	NewCursor string
}

// MessagePage 是全量枚举的一页。
type MessagePage struct {
	Messages      []RemoteMessage
	NextPageToken string // 为空表示枚举完成
}

// Client 是远程邮箱提供商的能力接口。
// 实现方（Gmail、Outlook 等适配器）不属于本仓库，
// 这里只消费该接口；测试使用 Fake 实现。
type Client interface {
	// ListChangesSince 拉取游标之后的变更；游标失效时返回 ErrCursorExpired
	ListChangesSince(ctx context.Context, cursor string) (*ChangeSet, error)
	// ListAllMessages 按页枚举全部邮件
	ListAllMessages(ctx context.Context, pageToken string, pageSize int) (*MessagePage, error)
	// GetMessage 拉取单封邮件
	GetMessage(ctx context.Context, id string) (*RemoteMessage, error)
	// LatestCursor 返回当前最新游标，全量同步完成后用它落盘
	LatestCursor(ctx context.Context) (string, error)
}

// Factory 根据账户与解密后的凭证构造提供商客户端。
type Factory func(ctx context.Context, account *domain.Account, credentials []byte) (Client, error)
