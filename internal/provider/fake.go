package provider

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// FakeClient 是内存实现的提供商客户端，用于开发模式与测试。
// 游标是单调递增的整数序号：序号 N 的游标覆盖前 N 条变更。
type FakeClient struct {
	mu       sync.Mutex
	messages []RemoteMessage // 当前远端全集（按加入顺序）
	changes  []Change        // 变更日志，游标即日志下标
	// ExpireBefore 之前的游标视为已失效，模拟提供商回收历史
	ExpireBefore int
	// FailCalls 非零时，接下来 N 次调用返回错误，模拟瞬时故障
	FailCalls int
}

// NewFakeClient 创建空的 Fake 客户端。
func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

// Seed 追加一封远端邮件并记录 added 变更。
func (f *FakeClient) Seed(msg RemoteMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	m := msg
	f.changes = append(f.changes, Change{Type: ChangeAdded, MessageID: msg.ID, Message: &m})
}

// Update 记录一条标签变更。
func (f *FakeClient) Update(messageID string, labels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages[i].Labels = labels
			m := f.messages[i]
			f.changes = append(f.changes, Change{Type: ChangeUpdated, MessageID: messageID, Message: &m, Labels: labels})
			return
		}
	}
}

// Remove 记录一条删除变更。
func (f *FakeClient) Remove(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.messages {
		if f.messages[i].ID == messageID {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			break
		}
	}
	f.changes = append(f.changes, Change{Type: ChangeRemoved, MessageID: messageID})
}

func (f *FakeClient) failing() error {
	if f.FailCalls > 0 {
		f.FailCalls--
		return fmt.Errorf("fake provider: injected failure")
	}
	return nil
}

// ListChangesSince 实现 Client。
func (f *FakeClient) ListChangesSince(ctx context.Context, cursor string) (*ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return nil, err
	}

	pos, err := strconv.Atoi(cursor)
	if err != nil || pos < 0 || pos > len(f.changes) {
		return nil, ErrCursorExpired
	}
	if pos < f.ExpireBefore {
		return nil, ErrCursorExpired
	}

	out := make([]Change, len(f.changes)-pos)
	copy(out, f.changes[pos:])
	return &ChangeSet{
		Changes:   out,
		NewCursor: strconv.Itoa(len(f.changes)),
	}, nil
}

// ListAllMessages 实现 Client。
func (f *FakeClient) ListAllMessages(ctx context.Context, pageToken string, pageSize int) (*MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return nil, err
	}

	start := 0
	if pageToken != "" {
		var err error
		start, err = strconv.Atoi(pageToken)
		if err != nil || start < 0 {
			return nil, fmt.Errorf("fake provider: bad page token %q", pageToken)
		}
	}
	if pageSize <= 0 {
		pageSize = 100
	}

	end := start + pageSize
	if end > len(f.messages) {
		end = len(f.messages)
	}
	page := &MessagePage{Messages: append([]RemoteMessage(nil), f.messages[start:end]...)}
	if end < len(f.messages) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// GetMessage 实现 Client。
func (f *FakeClient) GetMessage(ctx context.Context, id string) (*RemoteMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return nil, err
	}
	for i := range f.messages {
		if f.messages[i].ID == id {
			m := f.messages[i]
			return &m, nil
		}
	}
	return nil, fmt.Errorf("fake provider: message %s not found", id)
}

// LatestCursor 实现 Client。
func (f *FakeClient) LatestCursor(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failing(); err != nil {
		return "", err
	}
	return strconv.Itoa(len(f.changes)), nil
}
