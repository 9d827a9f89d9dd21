package memory

import (
	"sort"
	"sync"
	"time"

	"mailsync/backend/internal/domain"
)

// Store 使用内存保存账户、会话与邮件数据，主要用于开发验证与测试。
// 所有方法并发安全；错误统一返回 domain 包的业务哨兵，
// 方便上层用 errors.Is 判断而无需区分存储实现。
type Store struct {
	mu sync.RWMutex

	accounts map[string]*domain.Account // accountID -> account

	threads          map[string]*domain.Thread // threadID -> thread
	threadByProvider map[string]string         // "accountID\x00providerThreadID" -> threadID

	messages          map[string]*domain.Message // messageID -> message
	messageByProvider map[string]string          // "accountID\x00providerMessageID" -> messageID
	messageByTracking map[string]string          // trackingID -> messageID

	openEvents map[string][]*domain.OpenEvent // messageID -> 打开事件（追加）

	sendStatuses map[string]*domain.SendStatus // statusID -> status

	jobs map[string]*domain.SyncJob // jobID -> job

	// 进程内账户锁，供单进程部署的调度器使用
	syncLocks map[string]time.Time // accountID -> 过期时间
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		accounts:          make(map[string]*domain.Account),
		threads:           make(map[string]*domain.Thread),
		threadByProvider:  make(map[string]string),
		messages:          make(map[string]*domain.Message),
		messageByProvider: make(map[string]string),
		messageByTracking: make(map[string]string),
		openEvents:        make(map[string][]*domain.OpenEvent),
		sendStatuses:      make(map[string]*domain.SendStatus),
		jobs:              make(map[string]*domain.SyncJob),
		syncLocks:         make(map[string]time.Time),
	}
}

func providerKey(accountID, providerID string) string {
	return accountID + "\x00" + providerID
}

// ---- 账户 ----

// SaveAccount 新建或整体覆盖一个账户。
func (s *Store) SaveAccount(account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

// GetAccount 按 ID 查询账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

// ListAccounts 返回全部账户，按创建时间升序。
func (s *Store) ListAccounts() ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0, len(s.accounts))
	for _, account := range s.accounts {
		out = append(out, *account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListAccountsByUserID 返回某个用户的全部账户。
func (s *Store) ListAccountsByUserID(userID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Account
	for _, account := range s.accounts {
		if account.UserID == userID {
			out = append(out, *account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteAccount 删除账户本身，不级联清理会话与邮件。
func (s *Store) DeleteAccount(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[id]; !ok {
		return domain.ErrAccountNotFound
	}
	delete(s.accounts, id)
	return nil
}

// UpdateAccountStatus 更新同步状态与最近错误信息。
func (s *Store) UpdateAccountStatus(id string, status domain.SyncStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.SyncStatus = status
	account.LastError = lastError
	account.UpdatedAt = time.Now()
	return nil
}

// AdvanceCursor 推进游标并记录最近同步时间。
func (s *Store) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	account.Cursor = cursor
	account.LastSyncAt = &syncedAt
	account.UpdatedAt = time.Now()
	return nil
}

// ---- 会话 ----

// SaveThread 新建或整体覆盖一个会话。
func (s *Store) SaveThread(thread *domain.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now

	cp := *thread
	s.threads[thread.ID] = &cp
	s.threadByProvider[providerKey(thread.AccountID, thread.ProviderThreadID)] = thread.ID
	return nil
}

// GetThread 按 ID 查询会话。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	thread, ok := s.threads[id]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}
	cp := *thread
	return &cp, nil
}

// GetThreadByProviderID 按提供商会话 ID 查询。
func (s *Store) GetThreadByProviderID(accountID, providerThreadID string) (*domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.threadByProvider[providerKey(accountID, providerThreadID)]
	if !ok {
		return nil, domain.ErrThreadNotFound
	}
	cp := *s.threads[id]
	return &cp, nil
}

// ListThreads 返回账户下全部会话，按最近邮件时间降序。
func (s *Store) ListThreads(accountID string) ([]domain.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Thread
	for _, thread := range s.threads {
		if thread.AccountID == accountID {
			out = append(out, *thread)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastMessageAt, out[j].LastMessageAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return out, nil
}

// CountThreads 统计账户下的会话数量。
func (s *Store) CountThreads(accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, thread := range s.threads {
		if thread.AccountID == accountID {
			count++
		}
	}
	return count, nil
}

// RecomputeThreadCount 按未删除子邮件重新计算 MessageCount 与 LastMessageAt。
func (s *Store) RecomputeThreadCount(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, ok := s.threads[threadID]
	if !ok {
		return domain.ErrThreadNotFound
	}

	count := 0
	var last *time.Time
	for _, message := range s.messages {
		if message.ThreadID != threadID || message.Deleted {
			continue
		}
		count++
		if last == nil || message.MessageDate.After(*last) {
			t := message.MessageDate
			last = &t
		}
	}
	thread.MessageCount = count
	thread.LastMessageAt = last
	thread.UpdatedAt = time.Now()
	return nil
}

// ---- 邮件 ----

// UpsertMessage 按 (accountID, providerMessageID) 幂等写入，返回是否为新建。
// 已存在时覆盖可变字段（主题、标签、墓碑等），
// 保留既有的打开追踪统计不被回滚。
func (s *Store) UpsertMessage(message *domain.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	key := providerKey(message.AccountID, message.ProviderMessageID)

	if existingID, ok := s.messageByProvider[key]; ok {
		existing := s.messages[existingID]
		existing.Subject = message.Subject
		existing.Snippet = message.Snippet
		existing.Labels = message.Labels
		existing.From = message.From
		existing.To = message.To
		existing.Cc = message.Cc
		existing.MessageDate = message.MessageDate
		existing.MessageIDHeader = message.MessageIDHeader
		existing.InReplyTo = message.InReplyTo
		existing.References = message.References
		existing.Deleted = message.Deleted
		existing.UpdatedAt = now

		message.ID = existing.ID
		message.ThreadID = existing.ThreadID
		return false, nil
	}

	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = now

	cp := *message
	s.messages[message.ID] = &cp
	s.messageByProvider[key] = message.ID
	if message.TrackingID != "" {
		s.messageByTracking[message.TrackingID] = message.ID
	}
	return true, nil
}

// GetMessage 按 ID 查询邮件。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *message
	return &cp, nil
}

// GetMessageByProviderID 按提供商邮件 ID 查询。
func (s *Store) GetMessageByProviderID(accountID, providerMessageID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.messageByProvider[providerKey(accountID, providerMessageID)]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

// GetMessageByTrackingID 按追踪 ID 查询（墓碑邮件也返回，保留追踪历史）。
func (s *Store) GetMessageByTrackingID(trackingID string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.messageByTracking[trackingID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	cp := *s.messages[id]
	return &cp, nil
}

// ListMessages 返回会话下的未删除邮件，按邮件时间升序。
func (s *Store) ListMessages(threadID string) ([]domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Message
	for _, message := range s.messages {
		if message.ThreadID == threadID && !message.Deleted {
			out = append(out, *message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageDate.Before(out[j].MessageDate) })
	return out, nil
}

// CountMessages 统计账户下的未删除邮件数量。
func (s *Store) CountMessages(accountID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, message := range s.messages {
		if message.AccountID == accountID && !message.Deleted {
			count++
		}
	}
	return count, nil
}

// TombstoneMessage 打墓碑标记。目标不存在时静默成功，
// 重复处理同一批删除变更因此是幂等的。
func (s *Store) TombstoneMessage(accountID, providerMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.messageByProvider[providerKey(accountID, providerMessageID)]
	if !ok {
		return nil
	}
	message := s.messages[id]
	message.Deleted = true
	message.UpdatedAt = time.Now()
	return nil
}

// IncrementOpenCount 追加一次打开计数并维护首次/末次打开时间。
func (s *Store) IncrementOpenCount(messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	message, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	message.OpenCount++
	if message.FirstOpenedAt == nil {
		t := at
		message.FirstOpenedAt = &t
	}
	t := at
	message.LastOpenedAt = &t
	message.UpdatedAt = time.Now()
	return nil
}

// ---- 打开事件与投递状态 ----

// AppendOpenEvent 追加一条打开事件。
func (s *Store) AppendOpenEvent(event *domain.OpenEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.openEvents[event.MessageID] = append(s.openEvents[event.MessageID], &cp)
	return nil
}

// ListOpenEvents 返回邮件的全部打开事件，按发生时间升序。
func (s *Store) ListOpenEvents(messageID string) ([]domain.OpenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.openEvents[messageID]
	out := make([]domain.OpenEvent, 0, len(events))
	for _, event := range events {
		out = append(out, *event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// SaveSendStatus 新建或整体覆盖一条投递状态。
func (s *Store) SaveSendStatus(status *domain.SendStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if status.CreatedAt.IsZero() {
		status.CreatedAt = now
	}
	status.UpdatedAt = now

	cp := *status
	s.sendStatuses[status.ID] = &cp
	return nil
}

// GetSendStatus 按 ID 查询投递状态。
func (s *Store) GetSendStatus(id string) (*domain.SendStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.sendStatuses[id]
	if !ok {
		return nil, domain.ErrSendStatusNotFound
	}
	cp := *status
	return &cp, nil
}

// GetSendStatusByMessageID 返回该邮件最新的投递状态。
func (s *Store) GetSendStatusByMessageID(messageID string) (*domain.SendStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.SendStatus
	for _, status := range s.sendStatuses {
		if status.MessageID != messageID {
			continue
		}
		if latest == nil || status.CreatedAt.After(latest.CreatedAt) {
			latest = status
		}
	}
	if latest == nil {
		return nil, domain.ErrSendStatusNotFound
	}
	cp := *latest
	return &cp, nil
}

// ---- 同步任务 ----

// SaveSyncJob 新建或整体覆盖一个同步任务。
func (s *Store) SaveSyncJob(job *domain.SyncJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// GetSyncJob 按 ID 查询同步任务。
func (s *Store) GetSyncJob(id string) (*domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

// ListSyncJobsByAccount 返回账户下最近的任务，按请求时间降序，limit<=0 表示不限。
func (s *Store) ListSyncJobsByAccount(accountID string, limit int) ([]domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SyncJob
	for _, job := range s.jobs {
		if job.AccountID == accountID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRunnableSyncJobs 返回非终态的任务，用于进程启动恢复。
func (s *Store) ListRunnableSyncJobs() ([]domain.SyncJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.SyncJob
	for _, job := range s.jobs {
		if !job.Terminal() {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out, nil
}

// ---- 账户锁 ----

// AcquireSyncLock 尝试获取账户级咨询锁，已被持有且未过期时返回 false。
func (s *Store) AcquireSyncLock(accountID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expires, ok := s.syncLocks[accountID]; ok && expires.After(now) {
		return false, nil
	}
	s.syncLocks[accountID] = now.Add(ttl)
	return true, nil
}

// ReleaseSyncLock 释放账户级咨询锁。
func (s *Store) ReleaseSyncLock(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.syncLocks, accountID)
	return nil
}

// Close 关闭存储，内存实现无事可做。
func (s *Store) Close() error { return nil }

// Health 检查存储健康状态，内存实现恒为健康。
func (s *Store) Health() error { return nil }
