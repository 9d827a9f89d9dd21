package hybrid

import (
	"context"
	"fmt"
	"time"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/storage/redis"
	"mailsync/backend/internal/storage/sql"
)

// 账户与追踪缓存的过期时间。
const (
	accountCacheTTL  = time.Hour
	trackingCacheTTL = 24 * time.Hour
)

// Store 混合存储实现，结合关系数据库和 Redis。
// 数据库是唯一事实来源，Redis 承担账户热数据缓存、
// 打开信标的追踪反查缓存与跨进程账户同步锁。
type Store struct {
	db    *sql.Store
	cache *redis.Cache
}

// NewStore 创建混合存储实例。
func NewStore(dbCfg config.DatabaseConfig, redisCfg config.RedisConfig) (*Store, error) {
	dbStore, err := sql.NewStore(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	cache, err := redis.NewCache(redisCfg)
	if err != nil {
		dbStore.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	return &Store{db: dbStore, cache: cache}, nil
}

// ========== Account Repository ==========

// SaveAccount 保存账户并刷新缓存。
func (s *Store) SaveAccount(account *domain.Account) error {
	if err := s.db.SaveAccount(account); err != nil {
		return err
	}
	// 缓存失败不影响主流程
	_ = s.cache.CacheAccount(account, accountCacheTTL)
	return nil
}

// GetAccount 按 ID 查询账户，优先命中缓存。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	if account, err := s.cache.GetCachedAccount(id); err == nil {
		return account, nil
	}

	account, err := s.db.GetAccount(id)
	if err != nil {
		return nil, err
	}
	_ = s.cache.CacheAccount(account, accountCacheTTL)
	return account, nil
}

// ListAccounts 返回全部账户。
func (s *Store) ListAccounts() ([]domain.Account, error) {
	return s.db.ListAccounts()
}

// ListAccountsByUserID 返回某个用户的全部账户。
func (s *Store) ListAccountsByUserID(userID string) ([]domain.Account, error) {
	return s.db.ListAccountsByUserID(userID)
}

// DeleteAccount 删除账户并清除缓存。
func (s *Store) DeleteAccount(id string) error {
	if err := s.db.DeleteAccount(id); err != nil {
		return err
	}
	_ = s.cache.DeleteCachedAccount(id)
	return nil
}

// UpdateAccountStatus 更新同步状态，缓存直接失效。
func (s *Store) UpdateAccountStatus(id string, status domain.SyncStatus, lastError string) error {
	if err := s.db.UpdateAccountStatus(id, status, lastError); err != nil {
		return err
	}
	_ = s.cache.DeleteCachedAccount(id)
	return nil
}

// AdvanceCursor 推进游标，缓存直接失效。
func (s *Store) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	if err := s.db.AdvanceCursor(id, cursor, syncedAt); err != nil {
		return err
	}
	_ = s.cache.DeleteCachedAccount(id)
	return nil
}

// ========== Thread Repository ==========

func (s *Store) SaveThread(thread *domain.Thread) error { return s.db.SaveThread(thread) }

func (s *Store) GetThread(id string) (*domain.Thread, error) { return s.db.GetThread(id) }

func (s *Store) GetThreadByProviderID(accountID, providerThreadID string) (*domain.Thread, error) {
	return s.db.GetThreadByProviderID(accountID, providerThreadID)
}

func (s *Store) ListThreads(accountID string) ([]domain.Thread, error) {
	return s.db.ListThreads(accountID)
}

func (s *Store) CountThreads(accountID string) (int, error) { return s.db.CountThreads(accountID) }

func (s *Store) RecomputeThreadCount(threadID string) error {
	return s.db.RecomputeThreadCount(threadID)
}

// ========== Message Repository ==========

// UpsertMessage 幂等写入邮件，出站邮件的追踪映射顺带入缓存。
func (s *Store) UpsertMessage(message *domain.Message) (bool, error) {
	created, err := s.db.UpsertMessage(message)
	if err != nil {
		return false, err
	}
	if message.TrackingID != "" {
		_ = s.cache.CacheTrackingID(message.TrackingID, message.ID, trackingCacheTTL)
	}
	return created, nil
}

func (s *Store) GetMessage(id string) (*domain.Message, error) { return s.db.GetMessage(id) }

func (s *Store) GetMessageByProviderID(accountID, providerMessageID string) (*domain.Message, error) {
	return s.db.GetMessageByProviderID(accountID, providerMessageID)
}

// GetMessageByTrackingID 按追踪 ID 查询，打开信标热点路径优先走缓存。
func (s *Store) GetMessageByTrackingID(trackingID string) (*domain.Message, error) {
	if messageID, err := s.cache.GetCachedTrackingID(trackingID); err == nil {
		if message, err := s.db.GetMessage(messageID); err == nil {
			return message, nil
		}
	}

	message, err := s.db.GetMessageByTrackingID(trackingID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.CacheTrackingID(trackingID, message.ID, trackingCacheTTL)
	return message, nil
}

func (s *Store) ListMessages(threadID string) ([]domain.Message, error) {
	return s.db.ListMessages(threadID)
}

func (s *Store) CountMessages(accountID string) (int, error) { return s.db.CountMessages(accountID) }

func (s *Store) TombstoneMessage(accountID, providerMessageID string) error {
	return s.db.TombstoneMessage(accountID, providerMessageID)
}

func (s *Store) IncrementOpenCount(messageID string, at time.Time) error {
	return s.db.IncrementOpenCount(messageID, at)
}

// ========== Tracking Repository ==========

func (s *Store) AppendOpenEvent(event *domain.OpenEvent) error { return s.db.AppendOpenEvent(event) }

func (s *Store) ListOpenEvents(messageID string) ([]domain.OpenEvent, error) {
	return s.db.ListOpenEvents(messageID)
}

func (s *Store) SaveSendStatus(status *domain.SendStatus) error { return s.db.SaveSendStatus(status) }

func (s *Store) GetSendStatus(id string) (*domain.SendStatus, error) {
	return s.db.GetSendStatus(id)
}

func (s *Store) GetSendStatusByMessageID(messageID string) (*domain.SendStatus, error) {
	return s.db.GetSendStatusByMessageID(messageID)
}

// ========== SyncJob Repository ==========

func (s *Store) SaveSyncJob(job *domain.SyncJob) error { return s.db.SaveSyncJob(job) }

func (s *Store) GetSyncJob(id string) (*domain.SyncJob, error) { return s.db.GetSyncJob(id) }

func (s *Store) ListSyncJobsByAccount(accountID string, limit int) ([]domain.SyncJob, error) {
	return s.db.ListSyncJobsByAccount(accountID, limit)
}

func (s *Store) ListRunnableSyncJobs() ([]domain.SyncJob, error) {
	return s.db.ListRunnableSyncJobs()
}

// ========== SyncLocker ==========

// AcquireSyncLock 通过 Redis SET NX 获取跨进程账户锁。
func (s *Store) AcquireSyncLock(accountID string, ttl time.Duration) (bool, error) {
	return s.cache.AcquireSyncLock(accountID, ttl)
}

// ReleaseSyncLock 释放跨进程账户锁。
func (s *Store) ReleaseSyncLock(accountID string) error {
	return s.cache.ReleaseSyncLock(accountID)
}

// Close 依次关闭 Redis 与数据库。
func (s *Store) Close() error {
	cacheErr := s.cache.Close()
	dbErr := s.db.Close()
	if dbErr != nil {
		return dbErr
	}
	return cacheErr
}

// Health 数据库与 Redis 任一不可用即不健康。
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return s.cache.Ping(ctx)
}
