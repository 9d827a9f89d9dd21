package sql

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
)

// Store 关系数据库存储实现，支持 PostgreSQL 与 MySQL。
// 未找到的记录统一映射为 domain 包的业务哨兵，
// 行为与内存实现一致。
type Store struct {
	db *gorm.DB
}

// NewStore 根据配置创建存储实例。
func NewStore(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %q", cfg.Type)
	}
	return NewStoreWithDialector(dialector, cfg)
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例。
func NewStoreWithDialector(dialector gorm.Dialector, cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// migrate 自动迁移数据库表结构。
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Account{},
		&domain.Thread{},
		&domain.Message{},
		&domain.OpenEvent{},
		&domain.SendStatus{},
		&domain.SyncJob{},
	)
}

// ========== Account Repository ==========

// SaveAccount 保存账户信息。
func (s *Store) SaveAccount(account *domain.Account) error {
	return s.db.Save(account).Error
}

// GetAccount 按 ID 查询账户。
func (s *Store) GetAccount(id string) (*domain.Account, error) {
	var account domain.Account
	if err := s.db.First(&account, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// ListAccounts 返回全部账户。
func (s *Store) ListAccounts() ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

// ListAccountsByUserID 返回某个用户的全部账户。
func (s *Store) ListAccountsByUserID(userID string) ([]domain.Account, error) {
	var accounts []domain.Account
	err := s.db.Where("user_id = ?", userID).Order("created_at ASC").Find(&accounts).Error
	return accounts, err
}

// DeleteAccount 删除账户。
func (s *Store) DeleteAccount(id string) error {
	result := s.db.Delete(&domain.Account{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// UpdateAccountStatus 更新同步状态与最近错误信息。
func (s *Store) UpdateAccountStatus(id string, status domain.SyncStatus, lastError string) error {
	result := s.db.Model(&domain.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"sync_status": status,
		"last_error":  lastError,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// AdvanceCursor 推进游标并记录最近同步时间。
func (s *Store) AdvanceCursor(id string, cursor string, syncedAt time.Time) error {
	result := s.db.Model(&domain.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"cursor":       cursor,
		"last_sync_at": syncedAt,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// ========== Thread Repository ==========

// SaveThread 保存会话信息。
func (s *Store) SaveThread(thread *domain.Thread) error {
	return s.db.Save(thread).Error
}

// GetThread 按 ID 查询会话。
func (s *Store) GetThread(id string) (*domain.Thread, error) {
	var thread domain.Thread
	if err := s.db.First(&thread, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrThreadNotFound
		}
		return nil, err
	}
	return &thread, nil
}

// GetThreadByProviderID 按提供商会话 ID 查询。
func (s *Store) GetThreadByProviderID(accountID, providerThreadID string) (*domain.Thread, error) {
	var thread domain.Thread
	err := s.db.First(&thread, "account_id = ? AND provider_thread_id = ?", accountID, providerThreadID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrThreadNotFound
		}
		return nil, err
	}
	return &thread, nil
}

// ListThreads 返回账户下全部会话，按最近邮件时间降序。
func (s *Store) ListThreads(accountID string) ([]domain.Thread, error) {
	var threads []domain.Thread
	err := s.db.Where("account_id = ?", accountID).
		Order("last_message_at DESC").
		Find(&threads).Error
	return threads, err
}

// CountThreads 统计账户下的会话数量。
func (s *Store) CountThreads(accountID string) (int, error) {
	var count int64
	err := s.db.Model(&domain.Thread{}).Where("account_id = ?", accountID).Count(&count).Error
	return int(count), err
}

// RecomputeThreadCount 按未删除子邮件重新计算 MessageCount 与 LastMessageAt。
func (s *Store) RecomputeThreadCount(threadID string) error {
	var thread domain.Thread
	if err := s.db.First(&thread, "id = ?", threadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrThreadNotFound
		}
		return err
	}

	var count int64
	if err := s.db.Model(&domain.Message{}).
		Where("thread_id = ? AND deleted = ?", threadID, false).
		Count(&count).Error; err != nil {
		return err
	}

	var last *time.Time
	var newest domain.Message
	err := s.db.Where("thread_id = ? AND deleted = ?", threadID, false).
		Order("message_date DESC").
		First(&newest).Error
	switch {
	case err == nil:
		last = &newest.MessageDate
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 没有未删除邮件，计数归零
	default:
		return err
	}

	return s.db.Model(&domain.Thread{}).Where("id = ?", threadID).Updates(map[string]interface{}{
		"message_count":   count,
		"last_message_at": last,
	}).Error
}

// ========== Message Repository ==========

// UpsertMessage 按 (account_id, provider_message_id) 幂等写入。
// 冲突时只更新同步可变字段，打开追踪统计不回滚。
func (s *Store) UpsertMessage(message *domain.Message) (bool, error) {
	var existing domain.Message
	err := s.db.Select("id", "thread_id").
		First(&existing, "account_id = ? AND provider_message_id = ?", message.AccountID, message.ProviderMessageID).Error
	created := errors.Is(err, gorm.ErrRecordNotFound)
	if err != nil && !created {
		return false, err
	}
	if !created {
		message.ID = existing.ID
		message.ThreadID = existing.ThreadID
	}

	err = s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "account_id"}, {Name: "provider_message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"subject", "snippet", "labels",
			"from_addr", "to_addrs", "cc_addrs",
			"message_date", "message_id_header", "in_reply_to", "references",
			"deleted", "updated_at",
		}),
	}).Create(message).Error
	if err != nil {
		return false, err
	}
	return created, nil
}

// GetMessage 按 ID 查询邮件。
func (s *Store) GetMessage(id string) (*domain.Message, error) {
	var message domain.Message
	if err := s.db.First(&message, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageByProviderID 按提供商邮件 ID 查询。
func (s *Store) GetMessageByProviderID(accountID, providerMessageID string) (*domain.Message, error) {
	var message domain.Message
	err := s.db.First(&message, "account_id = ? AND provider_message_id = ?", accountID, providerMessageID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// GetMessageByTrackingID 按追踪 ID 查询，墓碑邮件也返回。
func (s *Store) GetMessageByTrackingID(trackingID string) (*domain.Message, error) {
	var message domain.Message
	if err := s.db.First(&message, "tracking_id = ?", trackingID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, err
	}
	return &message, nil
}

// ListMessages 返回会话下的未删除邮件，按邮件时间升序。
func (s *Store) ListMessages(threadID string) ([]domain.Message, error) {
	var messages []domain.Message
	err := s.db.Where("thread_id = ? AND deleted = ?", threadID, false).
		Order("message_date ASC").
		Find(&messages).Error
	return messages, err
}

// CountMessages 统计账户下的未删除邮件数量。
func (s *Store) CountMessages(accountID string) (int, error) {
	var count int64
	err := s.db.Model(&domain.Message{}).
		Where("account_id = ? AND deleted = ?", accountID, false).
		Count(&count).Error
	return int(count), err
}

// TombstoneMessage 打墓碑标记，目标不存在时静默成功。
func (s *Store) TombstoneMessage(accountID, providerMessageID string) error {
	return s.db.Model(&domain.Message{}).
		Where("account_id = ? AND provider_message_id = ?", accountID, providerMessageID).
		Update("deleted", true).Error
}

// IncrementOpenCount 追加一次打开计数并维护首次/末次打开时间。
func (s *Store) IncrementOpenCount(messageID string, at time.Time) error {
	result := s.db.Model(&domain.Message{}).Where("id = ?", messageID).Updates(map[string]interface{}{
		"open_count":      gorm.Expr("open_count + 1"),
		"first_opened_at": gorm.Expr("COALESCE(first_opened_at, ?)", at),
		"last_opened_at":  at,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// ========== Tracking Repository ==========

// AppendOpenEvent 追加一条打开事件。
func (s *Store) AppendOpenEvent(event *domain.OpenEvent) error {
	return s.db.Create(event).Error
}

// ListOpenEvents 返回邮件的全部打开事件，按发生时间升序。
func (s *Store) ListOpenEvents(messageID string) ([]domain.OpenEvent, error) {
	var events []domain.OpenEvent
	err := s.db.Where("message_id = ?", messageID).Order("occurred_at ASC").Find(&events).Error
	return events, err
}

// SaveSendStatus 保存投递状态。
func (s *Store) SaveSendStatus(status *domain.SendStatus) error {
	return s.db.Save(status).Error
}

// GetSendStatus 按 ID 查询投递状态。
func (s *Store) GetSendStatus(id string) (*domain.SendStatus, error) {
	var status domain.SendStatus
	if err := s.db.First(&status, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSendStatusNotFound
		}
		return nil, err
	}
	return &status, nil
}

// GetSendStatusByMessageID 返回该邮件最新的投递状态。
func (s *Store) GetSendStatusByMessageID(messageID string) (*domain.SendStatus, error) {
	var status domain.SendStatus
	err := s.db.Where("message_id = ?", messageID).Order("created_at DESC").First(&status).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSendStatusNotFound
		}
		return nil, err
	}
	return &status, nil
}

// ========== SyncJob Repository ==========

// SaveSyncJob 保存同步任务。
func (s *Store) SaveSyncJob(job *domain.SyncJob) error {
	return s.db.Save(job).Error
}

// GetSyncJob 按 ID 查询同步任务。
func (s *Store) GetSyncJob(id string) (*domain.SyncJob, error) {
	var job domain.SyncJob
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListSyncJobsByAccount 返回账户下最近的任务，按请求时间降序。
func (s *Store) ListSyncJobsByAccount(accountID string, limit int) ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	query := s.db.Where("account_id = ?", accountID).Order("requested_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

// ListRunnableSyncJobs 返回非终态的任务，用于进程启动恢复。
func (s *Store) ListRunnableSyncJobs() ([]domain.SyncJob, error) {
	var jobs []domain.SyncJob
	err := s.db.Where("status NOT IN ?", []domain.JobStatus{domain.JobStatusSucceeded, domain.JobStatusDead}).
		Order("requested_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连通性。
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
