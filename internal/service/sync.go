package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/credentials"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/monitoring"
	"mailsync/backend/internal/provider"
	"mailsync/backend/internal/storage"
)

// SyncResult 一次同步运行的结果统计。
type SyncResult struct {
	SyncType          domain.SyncType
	ThreadsProcessed  int
	MessagesProcessed int
	Duration          time.Duration
}

// SyncService 同步编排器，驱动单个账户的一次同步运行。
//
// 编排器自身不做并发控制也不做重试：同一账户的互斥
// 由调度器的账户锁保证，失败的退避重试也由调度器负责。
// 游标只在一批变更全部落库之后推进，因此任何一次
// 中途失败都会让下一次运行从同一游标重放，
// 幂等 upsert 保证重放不会产生重复数据。
type SyncService struct {
	store   storage.Store
	factory provider.Factory
	box     *credentials.Box

	pageSize    int
	callTimeout time.Duration
	limiter     *rate.Limiter

	log     *zap.Logger
	metrics *monitoring.Metrics
}

// NewSyncService 创建同步编排器。metrics 可以为 nil。
func NewSyncService(
	store storage.Store,
	factory provider.Factory,
	box *credentials.Box,
	cfg config.SyncConfig,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *SyncService {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 5
	}

	return &SyncService{
		store:       store,
		factory:     factory,
		box:         box,
		pageSize:    pageSize,
		callTimeout: callTimeout,
		limiter:     rate.NewLimiter(rate.Limit(rateLimit), burst),
		log:         log,
		metrics:     metrics,
	}
}

// Sync 执行一次同步运行。
// requested 为 incremental 但账户还没有游标时自动升级为全量；
// 增量拉取报告游标失效时，同一次运行内回退为全量。
func (s *SyncService) Sync(ctx context.Context, accountID string, requested domain.SyncType) (*SyncResult, error) {
	start := time.Now()

	account, err := s.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if len(account.Credentials) == 0 {
		return nil, domain.ErrCredentialsMissing
	}
	creds, err := s.box.Open(account.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCredentialsMissing, err)
	}

	client, err := s.factory(ctx, account, creds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteAPI, err)
	}

	if err := s.store.UpdateAccountStatus(account.ID, domain.SyncStatusSyncing, ""); err != nil {
		return nil, err
	}

	syncType := requested
	if syncType == domain.SyncTypeIncremental && account.Cursor == "" {
		// 首次同步没有游标可用
		syncType = domain.SyncTypeFull
	}

	result, err := s.run(ctx, account, client, syncType)
	if err != nil {
		_ = s.store.UpdateAccountStatus(account.ID, domain.SyncStatusError, err.Error())
		if s.metrics != nil {
			s.metrics.RecordSyncRun(string(syncType), "failure", time.Since(start), 0)
		}
		return nil, err
	}

	if err := s.store.UpdateAccountStatus(account.ID, domain.SyncStatusIdle, ""); err != nil {
		return nil, err
	}

	result.Duration = time.Since(start)
	if s.metrics != nil {
		s.metrics.RecordSyncRun(string(result.SyncType), "success", result.Duration, result.MessagesProcessed)
	}
	s.log.Info("sync completed",
		zap.String("account_id", account.ID),
		zap.String("sync_type", string(result.SyncType)),
		zap.Int("threads", result.ThreadsProcessed),
		zap.Int("messages", result.MessagesProcessed),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// run 按类型分派一次同步，增量遇到游标失效时回退全量。
func (s *SyncService) run(ctx context.Context, account *domain.Account, client provider.Client, syncType domain.SyncType) (*SyncResult, error) {
	if syncType == domain.SyncTypeIncremental {
		result, err := s.runIncremental(ctx, account, client)
		if errors.Is(err, provider.ErrCursorExpired) {
			s.log.Warn("cursor expired, falling back to full sync",
				zap.String("account_id", account.ID),
				zap.String("cursor", account.Cursor),
			)
			return s.runFull(ctx, account, client)
		}
		return result, err
	}
	return s.runFull(ctx, account, client)
}

// runIncremental 增量同步：拉取游标之后的变更并逐条应用，
// 整批落库后才推进游标。
func (s *SyncService) runIncremental(ctx context.Context, account *domain.Account, client provider.Client) (*SyncResult, error) {
	var changeSet *provider.ChangeSet
	err := s.call(ctx, func(callCtx context.Context) error {
		var callErr error
		changeSet, callErr = client.ListChangesSince(callCtx, account.Cursor)
		return callErr
	})
	if err != nil {
		if errors.Is(err, provider.ErrCursorExpired) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteAPI, err)
	}

	result := &SyncResult{SyncType: domain.SyncTypeIncremental}
	touched := make(map[string]struct{})

	for _, change := range changeSet.Changes {
		switch change.Type {
		case provider.ChangeAdded, provider.ChangeUpdated:
			remote := change.Message
			if remote == nil {
				// 变更记录不带载荷，按 ID 补拉
				err := s.call(ctx, func(callCtx context.Context) error {
					var callErr error
					remote, callErr = client.GetMessage(callCtx, change.MessageID)
					return callErr
				})
				if err != nil {
					return nil, fmt.Errorf("%w: %v", domain.ErrRemoteAPI, err)
				}
			}
			if change.Type == provider.ChangeUpdated && change.Labels != nil {
				remote.Labels = change.Labels
			}
			threadID, _, err := s.applyRemote(account, remote)
			if err != nil {
				return nil, err
			}
			touched[threadID] = struct{}{}
			result.MessagesProcessed++

		case provider.ChangeRemoved:
			message, err := s.store.GetMessageByProviderID(account.ID, change.MessageID)
			switch {
			case err == nil:
				touched[message.ThreadID] = struct{}{}
			case errors.Is(err, domain.ErrMessageNotFound):
				// 从未见过这封邮件，墓碑是幂等空操作
			default:
				return nil, err
			}
			if err := s.store.TombstoneMessage(account.ID, change.MessageID); err != nil {
				return nil, err
			}
			result.MessagesProcessed++
		}
	}

	if err := s.recomputeThreads(touched); err != nil {
		return nil, err
	}
	result.ThreadsProcessed = len(touched)

	// 整批落库完成，游标此时才允许推进
	if err := s.store.AdvanceCursor(account.ID, changeSet.NewCursor, time.Now()); err != nil {
		return nil, err
	}
	return result, nil
}

// runFull 全量同步：分页枚举全部邮件逐条落库，
// 完成后用提供商当前最新游标覆盖本地游标。
// 中途崩溃不留半套状态：游标未推进，下一次运行
// 重新枚举时幂等 upsert 会收敛到同一结果。
func (s *SyncService) runFull(ctx context.Context, account *domain.Account, client provider.Client) (*SyncResult, error) {
	result := &SyncResult{SyncType: domain.SyncTypeFull}
	touched := make(map[string]struct{})

	pageToken := ""
	for {
		var page *provider.MessagePage
		err := s.call(ctx, func(callCtx context.Context) error {
			var callErr error
			page, callErr = client.ListAllMessages(callCtx, pageToken, s.pageSize)
			return callErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrRemoteAPI, err)
		}

		for i := range page.Messages {
			threadID, _, err := s.applyRemote(account, &page.Messages[i])
			if err != nil {
				return nil, err
			}
			touched[threadID] = struct{}{}
			result.MessagesProcessed++
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	if err := s.recomputeThreads(touched); err != nil {
		return nil, err
	}
	result.ThreadsProcessed = len(touched)

	var cursor string
	err := s.call(ctx, func(callCtx context.Context) error {
		var callErr error
		cursor, callErr = client.LatestCursor(callCtx)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteAPI, err)
	}
	if err := s.store.AdvanceCursor(account.ID, cursor, time.Now()); err != nil {
		return nil, err
	}
	return result, nil
}

// applyRemote 落库一封远程邮件：确保会话存在后幂等 upsert。
func (s *SyncService) applyRemote(account *domain.Account, remote *provider.RemoteMessage) (string, bool, error) {
	key := threadKey(remote)

	thread, err := s.store.GetThreadByProviderID(account.ID, key)
	switch {
	case errors.Is(err, domain.ErrThreadNotFound):
		thread = &domain.Thread{
			ID:               uuid.NewString(),
			AccountID:        account.ID,
			ProviderThreadID: key,
			Subject:          remote.Subject,
			Participants:     participants(remote),
		}
		if err := s.store.SaveThread(thread); err != nil {
			return "", false, err
		}
	case err != nil:
		return "", false, err
	}

	n := normalizeMessage(remote)
	message := &domain.Message{
		ID:                uuid.NewString(),
		ThreadID:          thread.ID,
		AccountID:         account.ID,
		ProviderMessageID: remote.ID,
		Direction:         domain.DirectionInbound,
		From:              n.From,
		To:                n.To,
		Cc:                n.Cc,
		Subject:           n.Subject,
		Snippet:           n.Snippet,
		Labels:            n.Labels,
		MessageDate:       remote.Date,
		MessageIDHeader:   n.MessageIDHeader,
		InReplyTo:         n.InReplyTo,
		References:        n.References,
	}
	created, err := s.store.UpsertMessage(message)
	if err != nil {
		return "", false, err
	}
	return thread.ID, created, nil
}

// recomputeThreads 对本批触达的会话重算计数。
func (s *SyncService) recomputeThreads(touched map[string]struct{}) error {
	for threadID := range touched {
		if err := s.store.RecomputeThreadCount(threadID); err != nil {
			return err
		}
	}
	return nil
}

// call 对一次远程调用施加速率限制与墙钟超时。
func (s *SyncService) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(callCtx)
}
