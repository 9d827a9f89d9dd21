package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/monitoring"
	"mailsync/backend/internal/notify"
	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage"
)

// ErrQueueFull 任务队列已满，请求被拒绝。
var ErrQueueFull = errors.New("scheduler: queue full")

// SyncRunner 执行一次同步运行的能力接口，由同步编排器实现。
type SyncRunner interface {
	Sync(ctx context.Context, accountID string, syncType domain.SyncType) (*service.SyncResult, error)
}

// Scheduler 持久化任务队列与账户级单飞调度。
//
// 任务先落库再入队，因此进程崩溃不会丢请求；启动时
// Recover 把非终态任务重新入队，语义是至少一次。
// 同一账户同一时刻至多一个任务在执行：进程内锁表保证
// 单进程互斥，存储实现了 SyncLocker 时（Redis SET NX）
// 额外尝试跨进程锁。抢不到锁的任务延迟后重新入队，
// 不计入失败尝试。
type Scheduler struct {
	store  storage.Store
	runner SyncRunner
	hub    *notify.Hub

	workers      int
	queueSize    int
	jobTimeout   time.Duration
	maxAttempts  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	requeueDelay time.Duration

	jobs chan string

	mu    sync.Mutex
	locks map[string]struct{} // 进程内账户锁表

	locker storage.SyncLocker // 跨进程锁，可以为 nil

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log     *zap.Logger
	metrics *monitoring.Metrics
}

// New 创建调度器。hub 与 metrics 可以为 nil。
func New(
	store storage.Store,
	runner SyncRunner,
	hub *notify.Hub,
	cfg config.SchedulerConfig,
	log *zap.Logger,
	metrics *monitoring.Metrics,
) *Scheduler {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = 5 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	requeueDelay := cfg.RequeueDelay
	if requeueDelay <= 0 {
		requeueDelay = 2 * time.Second
	}

	s := &Scheduler{
		store:        store,
		runner:       runner,
		hub:          hub,
		workers:      workers,
		queueSize:    queueSize,
		jobTimeout:   jobTimeout,
		maxAttempts:  maxAttempts,
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		requeueDelay: requeueDelay,
		jobs:         make(chan string, queueSize),
		locks:        make(map[string]struct{}),
		log:          log,
		metrics:      metrics,
	}
	if locker, ok := store.(storage.SyncLocker); ok {
		s.locker = locker
	}
	return s
}

// Start 启动工作协程并恢复遗留任务。
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if err := s.recover(); err != nil {
		return err
	}
	s.log.Info("scheduler started", zap.Int("workers", s.workers))
	return nil
}

// Stop 停止调度器并等待在途任务结束。
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// Enqueue 创建一个同步任务：先落库，确认入队后才返回。
// 队列满时任务保持 queued 落库状态，由下一次启动恢复兜底。
func (s *Scheduler) Enqueue(accountID string, syncType domain.SyncType) (*domain.SyncJob, error) {
	job := &domain.SyncJob{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		SyncType:    syncType,
		Status:      domain.JobStatusQueued,
		MaxAttempts: s.maxAttempts,
		RequestedAt: time.Now(),
	}
	if err := s.store.SaveSyncJob(job); err != nil {
		return nil, err
	}

	select {
	case s.jobs <- job.ID:
		if s.metrics != nil {
			s.metrics.SyncJobsQueued.Inc()
		}
	default:
		return nil, ErrQueueFull
	}

	s.log.Info("sync job enqueued",
		zap.String("job_id", job.ID),
		zap.String("account_id", accountID),
		zap.String("sync_type", string(syncType)),
	)
	return job, nil
}

// ScheduleRecurring 为账户启动周期增量同步。
// 生命周期跟随传入的 ctx，因此可以在 Start 之前注册。
// 锁被持有的那一拍直接跳过，周期同步不会在慢账户上堆积。
func (s *Scheduler) ScheduleRecurring(ctx context.Context, accountID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.lockHeld(accountID) {
					continue
				}
				if _, err := s.Enqueue(accountID, domain.SyncTypeIncremental); err != nil {
					s.log.Warn("recurring sync enqueue failed",
						zap.String("account_id", accountID),
						zap.Error(err),
					)
				}
			}
		}
	}()
}

// recover 把非终态任务重新入队，failed 任务按既定退避时间延迟。
func (s *Scheduler) recover() error {
	jobs, err := s.store.ListRunnableSyncJobs()
	if err != nil {
		return err
	}
	for i := range jobs {
		job := jobs[i]
		delay := time.Duration(0)
		if job.NextRunAt != nil {
			if d := time.Until(*job.NextRunAt); d > 0 {
				delay = d
			}
		}
		s.dispatch(job.ID, delay)
	}
	if len(jobs) > 0 {
		s.log.Info("recovered pending sync jobs", zap.Int("count", len(jobs)))
	}
	return nil
}

// dispatch 把任务放回队列，delay 大于零时延迟投递。
func (s *Scheduler) dispatch(jobID string, delay time.Duration) {
	deliver := func() {
		select {
		case s.jobs <- jobID:
			if s.metrics != nil {
				s.metrics.SyncJobsQueued.Inc()
			}
		case <-s.ctx.Done():
		}
	}

	if delay <= 0 {
		go deliver()
		return
	}
	timer := time.AfterFunc(delay, deliver)
	go func() {
		<-s.ctx.Done()
		timer.Stop()
	}()
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case jobID := <-s.jobs:
			if s.metrics != nil {
				s.metrics.SyncJobsQueued.Dec()
			}
			s.process(jobID)
		}
	}
}

// process 执行一个任务的一次尝试。
func (s *Scheduler) process(jobID string) {
	job, err := s.store.GetSyncJob(jobID)
	if err != nil {
		s.log.Error("failed to load sync job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Terminal() {
		return
	}

	if !s.tryLock(job.AccountID) {
		// 账户已有任务在执行，延迟后重试，不计入失败尝试
		if s.metrics != nil {
			s.metrics.SyncLockConflict.Inc()
		}
		s.dispatch(job.ID, s.requeueDelay)
		return
	}
	defer s.unlock(job.AccountID)

	now := time.Now()
	job.Status = domain.JobStatusRunning
	job.Attempts++
	job.StartedAt = &now
	job.NextRunAt = nil
	if err := s.store.SaveSyncJob(job); err != nil {
		s.log.Error("failed to mark job running", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	result, runErr := s.runner.Sync(runCtx, job.AccountID, job.SyncType)
	cancel()

	finished := time.Now()
	job.FinishedAt = &finished

	if runErr != nil {
		s.fail(job, runErr)
		return
	}

	job.Status = domain.JobStatusSucceeded
	job.LastError = ""
	job.ThreadsProcessed = result.ThreadsProcessed
	job.MessagesProcessed = result.MessagesProcessed
	job.Duration = result.Duration
	if err := s.store.SaveSyncJob(job); err != nil {
		s.log.Error("failed to persist job result", zap.String("job_id", job.ID), zap.Error(err))
	}

	if s.hub != nil {
		s.hub.BroadcastSyncCompleted(job.AccountID, notify.SyncCompletedData{
			SyncType:          string(result.SyncType),
			ThreadsProcessed:  result.ThreadsProcessed,
			MessagesProcessed: result.MessagesProcessed,
			DurationMs:        result.Duration.Milliseconds(),
		})
	}
}

// fail 处理一次失败尝试：可重试时按退避重新入队，
// 确定性失败或尝试耗尽时进入死信。
func (s *Scheduler) fail(job *domain.SyncJob, runErr error) {
	job.LastError = runErr.Error()

	retryable := domain.Retryable(runErr) && job.Attempts < job.MaxAttempts
	if !retryable {
		job.Status = domain.JobStatusDead
		job.NextRunAt = nil
		if err := s.store.SaveSyncJob(job); err != nil {
			s.log.Error("failed to persist dead job", zap.String("job_id", job.ID), zap.Error(err))
		}
		// 死信必须在账户上留下 error 状态，哪怕失败发生在编排器
		// 写状态之前（例如凭证缺失时的快速失败）
		if err := s.store.UpdateAccountStatus(job.AccountID, domain.SyncStatusError, runErr.Error()); err != nil {
			s.log.Error("failed to mark account error on dead letter",
				zap.String("account_id", job.AccountID),
				zap.Error(err),
			)
		}
		if s.metrics != nil {
			s.metrics.SyncJobsDead.Inc()
		}
		s.log.Error("sync job dead lettered",
			zap.String("job_id", job.ID),
			zap.String("account_id", job.AccountID),
			zap.Int("attempts", job.Attempts),
			zap.Error(runErr),
		)
		if s.hub != nil {
			s.hub.BroadcastError(job.AccountID, notify.ErrorData{
				Message:   runErr.Error(),
				WillRetry: false,
			})
		}
		return
	}

	delay := s.backoff(job.Attempts)
	nextRun := time.Now().Add(delay)
	job.Status = domain.JobStatusFailed
	job.NextRunAt = &nextRun
	if err := s.store.SaveSyncJob(job); err != nil {
		s.log.Error("failed to persist failed job", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	s.log.Warn("sync job failed, will retry",
		zap.String("job_id", job.ID),
		zap.String("account_id", job.AccountID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("backoff", delay),
		zap.Error(runErr),
	)
	if s.hub != nil {
		s.hub.BroadcastError(job.AccountID, notify.ErrorData{
			Message:   runErr.Error(),
			WillRetry: true,
		})
	}
	s.dispatch(job.ID, delay)
}

// backoff 按尝试次数计算指数退避，封顶 maxBackoff。
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.baseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.maxBackoff {
			return s.maxBackoff
		}
	}
	if delay > s.maxBackoff {
		return s.maxBackoff
	}
	return delay
}

// tryLock 获取账户锁：进程内锁表加可选的跨进程锁。
func (s *Scheduler) tryLock(accountID string) bool {
	s.mu.Lock()
	if _, held := s.locks[accountID]; held {
		s.mu.Unlock()
		return false
	}
	s.locks[accountID] = struct{}{}
	s.mu.Unlock()

	if s.locker != nil {
		// 锁 TTL 略长于任务超时，持有者崩溃后锁自动过期
		ok, err := s.locker.AcquireSyncLock(accountID, s.jobTimeout+time.Minute)
		if err != nil || !ok {
			if err != nil {
				s.log.Warn("cross process lock error", zap.String("account_id", accountID), zap.Error(err))
			}
			s.mu.Lock()
			delete(s.locks, accountID)
			s.mu.Unlock()
			return false
		}
	}
	return true
}

// unlock 释放账户锁。
func (s *Scheduler) unlock(accountID string) {
	if s.locker != nil {
		if err := s.locker.ReleaseSyncLock(accountID); err != nil {
			s.log.Warn("cross process unlock error", zap.String("account_id", accountID), zap.Error(err))
		}
	}
	s.mu.Lock()
	delete(s.locks, accountID)
	s.mu.Unlock()
}

// lockHeld 查询进程内锁是否被持有。
func (s *Scheduler) lockHeld(accountID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.locks[accountID]
	return held
}
