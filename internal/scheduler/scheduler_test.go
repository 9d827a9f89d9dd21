package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/notify"
	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage/memory"
)

// fakeRunner 可编程的同步执行桩。
type fakeRunner struct {
	mu         sync.Mutex
	failTimes  int   // 前 N 次调用失败
	failErr    error // 失败时返回的错误
	calls      int
	concurrent int
	maxSeen    int
	block      chan struct{} // 非 nil 时调用阻塞等待
}

func (r *fakeRunner) Sync(ctx context.Context, accountID string, syncType domain.SyncType) (*service.SyncResult, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.concurrent++
	if r.concurrent > r.maxSeen {
		r.maxSeen = r.concurrent
	}
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.concurrent--
	failed := call <= r.failTimes
	r.mu.Unlock()

	if failed {
		err := r.failErr
		if err == nil {
			err = fmt.Errorf("%w: injected", domain.ErrRemoteAPI)
		}
		return nil, err
	}
	return &service.SyncResult{
		SyncType:          syncType,
		ThreadsProcessed:  1,
		MessagesProcessed: 2,
		Duration:          5 * time.Millisecond,
	}, nil
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		Workers:      2,
		QueueSize:    16,
		JobTimeout:   time.Second,
		MaxAttempts:  3,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
		RequeueDelay: 10 * time.Millisecond,
	}
}

func startScheduler(t *testing.T, store *memory.Store, runner SyncRunner, hub *notify.Hub, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	s := New(store, runner, hub, cfg, zap.NewNop(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	return s
}

func waitForStatus(t *testing.T, store *memory.Store, jobID string, want domain.JobStatus) *domain.SyncJob {
	t.Helper()
	var job *domain.SyncJob
	require.Eventually(t, func() bool {
		var err error
		job, err = store.GetSyncJob(jobID)
		return err == nil && job.Status == want
	}, 3*time.Second, 10*time.Millisecond, "任务未到达状态 %s", want)
	return job
}

func TestEnqueueAndRun(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{}
	hub := notify.NewHub(config.NotifyConfig{BufferSize: 8, KeepAlive: time.Hour}, zap.NewNop(), nil)
	s := startScheduler(t, store, runner, hub, testConfig())

	sub := hub.Subscribe("acc-1")
	<-sub.Events // connected

	job, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	done := waitForStatus(t, store, job.ID, domain.JobStatusSucceeded)
	assert.Equal(t, 1, done.Attempts)
	assert.Equal(t, 2, done.MessagesProcessed)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.FinishedAt)

	select {
	case event := <-sub.Events:
		assert.Equal(t, notify.EventTypeSyncCompleted, event.Type)
	case <-time.After(time.Second):
		t.Fatal("成功后应广播 sync-completed 事件")
	}
}

func TestSingleFlightPerAccount(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{block: make(chan struct{})}
	s := startScheduler(t, store, runner, nil, testConfig())

	jobA, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)
	jobB, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)

	// 第一个任务拿到锁开始执行，第二个在锁冲突上打转
	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount(), "同一账户同一时刻至多一个任务在执行")

	close(runner.block)
	waitForStatus(t, store, jobA.ID, domain.JobStatusSucceeded)
	waitForStatus(t, store, jobB.ID, domain.JobStatusSucceeded)

	runner.mu.Lock()
	maxSeen := runner.maxSeen
	runner.mu.Unlock()
	assert.Equal(t, 1, maxSeen)
}

func TestDifferentAccountsRunConcurrently(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{block: make(chan struct{})}
	s := startScheduler(t, store, runner, nil, testConfig())

	jobA, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)
	jobB, err := s.Enqueue("acc-2", domain.SyncTypeIncremental)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runner.callCount() == 2
	}, time.Second, 10*time.Millisecond, "不同账户的任务应并行执行")

	close(runner.block)
	waitForStatus(t, store, jobA.ID, domain.JobStatusSucceeded)
	waitForStatus(t, store, jobB.ID, domain.JobStatusSucceeded)
}

func TestRetryWithBackoff(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{failTimes: 2}
	hub := notify.NewHub(config.NotifyConfig{BufferSize: 8, KeepAlive: time.Hour}, zap.NewNop(), nil)
	s := startScheduler(t, store, runner, hub, testConfig())

	sub := hub.Subscribe("acc-1")
	<-sub.Events

	job, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)

	done := waitForStatus(t, store, job.ID, domain.JobStatusSucceeded)
	assert.Equal(t, 3, done.Attempts, "两次失败后的第三次尝试成功")
	assert.Equal(t, 3, runner.callCount())

	// 前两次失败各广播一条可重试错误
	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.Events:
			assert.Equal(t, notify.EventTypeError, event.Type)
		case <-time.After(time.Second):
			t.Fatal("失败后应广播 error 事件")
		}
	}
}

func TestDeadLetterAfterMaxAttempts(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveAccount(&domain.Account{ID: "acc-1", SyncStatus: domain.SyncStatusIdle}))
	runner := &fakeRunner{failTimes: 100}
	s := startScheduler(t, store, runner, nil, testConfig())

	job, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)

	dead := waitForStatus(t, store, job.ID, domain.JobStatusDead)
	assert.Equal(t, 3, dead.Attempts)
	assert.NotEmpty(t, dead.LastError)

	// 死信后不再有新的尝试
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, runner.callCount())

	// 死信在账户上留下 error 状态
	account, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, account.SyncStatus)
	assert.NotEmpty(t, account.LastError)
}

func TestNonRetryableErrorDeadLettersImmediately(t *testing.T) {
	store := memory.NewStore()
	require.NoError(t, store.SaveAccount(&domain.Account{ID: "acc-1", SyncStatus: domain.SyncStatusIdle}))
	runner := &fakeRunner{failTimes: 100, failErr: domain.ErrCredentialsMissing}
	s := startScheduler(t, store, runner, nil, testConfig())

	job, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)

	dead := waitForStatus(t, store, job.ID, domain.JobStatusDead)
	assert.Equal(t, 1, dead.Attempts, "确定性失败不重试")

	// 编排器还没来得及写状态就快速失败的场景，
	// 账户状态也要由死信路径补上 error
	account, err := store.GetAccount("acc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, account.SyncStatus)
}

func TestRecoverPendingJobs(t *testing.T) {
	store := memory.NewStore()

	// 模拟上一个进程崩溃时遗留的任务
	queued := &domain.SyncJob{
		ID:          uuid.NewString(),
		AccountID:   "acc-1",
		SyncType:    domain.SyncTypeIncremental,
		Status:      domain.JobStatusQueued,
		MaxAttempts: 3,
		RequestedAt: time.Now(),
	}
	running := &domain.SyncJob{
		ID:          uuid.NewString(),
		AccountID:   "acc-2",
		SyncType:    domain.SyncTypeFull,
		Status:      domain.JobStatusRunning,
		Attempts:    1,
		MaxAttempts: 3,
		RequestedAt: time.Now(),
	}
	require.NoError(t, store.SaveSyncJob(queued))
	require.NoError(t, store.SaveSyncJob(running))

	runner := &fakeRunner{}
	startScheduler(t, store, runner, nil, testConfig())

	waitForStatus(t, store, queued.ID, domain.JobStatusSucceeded)
	recovered := waitForStatus(t, store, running.ID, domain.JobStatusSucceeded)
	assert.Equal(t, 2, recovered.Attempts, "崩溃中断的尝试之后追加新尝试")
}

func TestRecurringRegisteredBeforeStart(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{}
	s := New(store, runner, nil, testConfig(), zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	s.ScheduleRecurring(ctx, "acc-1", 20*time.Millisecond)

	// 注册先于 Start，周期协程此时已经在跑
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})

	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 2*time.Second, 10*time.Millisecond, "周期触发的任务在 Start 之后被执行")

	cancel()
	time.Sleep(60 * time.Millisecond)
	after := runner.callCount()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, runner.callCount(), after+1, "取消后周期触发停止")
}

func TestBackoffGrowth(t *testing.T) {
	s := New(memory.NewStore(), &fakeRunner{}, nil, config.SchedulerConfig{
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  time.Minute,
	}, zap.NewNop(), nil)

	assert.Equal(t, 5*time.Second, s.backoff(1))
	assert.Equal(t, 10*time.Second, s.backoff(2))
	assert.Equal(t, 20*time.Second, s.backoff(3))
	assert.Equal(t, 40*time.Second, s.backoff(4))
	assert.Equal(t, time.Minute, s.backoff(5), "退避封顶")
	assert.Equal(t, time.Minute, s.backoff(50))
}

func TestEnqueueQueueFull(t *testing.T) {
	store := memory.NewStore()
	runner := &fakeRunner{block: make(chan struct{})}
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	s := New(store, runner, nil, cfg, zap.NewNop(), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		close(runner.block)
		s.Stop()
	})

	// 占住唯一的工作协程，然后塞满队列
	_, err := s.Enqueue("acc-1", domain.SyncTypeIncremental)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, time.Second, 10*time.Millisecond)

	_, err = s.Enqueue("acc-2", domain.SyncTypeIncremental)
	require.NoError(t, err)

	var full bool
	for i := 0; i < 8; i++ {
		if _, err := s.Enqueue("acc-3", domain.SyncTypeIncremental); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	assert.True(t, full, "队列满时返回 ErrQueueFull")
}
