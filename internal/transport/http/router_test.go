package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	jwtpkg "mailsync/backend/internal/auth/jwt"
	"mailsync/backend/internal/config"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/notify"
	"mailsync/backend/internal/scheduler"
	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage/memory"
)

// stubRunner 测试用同步执行桩。
type stubRunner struct{}

func (r *stubRunner) Sync(ctx context.Context, accountID string, syncType domain.SyncType) (*service.SyncResult, error) {
	return &service.SyncResult{SyncType: syncType}, nil
}

// stubSender 测试用投递桩。
type stubSender struct {
	err error
}

func (s *stubSender) Send(ctx context.Context, message *domain.Message) error {
	return s.err
}

type routerFixture struct {
	store      *memory.Store
	hub        *notify.Hub
	scheduler  *scheduler.Scheduler
	jwtManager *jwtpkg.Manager
	router     *gin.Engine
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	log := zap.NewNop()
	hub := notify.NewHub(config.NotifyConfig{BufferSize: 8}, log, nil)
	sched := scheduler.New(store, &stubRunner{}, hub, config.SchedulerConfig{Workers: 1, QueueSize: 8}, log, nil)
	jwtManager := jwtpkg.NewManager("test-jwt-secret-for-router-tests", "mailsync", time.Hour)

	accounts := service.NewAccountService(store, nil)
	delivery := service.NewDeliveryService(store, &stubSender{}, log, nil)

	cfg := &config.Config{}
	cfg.CORS.AllowedOrigins = []string{"*"}

	router := NewRouter(RouterDependencies{
		Config:          cfg,
		AccountService:  accounts,
		DeliveryService: delivery,
		Scheduler:       sched,
		Hub:             hub,
		JWTManager:      jwtManager,
		Store:           store,
		Logger:          log,
	})

	return &routerFixture{store: store, hub: hub, scheduler: sched, jwtManager: jwtManager, router: router}
}

func (f *routerFixture) seedAccount(t *testing.T) *domain.Account {
	t.Helper()
	account := &domain.Account{ID: "acc-1", UserID: "user-1", Address: "user@example.com", Provider: "fake"}
	require.NoError(t, f.store.SaveAccount(account))
	return account
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTriggerSyncEndpoint(t *testing.T) {
	t.Run("缺少 accountId 返回 400", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := doJSON(t, f.router, http.MethodPost, "/sync", map[string]any{}, nil)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"])
		assert.NotEmpty(t, resp["message"])
	})

	t.Run("账户不存在返回 404", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := doJSON(t, f.router, http.MethodPost, "/sync", map[string]any{"accountId": "ghost"}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("入队成功返回 202 并持久化任务", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seedAccount(t)

		rec := doJSON(t, f.router, http.MethodPost, "/sync", map[string]any{"accountId": "acc-1"}, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		jobID, _ := resp["jobId"].(string)
		require.NotEmpty(t, jobID)

		job, err := f.store.GetSyncJob(jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncTypeIncremental, job.SyncType)
	})

	t.Run("forceFullSync 触发全量", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seedAccount(t)

		rec := doJSON(t, f.router, http.MethodPost, "/sync",
			map[string]any{"accountId": "acc-1", "forceFullSync": true}, nil)
		assert.Equal(t, http.StatusAccepted, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		job, err := f.store.GetSyncJob(resp["jobId"].(string))
		require.NoError(t, err)
		assert.Equal(t, domain.SyncTypeFull, job.SyncType)
	})
}

func TestSendStatusEndpoint(t *testing.T) {
	t.Run("无记录返回 null", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := doJSON(t, f.router, http.MethodGet, "/send-status/no-such-message", nil, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "null", rec.Body.String())
	})

	t.Run("返回最新发送状态", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seedAccount(t)

		message := &domain.Message{
			ID:                uuid.NewString(),
			AccountID:         "acc-1",
			ProviderMessageID: "out-1",
			Direction:         domain.DirectionOutbound,
		}
		_, err := f.store.UpsertMessage(message)
		require.NoError(t, err)
		status := &domain.SendStatus{
			ID:         uuid.NewString(),
			MessageID:  message.ID,
			Status:     domain.SendStateFailed,
			RetryCount: 1,
			MaxRetries: domain.DefaultMaxRetries,
		}
		require.NoError(t, f.store.SaveSendStatus(status))

		rec := doJSON(t, f.router, http.MethodGet, "/send-status/"+message.ID, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var got domain.SendStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, status.ID, got.ID)
		assert.Equal(t, 1, got.RetryCount)
	})
}

func TestRetrySendEndpoint(t *testing.T) {
	seedFailedStatus := func(t *testing.T, f *routerFixture, retryCount int) *domain.SendStatus {
		t.Helper()
		f.seedAccount(t)
		message := &domain.Message{
			ID:                uuid.NewString(),
			AccountID:         "acc-1",
			ProviderMessageID: "out-1",
			Direction:         domain.DirectionOutbound,
		}
		_, err := f.store.UpsertMessage(message)
		require.NoError(t, err)
		status := &domain.SendStatus{
			ID:         uuid.NewString(),
			MessageID:  message.ID,
			Status:     domain.SendStateFailed,
			RetryCount: retryCount,
			MaxRetries: domain.DefaultMaxRetries,
			LastError:  "connection refused",
		}
		require.NoError(t, f.store.SaveSendStatus(status))
		return status
	}

	t.Run("重试成功返回递增后的计数", func(t *testing.T) {
		f := newRouterFixture(t)
		status := seedFailedStatus(t, f, 0)

		rec := doJSON(t, f.router, http.MethodPost, "/retry-send/"+status.ID, nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, float64(1), resp["retryCount"])
	})

	t.Run("超过上限返回 400 与明确错误码", func(t *testing.T) {
		f := newRouterFixture(t)
		status := seedFailedStatus(t, f, domain.DefaultMaxRetries)

		rec := doJSON(t, f.router, http.MethodPost, "/retry-send/"+status.ID, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "MaxRetriesExceeded", resp["error"])
		assert.Equal(t, float64(domain.DefaultMaxRetries), resp["retryCount"])
		assert.Equal(t, float64(domain.DefaultMaxRetries), resp["maxRetries"])
	})

	t.Run("非默认上限按记录自身的 maxRetries 报告", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seedAccount(t)
		message := &domain.Message{
			ID:                uuid.NewString(),
			AccountID:         "acc-1",
			ProviderMessageID: "out-2",
			Direction:         domain.DirectionOutbound,
		}
		_, err := f.store.UpsertMessage(message)
		require.NoError(t, err)
		status := &domain.SendStatus{
			ID:         uuid.NewString(),
			MessageID:  message.ID,
			Status:     domain.SendStateFailed,
			RetryCount: 5,
			MaxRetries: 5,
		}
		require.NoError(t, f.store.SaveSendStatus(status))

		rec := doJSON(t, f.router, http.MethodPost, "/retry-send/"+status.ID, nil, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, float64(5), resp["retryCount"])
		assert.Equal(t, float64(5), resp["maxRetries"])
	})

	t.Run("状态不存在返回 404", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := doJSON(t, f.router, http.MethodPost, "/retry-send/no-such-status", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("越权调用返回 403", func(t *testing.T) {
		f := newRouterFixture(t)
		status := seedFailedStatus(t, f, 0)

		token, err := f.jwtManager.GenerateToken("someone-else", "other@example.com")
		require.NoError(t, err)

		rec := doJSON(t, f.router, http.MethodPost, "/retry-send/"+status.ID, nil,
			map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestOpenBeaconEndpoint(t *testing.T) {
	t.Run("有效追踪 ID 记录打开并返回像素", func(t *testing.T) {
		f := newRouterFixture(t)
		f.seedAccount(t)

		trackingID := uuid.NewString()
		message := &domain.Message{
			ID:                uuid.NewString(),
			AccountID:         "acc-1",
			ProviderMessageID: "out-1",
			Direction:         domain.DirectionOutbound,
			TrackingID:        trackingID,
		}
		_, err := f.store.UpsertMessage(message)
		require.NoError(t, err)

		rec := doJSON(t, f.router, http.MethodGet, "/track/"+trackingID+"/open.gif", nil, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Equal(t, transparentGIF, rec.Body.Bytes())
		assert.Contains(t, rec.Header().Get("Cache-Control"), "no-cache")

		// 记录是异步的
		assert.Eventually(t, func() bool {
			got, err := f.store.GetMessage(message.ID)
			return err == nil && got.OpenCount == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("未知追踪 ID 同样返回 200 像素", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := doJSON(t, f.router, http.MethodGet, "/track/unknown-id/open.gif", nil, nil)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Equal(t, transparentGIF, rec.Body.Bytes())
	})
}

// sseRecorder 给 ResponseRecorder 补上 CloseNotify，满足 gin 流式接口。
type sseRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func TestEventsStream(t *testing.T) {
	f := newRouterFixture(t)
	f.seedAccount(t)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events/acc-1", nil).WithContext(ctx)
	rec := newSSERecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.ServeHTTP(rec, req)
	}()

	// 等订阅建立后再广播
	require.Eventually(t, func() bool {
		return f.hub.SubscriberCount("acc-1") == 1
	}, time.Second, 10*time.Millisecond)

	f.hub.BroadcastSyncCompleted("acc-1", notify.SyncCompletedData{
		SyncType:          string(domain.SyncTypeFull),
		MessagesProcessed: 3,
	})

	// 留出事件写入的时间窗口再断开
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not exit after client disconnect")
	}

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, body, "event:connected")
	assert.Contains(t, body, "event:sync-completed")
	assert.Contains(t, body, "acc-1")
}
