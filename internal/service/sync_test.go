package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/credentials"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/provider"
	"mailsync/backend/internal/storage/memory"
)

type syncFixture struct {
	store   *memory.Store
	client  *provider.FakeClient
	service *SyncService
	account *domain.Account
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()

	store := memory.NewStore()
	box, err := credentials.New("test-secret-key-16-chars-min!!")
	require.NoError(t, err)

	client := provider.NewFakeClient()
	factory := func(ctx context.Context, account *domain.Account, creds []byte) (provider.Client, error) {
		return client, nil
	}

	sealed, err := box.Seal([]byte(`{"token":"fake"}`))
	require.NoError(t, err)
	account := &domain.Account{
		ID:          uuid.NewString(),
		UserID:      "user-1",
		Address:     "user@example.com",
		Provider:    "fake",
		Credentials: sealed,
	}
	require.NoError(t, store.SaveAccount(account))

	service := NewSyncService(store, factory, box, config.SyncConfig{
		PageSize:    2, // 小分页逼出翻页路径
		CallTimeout: 5 * time.Second,
		RateLimit:   1000,
		RateBurst:   100,
	}, zap.NewNop(), nil)

	return &syncFixture{store: store, client: client, service: service, account: account}
}

func remoteMessage(id, threadID, subject string) provider.RemoteMessage {
	return provider.RemoteMessage{
		ID:       id,
		ThreadID: threadID,
		From:     "alice@example.com",
		To:       []string{"user@example.com"},
		Subject:  subject,
		Snippet:  subject,
		Date:     time.Now(),
	}
}

func TestSyncFull(t *testing.T) {
	t.Run("无游标的增量请求升级为全量", func(t *testing.T) {
		f := newSyncFixture(t)
		f.client.Seed(remoteMessage("m1", "t1", "hello"))
		f.client.Seed(remoteMessage("m2", "t1", "re: hello"))
		f.client.Seed(remoteMessage("m3", "t2", "other"))

		result, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncTypeFull, result.SyncType)
		assert.Equal(t, 3, result.MessagesProcessed)
		assert.Equal(t, 2, result.ThreadsProcessed)

		count, err := f.store.CountMessages(f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		account, err := f.store.GetAccount(f.account.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, account.Cursor, "全量完成后落盘最新游标")
		assert.Equal(t, domain.SyncStatusIdle, account.SyncStatus)
		assert.NotNil(t, account.LastSyncAt)
	})

	t.Run("重复全量幂等", func(t *testing.T) {
		f := newSyncFixture(t)
		f.client.Seed(remoteMessage("m1", "t1", "hello"))
		f.client.Seed(remoteMessage("m2", "t2", "world"))

		_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		require.NoError(t, err)
		_, err = f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		require.NoError(t, err)

		count, err := f.store.CountMessages(f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, count, "重放同一全集不产生重复行")

		threads, err := f.store.CountThreads(f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, threads)
	})
}

func TestSyncIncremental(t *testing.T) {
	t.Run("应用新增、更新与删除", func(t *testing.T) {
		f := newSyncFixture(t)
		f.client.Seed(remoteMessage("m1", "t1", "hello"))
		_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		require.NoError(t, err)

		f.client.Seed(remoteMessage("m2", "t1", "re: hello"))
		f.client.Update("m1", []string{"IMPORTANT"})
		f.client.Remove("m2")

		result, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncTypeIncremental, result.SyncType)
		assert.Equal(t, 3, result.MessagesProcessed)

		m1, err := f.store.GetMessageByProviderID(f.account.ID, "m1")
		require.NoError(t, err)
		assert.Contains(t, m1.Labels, "IMPORTANT")

		m2, err := f.store.GetMessageByProviderID(f.account.ID, "m2")
		require.NoError(t, err)
		assert.True(t, m2.Deleted, "删除变更落为墓碑")

		thread, err := f.store.GetThreadByProviderID(f.account.ID, "t1")
		require.NoError(t, err)
		assert.Equal(t, 1, thread.MessageCount, "墓碑后会话计数重算")
	})

	t.Run("空变更集也推进游标", func(t *testing.T) {
		f := newSyncFixture(t)
		f.client.Seed(remoteMessage("m1", "t1", "hello"))
		_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		require.NoError(t, err)

		before, err := f.store.GetAccount(f.account.ID)
		require.NoError(t, err)

		result, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
		require.NoError(t, err)
		assert.Zero(t, result.MessagesProcessed)

		after, err := f.store.GetAccount(f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Cursor, after.Cursor)
		assert.True(t, after.LastSyncAt.After(*before.LastSyncAt) || after.LastSyncAt.Equal(*before.LastSyncAt))
	})
}

func TestSyncFailure(t *testing.T) {
	t.Run("远程失败不推进游标", func(t *testing.T) {
		f := newSyncFixture(t)
		f.client.Seed(remoteMessage("m1", "t1", "hello"))
		_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		require.NoError(t, err)

		before, err := f.store.GetAccount(f.account.ID)
		require.NoError(t, err)

		f.client.Seed(remoteMessage("m2", "t1", "re: hello"))
		f.client.FailCalls = 1

		_, err = f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrRemoteAPI)
		assert.True(t, domain.Retryable(err))

		after, err := f.store.GetAccount(f.account.ID)
		require.NoError(t, err)
		assert.Equal(t, before.Cursor, after.Cursor, "失败的运行不得推进游标")
		assert.Equal(t, domain.SyncStatusError, after.SyncStatus)
		assert.NotEmpty(t, after.LastError)

		// 下一次运行从同一游标重放并成功
		result, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
		require.NoError(t, err)
		assert.Equal(t, 1, result.MessagesProcessed)
	})

	t.Run("凭证缺失为确定性失败", func(t *testing.T) {
		f := newSyncFixture(t)
		f.account.Credentials = nil
		require.NoError(t, f.store.SaveAccount(f.account))

		_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
		assert.ErrorIs(t, err, domain.ErrCredentialsMissing)
		assert.False(t, domain.Retryable(err))
	})

	t.Run("账户不存在", func(t *testing.T) {
		f := newSyncFixture(t)
		_, err := f.service.Sync(context.Background(), "missing", domain.SyncTypeFull)
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

func TestSyncCursorExpiredFallback(t *testing.T) {
	f := newSyncFixture(t)
	f.client.Seed(remoteMessage("m1", "t1", "hello"))
	_, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeFull)
	require.NoError(t, err)

	f.client.Seed(remoteMessage("m2", "t2", "world"))
	// 提供商回收了历史，已落盘的游标失效
	f.client.ExpireBefore = 100

	result, err := f.service.Sync(context.Background(), f.account.ID, domain.SyncTypeIncremental)
	require.NoError(t, err, "游标失效应在同一次运行内回退全量")
	assert.Equal(t, domain.SyncTypeFull, result.SyncType)
	assert.Equal(t, 2, result.MessagesProcessed)

	count, err := f.store.CountMessages(f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	account, err := f.store.GetAccount(f.account.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusIdle, account.SyncStatus)
}
