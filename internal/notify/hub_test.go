package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
)

func newTestHub(bufferSize int) *Hub {
	return NewHub(config.NotifyConfig{
		BufferSize: bufferSize,
		KeepAlive:  time.Hour, // 测试里不触发保活
	}, zap.NewNop(), nil)
}

func TestSubscribeSendsConnectedAck(t *testing.T) {
	hub := newTestHub(4)
	sub := hub.Subscribe("acc-1")
	defer hub.Unsubscribe(sub)

	select {
	case event := <-sub.Events:
		assert.Equal(t, EventTypeConnected, event.Type)
		assert.Equal(t, "acc-1", event.AccountID)
		assert.False(t, event.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("connected 确认事件未到达")
	}
}

func TestBroadcastRouting(t *testing.T) {
	hub := newTestHub(4)
	subA := hub.Subscribe("acc-a")
	subB := hub.Subscribe("acc-b")
	defer hub.Unsubscribe(subA)
	defer hub.Unsubscribe(subB)

	<-subA.Events // 消费 connected
	<-subB.Events

	hub.BroadcastSyncCompleted("acc-a", SyncCompletedData{
		SyncType:          "incremental",
		MessagesProcessed: 3,
	})

	select {
	case event := <-subA.Events:
		assert.Equal(t, EventTypeSyncCompleted, event.Type)
		assert.Equal(t, "acc-a", event.AccountID)
	case <-time.After(time.Second):
		t.Fatal("acc-a 订阅者未收到事件")
	}

	select {
	case event := <-subB.Events:
		t.Fatalf("acc-b 订阅者不应收到事件: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastToMultipleSubscribers(t *testing.T) {
	hub := newTestHub(4)
	subs := []*Subscriber{
		hub.Subscribe("acc-1"),
		hub.Subscribe("acc-1"),
		hub.Subscribe("acc-1"),
	}
	for _, sub := range subs {
		<-sub.Events
	}
	assert.Equal(t, 3, hub.SubscriberCount("acc-1"))

	hub.BroadcastError("acc-1", ErrorData{Message: "remote api error", WillRetry: true})

	for _, sub := range subs {
		select {
		case event := <-sub.Events:
			assert.Equal(t, EventTypeError, event.Type)
		case <-time.After(time.Second):
			t.Fatal("订阅者未收到广播")
		}
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	hub := newTestHub(1)
	slow := hub.Subscribe("acc-1")
	// connected 事件占满缓冲且无人消费

	hub.Broadcast("acc-1", Event{Type: EventTypeSyncCompleted})

	assert.Equal(t, 0, hub.SubscriberCount("acc-1"), "缓冲写满的订阅者应被踢除")

	// 通道已被 Hub 关闭，排空后应立即读到关闭信号
	drained := false
	for !drained {
		select {
		case _, ok := <-slow.Events:
			if !ok {
				drained = true
			}
		case <-time.After(time.Second):
			t.Fatal("事件通道未关闭")
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	hub := newTestHub(4)
	sub := hub.Subscribe("acc-1")

	hub.Unsubscribe(sub)
	require.NotPanics(t, func() { hub.Unsubscribe(sub) })
	assert.Equal(t, 0, hub.SubscriberCount("acc-1"))
}

func TestRunClosesSubscribersOnShutdown(t *testing.T) {
	hub := newTestHub(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	sub := hub.Subscribe("acc-1")
	<-sub.Events

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run 未随上下文取消退出")
	}

	select {
	case _, ok := <-sub.Events:
		assert.False(t, ok, "停机时应关闭订阅通道")
	case <-time.After(time.Second):
		t.Fatal("订阅通道未关闭")
	}
}
