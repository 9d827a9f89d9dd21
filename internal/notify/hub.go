package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsync/backend/internal/config"
	"mailsync/backend/internal/monitoring"
)

// Subscriber 代表一个按账户订阅的事件消费者。
// Events 通道带缓冲；缓冲写满说明消费者跟不上，
// 该订阅者会被踢除，通道由 Hub 负责关闭。
type Subscriber struct {
	ID        string
	AccountID string
	Events    chan Event
}

// Hub 按账户 ID 做事件扇出。
// 广播对慢订阅者非阻塞：通道满直接踢除，
// 保证一个卡死的消费者不会拖慢同步回路。
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber // accountID -> subscriberID -> subscriber

	bufferSize int
	keepAlive  time.Duration
	log        *zap.Logger
	metrics    *monitoring.Metrics
}

// NewHub 创建事件扇出 Hub。metrics 可以为 nil。
func NewHub(cfg config.NotifyConfig, log *zap.Logger, metrics *monitoring.Metrics) *Hub {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 16
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	return &Hub{
		subscribers: make(map[string]map[string]*Subscriber),
		bufferSize:  bufferSize,
		keepAlive:   keepAlive,
		log:         log,
		metrics:     metrics,
	}
}

// Subscribe 注册一个账户订阅，立即投递 connected 确认事件。
// 确认事件占用缓冲的第一个槽位，因此永远不会丢。
func (h *Hub) Subscribe(accountID string) *Subscriber {
	sub := &Subscriber{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Events:    make(chan Event, h.bufferSize),
	}

	h.mu.Lock()
	if h.subscribers[accountID] == nil {
		h.subscribers[accountID] = make(map[string]*Subscriber)
	}
	h.subscribers[accountID][sub.ID] = sub
	h.mu.Unlock()

	sub.Events <- Event{
		Type:      EventTypeConnected,
		AccountID: accountID,
		Timestamp: time.Now(),
	}

	if h.metrics != nil {
		h.metrics.SubscribersLive.Inc()
	}
	h.log.Info("subscriber registered",
		zap.String("subscriber_id", sub.ID),
		zap.String("account_id", accountID),
	)
	return sub
}

// Unsubscribe 注销订阅并关闭其事件通道。重复调用无害。
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	h.mu.Unlock()

	if removed {
		close(sub.Events)
		if h.metrics != nil {
			h.metrics.SubscribersLive.Dec()
		}
		h.log.Info("subscriber unregistered",
			zap.String("subscriber_id", sub.ID),
			zap.String("account_id", sub.AccountID),
		)
	}
}

// removeLocked 从注册表移除订阅者，调用方持有写锁。
func (h *Hub) removeLocked(sub *Subscriber) bool {
	subs, ok := h.subscribers[sub.AccountID]
	if !ok {
		return false
	}
	if _, ok := subs[sub.ID]; !ok {
		return false
	}
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.subscribers, sub.AccountID)
	}
	return true
}

// SubscriberCount 返回账户当前的订阅者数量。
func (h *Hub) SubscriberCount(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[accountID])
}

// Broadcast 向账户的全部订阅者投递事件。
// 没有订阅者时事件直接丢弃；订阅者缓冲写满时被踢除。
func (h *Hub) Broadcast(accountID string, event Event) {
	event.AccountID = accountID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	h.mu.Lock()
	subs := h.subscribers[accountID]
	var evicted []*Subscriber
	for _, sub := range subs {
		select {
		case sub.Events <- event:
		default:
			h.removeLocked(sub)
			evicted = append(evicted, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		close(sub.Events)
		if h.metrics != nil {
			h.metrics.SubscribersLive.Dec()
			h.metrics.SubscribersEvicted.Inc()
		}
		h.log.Warn("slow subscriber evicted",
			zap.String("subscriber_id", sub.ID),
			zap.String("account_id", sub.AccountID),
		)
	}

	if h.metrics != nil {
		h.metrics.RecordEventBroadcast(string(event.Type))
	}
}

// BroadcastSyncCompleted 广播一次同步成功。
func (h *Hub) BroadcastSyncCompleted(accountID string, data SyncCompletedData) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to marshal sync completed data", zap.Error(err))
		return
	}
	h.Broadcast(accountID, Event{Type: EventTypeSyncCompleted, Data: payload})
}

// BroadcastError 广播一次同步失败。
func (h *Hub) BroadcastError(accountID string, data ErrorData) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.log.Error("failed to marshal error data", zap.Error(err))
		return
	}
	h.Broadcast(accountID, Event{Type: EventTypeError, Data: payload})
}

// Run 周期性向所有订阅者发送保活帧，直到上下文取消。
// 保活帧同时是慢消费者探测：缓冲长期写满的订阅者
// 会在这里被踢除。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.log.Info("notify hub stopped")
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

// pingAll 向每个账户广播一帧 ping。
func (h *Hub) pingAll() {
	h.mu.RLock()
	accountIDs := make([]string, 0, len(h.subscribers))
	for accountID := range h.subscribers {
		accountIDs = append(accountIDs, accountID)
	}
	h.mu.RUnlock()

	for _, accountID := range accountIDs {
		h.Broadcast(accountID, Event{Type: EventTypePing})
	}
}

// closeAll 关闭全部订阅。
func (h *Hub) closeAll() {
	h.mu.Lock()
	var all []*Subscriber
	for _, subs := range h.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.subscribers = make(map[string]map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range all {
		close(sub.Events)
		if h.metrics != nil {
			h.metrics.SubscribersLive.Dec()
		}
	}
}
