package httptransport

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/backend/internal/notify"
)

// EventsHandler SSE 事件流
type EventsHandler struct {
	hub *notify.Hub
	log *zap.Logger
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(hub *notify.Hub, log *zap.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, log: log}
}

// Stream 建立 SSE 连接并持续推送账户事件。
// 订阅后立即收到 connected 事件，之后按到达顺序推送 sync-completed / error / ping。
func (h *EventsHandler) Stream(c *gin.Context) {
	accountID := c.Param("accountId")
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "accountId is required"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	sub := h.hub.Subscribe(accountID)
	defer h.hub.Unsubscribe(sub)

	h.log.Debug("sse subscriber attached",
		zap.String("account_id", accountID),
		zap.String("subscriber_id", sub.ID),
	)

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return false
			}
			// sync-completed / error 帧直接下发载荷本身，
			// connected / ping 帧下发账户标识
			if len(event.Data) > 0 {
				c.SSEvent(string(event.Type), event.Data)
			} else {
				c.SSEvent(string(event.Type), gin.H{"accountId": event.AccountID})
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
