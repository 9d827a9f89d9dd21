package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/service"
)

// transparentGIF 1x1 透明 GIF 像素
var transparentGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
	0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
	0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
	0x01, 0x00, 0x3b,
}

// TrackingHandler 发送状态、重试与打开追踪
type TrackingHandler struct {
	delivery *service.DeliveryService
	log      *zap.Logger
}

// NewTrackingHandler 创建追踪处理器
func NewTrackingHandler(delivery *service.DeliveryService, log *zap.Logger) *TrackingHandler {
	return &TrackingHandler{delivery: delivery, log: log}
}

// SendStatus 返回消息最新的发送状态，无记录时返回 null。
func (h *TrackingHandler) SendStatus(c *gin.Context) {
	status, err := h.delivery.GetStatusByMessage(c.Param("messageId"))
	if err != nil {
		if errors.Is(err, domain.ErrSendStatusNotFound) {
			c.JSON(http.StatusOK, nil)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load send status"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// RetrySend 递增重试计数并异步重发。
// 计数在响应前已落库，客户端看到的 retryCount 与存储一致。
func (h *TrackingHandler) RetrySend(c *gin.Context) {
	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	status, err := h.delivery.Retry(c.Param("statusId"), uid)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrMaxRetriesExceeded):
			retryCount, maxRetries := 0, domain.DefaultMaxRetries
			if status != nil {
				retryCount, maxRetries = status.RetryCount, status.MaxRetries
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      "MaxRetriesExceeded",
				"retryCount": retryCount,
				"maxRetries": maxRetries,
			})
		case errors.Is(err, domain.ErrSendStatusNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "send status not found"})
		case errors.Is(err, domain.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not allowed"})
		case errors.Is(err, domain.ErrNoAssociatedDraft):
			c.JSON(http.StatusBadRequest, gin.H{"error": "no associated draft or message"})
		case errors.Is(err, domain.ErrMessageNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		default:
			h.log.Error("retry send failed",
				zap.String("status_id", c.Param("statusId")),
				zap.Error(err),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"retryCount": status.RetryCount,
	})
}

// OpenBeacon 邮件打开追踪像素。
// 无论追踪 ID 是否有效都返回 200 与同一张 GIF，
// 记录动作放到后台执行，失败不影响响应。
func (h *TrackingHandler) OpenBeacon(c *gin.Context) {
	trackingID := c.Param("trackingId")
	ip := c.ClientIP()
	userAgent := c.GetHeader("User-Agent")

	if trackingID != "" {
		go func() {
			if err := h.delivery.RecordOpen(trackingID, ip, userAgent); err != nil {
				h.log.Debug("open beacon not recorded",
					zap.String("tracking_id", trackingID),
					zap.Error(err),
				)
			}
		}()
	}

	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Data(http.StatusOK, "image/gif", transparentGIF)
}

// OpenHistory 查询消息的打开历史（/v1 辅助接口）。
func (h *TrackingHandler) OpenHistory(c *gin.Context) {
	history, err := h.delivery.GetOpenHistory(c.Param("messageId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, history)
}
