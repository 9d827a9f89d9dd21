package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/monitoring"
	"mailsync/backend/internal/storage"
)

// Sender 下游投递通道，由 SMTP 中继实现。
type Sender interface {
	Send(ctx context.Context, message *domain.Message) error
}

// DeliveryService 出站投递的状态跟踪、失败重发与打开追踪。
//
// 重发的持久化顺序是关键：重试计数与 sending 状态
// 先落库，然后才发起下游投递。因此即使投递方永远失败，
// 计数也会单调推进并收敛到上限，不会无限循环。
type DeliveryService struct {
	store  storage.Store
	sender Sender

	sendTimeout time.Duration
	log         *zap.Logger
	metrics     *monitoring.Metrics
}

// NewDeliveryService 创建投递跟踪服务。sender 与 metrics 可以为 nil。
func NewDeliveryService(store storage.Store, sender Sender, log *zap.Logger, metrics *monitoring.Metrics) *DeliveryService {
	return &DeliveryService{
		store:       store,
		sender:      sender,
		sendTimeout: 30 * time.Second,
		log:         log,
		metrics:     metrics,
	}
}

// GetStatusByMessage 查询邮件最新的投递状态。
func (s *DeliveryService) GetStatusByMessage(messageID string) (*domain.SendStatus, error) {
	return s.store.GetSendStatusByMessageID(messageID)
}

// Retry 手动触发一次重发。
// 调用方归属、关联草稿与重试上限都在这里校验；
// 通过校验后同步持久化新计数，再异步发起下游投递，
// 调用方立即拿到已递增的计数。
func (s *DeliveryService) Retry(statusID, userID string) (*domain.SendStatus, error) {
	status, err := s.store.GetSendStatus(statusID)
	if err != nil {
		return nil, err
	}
	if status.MessageID == "" && status.DraftID == "" {
		return nil, domain.ErrNoAssociatedDraft
	}

	var message *domain.Message
	if status.MessageID != "" {
		message, err = s.store.GetMessage(status.MessageID)
		if err != nil {
			return nil, err
		}
		// userID 为空表示未启用认证的部署或内部调用，跳过归属校验；
		// 启用认证的部署用 RequireAuth 挂载该路由即可强制校验
		if userID != "" {
			account, err := s.store.GetAccount(message.AccountID)
			if err != nil {
				return nil, err
			}
			if account.UserID != userID {
				return nil, domain.ErrUnauthorized
			}
		}
	}

	if !status.CanRetry() {
		// 附带当前状态返回，调用方可以报告已用掉的重试次数
		result := *status
		return &result, domain.ErrMaxRetriesExceeded
	}

	status.RetryCount++
	status.Status = domain.SendStateSending
	status.LastError = ""
	if err := s.store.SaveSendStatus(status); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SendRetries.Inc()
	}
	s.log.Info("send retry scheduled",
		zap.String("status_id", status.ID),
		zap.String("message_id", status.MessageID),
		zap.Int("retry_count", status.RetryCount),
	)

	go s.deliver(status.ID, message)

	result := *status
	return &result, nil
}

// deliver 执行一次异步投递并回写终态。
func (s *DeliveryService) deliver(statusID string, message *domain.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	var sendErr error
	switch {
	case s.sender == nil:
		sendErr = errors.New("no sender configured")
	case message == nil:
		sendErr = domain.ErrNoAssociatedDraft
	default:
		sendErr = s.sender.Send(ctx, message)
	}

	status, err := s.store.GetSendStatus(statusID)
	if err != nil {
		s.log.Error("failed to reload send status", zap.String("status_id", statusID), zap.Error(err))
		return
	}

	if sendErr != nil {
		status.Status = domain.SendStateFailed
		status.LastError = sendErr.Error()
		s.log.Warn("send retry failed",
			zap.String("status_id", statusID),
			zap.Int("retry_count", status.RetryCount),
			zap.Error(sendErr),
		)
		if s.metrics != nil {
			s.metrics.RecordError("send_failed", "delivery")
		}
	} else {
		status.Status = domain.SendStateSent
		status.LastError = ""
		s.log.Info("send retry succeeded", zap.String("status_id", statusID))
	}

	if err := s.store.SaveSendStatus(status); err != nil {
		s.log.Error("failed to persist send status", zap.String("status_id", statusID), zap.Error(err))
	}
}

// RecordOpen 记录一次打开信标命中。
// 追踪 ID 未知时返回 ErrMessageNotFound，调用方据此静默丢弃。
func (s *DeliveryService) RecordOpen(trackingID, ipAddress, userAgent string) error {
	message, err := s.store.GetMessageByTrackingID(trackingID)
	if err != nil {
		return err
	}

	now := time.Now()
	if err := s.store.IncrementOpenCount(message.ID, now); err != nil {
		return err
	}
	event := &domain.OpenEvent{
		ID:         uuid.NewString(),
		MessageID:  message.ID,
		OccurredAt: now,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	}
	if err := s.store.AppendOpenEvent(event); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.BeaconHits.Inc()
	}
	return nil
}

// OpenHistory 返回邮件的打开统计与事件列表。
type OpenHistory struct {
	OpenCount     int                `json:"openCount"`
	FirstOpenedAt *time.Time         `json:"firstOpenedAt,omitempty"`
	LastOpenedAt  *time.Time         `json:"lastOpenedAt,omitempty"`
	Events        []domain.OpenEvent `json:"events"`
}

// GetOpenHistory 查询邮件的打开追踪历史。
func (s *DeliveryService) GetOpenHistory(messageID string) (*OpenHistory, error) {
	message, err := s.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListOpenEvents(messageID)
	if err != nil {
		return nil, err
	}
	return &OpenHistory{
		OpenCount:     message.OpenCount,
		FirstOpenedAt: message.FirstOpenedAt,
		LastOpenedAt:  message.LastOpenedAt,
		Events:        events,
	}, nil
}
