package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/service"
)

// 错误消息映射表（业务错误 -> 中文消息）
var errorMessages = map[error]string{
	domain.ErrAccountNotFound:    "账户不存在",
	domain.ErrCredentialsMissing: "账户凭证缺失",
	domain.ErrThreadNotFound:     "会话不存在",
	domain.ErrMessageNotFound:    "邮件不存在",
	domain.ErrSendStatusNotFound: "投递状态不存在",
	domain.ErrNoAssociatedDraft:  "没有关联的草稿，无法重发",
	domain.ErrMaxRetriesExceeded: "重试次数已达上限",
	domain.ErrUnauthorized:       "无权访问该资源",
	domain.ErrJobNotFound:        "同步任务不存在",

	service.ErrAddressInvalid:  "邮箱地址格式无效",
	service.ErrProviderInvalid: "提供商无效",
}

// GetErrorMessage 获取错误的中文消息
func GetErrorMessage(err error) string {
	for sentinel, msg := range errorMessages {
		if errors.Is(err, sentinel) {
			return msg
		}
	}
	return err.Error()
}

// respondError 把业务错误映射到 /v1 接口的统一响应
func respondError(c *gin.Context, err error) {
	msg := GetErrorMessage(err)
	switch {
	case errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrThreadNotFound),
		errors.Is(err, domain.ErrMessageNotFound),
		errors.Is(err, domain.ErrSendStatusNotFound),
		errors.Is(err, domain.ErrJobNotFound):
		NotFound(c, msg)
	case errors.Is(err, domain.ErrUnauthorized):
		Forbidden(c, msg)
	case errors.Is(err, domain.ErrMaxRetriesExceeded),
		errors.Is(err, domain.ErrNoAssociatedDraft),
		errors.Is(err, service.ErrAddressInvalid),
		errors.Is(err, service.ErrProviderInvalid):
		BadRequest(c, msg)
	default:
		InternalError(c, MsgInternalError)
	}
}

// 通用错误消息
const (
	MsgInvalidRequest = "请求参数格式错误"
	MsgInternalError  = "服务器内部错误，请稍后重试"
)
