package domain

import "errors"

// 同步与投递子系统的业务错误。
//
// 编排器内部不做重试：除 ErrCursorExpired 在同一次任务内
// 回退为全量同步外，其余错误都原样上抛给调度器，
// 由调度器统一负责退避与死信。
var (
	// ErrAccountNotFound 账户不存在
	ErrAccountNotFound = errors.New("account not found")
	// ErrCredentialsMissing 凭证缺失或无法解密
	ErrCredentialsMissing = errors.New("credentials missing")
	// ErrCursorExpired 提供商报告存储的游标已失效，需要全量同步
	ErrCursorExpired = errors.New("cursor expired")
	// ErrRemoteAPI 远程提供商调用失败（瞬时错误，由调度器退避重试）
	ErrRemoteAPI = errors.New("remote api error")
	// ErrMaxRetriesExceeded 重试次数已达上限（终态，用户可见）
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrUnauthorized 调用者不拥有目标资源（终态，不重试）
	ErrUnauthorized = errors.New("unauthorized")

	// ErrThreadNotFound 会话不存在
	ErrThreadNotFound = errors.New("thread not found")
	// ErrMessageNotFound 邮件不存在
	ErrMessageNotFound = errors.New("message not found")
	// ErrSendStatusNotFound 投递状态记录不存在
	ErrSendStatusNotFound = errors.New("send status not found")
	// ErrNoAssociatedDraft 投递状态没有关联的邮件或草稿，无法重发
	ErrNoAssociatedDraft = errors.New("no associated draft")
	// ErrJobNotFound 同步任务不存在
	ErrJobNotFound = errors.New("sync job not found")
)

// Retryable 判断错误是否值得调度器重试。
// 账户缺失、凭证缺失与越权都是确定性失败，重试不会改变结果。
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrCredentialsMissing),
		errors.Is(err, ErrUnauthorized):
		return false
	}
	return true
}
