package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage"
)

// AccountsHandler 账户与会话浏览
type AccountsHandler struct {
	accounts *service.AccountService
	store    storage.Store
	log      *zap.Logger
}

// NewAccountsHandler 创建账户处理器
func NewAccountsHandler(accounts *service.AccountService, store storage.Store, log *zap.Logger) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, store: store, log: log}
}

// connectAccountRequest 接入账户的请求体
type connectAccountRequest struct {
	Address             string `json:"address" binding:"required"`
	Provider            string `json:"provider" binding:"required"`
	Credentials         string `json:"credentials"`
	SyncIntervalSeconds int    `json:"syncIntervalSeconds"`
}

// Connect 接入一个邮件账户，凭证加密落库。
func (h *AccountsHandler) Connect(c *gin.Context) {
	var req connectAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgInvalidRequest)
		return
	}

	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	account, err := h.accounts.Connect(service.ConnectAccountInput{
		UserID:              uid,
		Address:             req.Address,
		Provider:            req.Provider,
		Credentials:         []byte(req.Credentials),
		SyncIntervalSeconds: req.SyncIntervalSeconds,
	})
	if err != nil {
		if errors.Is(err, service.ErrAddressInvalid) || errors.Is(err, service.ErrProviderInvalid) {
			BadRequest(c, GetErrorMessage(err))
			return
		}
		respondError(c, err)
		return
	}
	Created(c, account)
}

// List 列出当前用户的账户。
func (h *AccountsHandler) List(c *gin.Context) {
	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	accounts, err := h.accounts.List(uid)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, accounts)
}

// Get 查询单个账户。
func (h *AccountsHandler) Get(c *gin.Context) {
	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	account, err := h.accounts.Get(c.Param("id"), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, account)
}

// Delete 删除账户。
func (h *AccountsHandler) Delete(c *gin.Context) {
	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	if err := h.accounts.Delete(c.Param("id"), uid); err != nil {
		respondError(c, err)
		return
	}
	Success(c, nil)
}

// Overview 账户概览统计。
func (h *AccountsHandler) Overview(c *gin.Context) {
	userID, _ := c.Get("userID")
	uid, _ := userID.(string)

	overview, err := h.accounts.Overview(c.Param("id"), uid)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, overview)
}

// ListThreads 列出账户下的会话。
func (h *AccountsHandler) ListThreads(c *gin.Context) {
	threads, err := h.store.ListThreads(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, threads)
}

// ListMessages 列出会话下的消息，已删除的消息不在结果中。
func (h *AccountsHandler) ListMessages(c *gin.Context) {
	messages, err := h.store.ListMessages(c.Param("threadId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, messages)
}
