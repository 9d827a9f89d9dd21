package httptransport

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/scheduler"
	"mailsync/backend/internal/storage"
)

// SyncHandler 同步触发与任务查询
type SyncHandler struct {
	scheduler *scheduler.Scheduler
	store     storage.Store
	log       *zap.Logger
}

// NewSyncHandler 创建同步处理器
func NewSyncHandler(s *scheduler.Scheduler, store storage.Store, log *zap.Logger) *SyncHandler {
	return &SyncHandler{scheduler: s, store: store, log: log}
}

// triggerSyncRequest 触发同步的请求体
type triggerSyncRequest struct {
	AccountID     string `json:"accountId"`
	ForceFullSync bool   `json:"forceFullSync"`
}

// TriggerSync 入队一次同步请求，任务落库后立即返回 202。
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	var req triggerSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "accountId is required",
		})
		return
	}

	if _, err := h.store.GetAccount(req.AccountID); err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"message": "account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "failed to load account",
		})
		return
	}

	syncType := domain.SyncTypeIncremental
	if req.ForceFullSync {
		syncType = domain.SyncTypeFull
	}

	job, err := h.scheduler.Enqueue(req.AccountID, syncType)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"success": false,
				"message": "sync queue is full, try again later",
			})
			return
		}
		h.log.Error("failed to enqueue sync job",
			zap.String("account_id", req.AccountID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "failed to enqueue sync",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "sync scheduled",
		"jobId":   job.ID,
	})
}

// ListJobs 查询账户最近的同步任务（/v1 辅助接口）。
func (h *SyncHandler) ListJobs(c *gin.Context) {
	accountID := c.Param("id")
	jobs, err := h.store.ListSyncJobsByAccount(accountID, 20)
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, jobs)
}

// GetJob 查询单个同步任务（/v1 辅助接口）。
func (h *SyncHandler) GetJob(c *gin.Context) {
	job, err := h.store.GetSyncJob(c.Param("jobId"))
	if err != nil {
		respondError(c, err)
		return
	}
	Success(c, job)
}
