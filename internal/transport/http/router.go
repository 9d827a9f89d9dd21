package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	jwtpkg "mailsync/backend/internal/auth/jwt"
	"mailsync/backend/internal/config"
	"mailsync/backend/internal/health"
	"mailsync/backend/internal/middleware"
	"mailsync/backend/internal/monitoring"
	"mailsync/backend/internal/notify"
	"mailsync/backend/internal/scheduler"
	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	AccountService  *service.AccountService
	DeliveryService *service.DeliveryService
	Scheduler       *scheduler.Scheduler
	Hub             *notify.Hub
	WSHandler       *notify.WSHandler
	JWTManager      *jwtpkg.Manager
	Store           storage.Store
	HealthChecker   *health.HealthChecker
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RecoveryHandler(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(1 * 1024 * 1024))
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	syncHandler := NewSyncHandler(deps.Scheduler, deps.Store, deps.Logger)
	eventsHandler := NewEventsHandler(deps.Hub, deps.Logger)
	trackingHandler := NewTrackingHandler(deps.DeliveryService, deps.Logger)
	accountsHandler := NewAccountsHandler(deps.AccountService, deps.Store, deps.Logger)

	jwtAuth := middleware.NewJWTAuth(deps.JWTManager, deps.Logger)

	// 核心端点：同步触发、事件流、发送追踪、打开像素
	router.POST("/sync", syncHandler.TriggerSync)
	router.GET("/events/:accountId", eventsHandler.Stream)
	router.GET("/send-status/:messageId", trackingHandler.SendStatus)
	router.POST("/retry-send/:statusId", jwtAuth.OptionalAuth(), trackingHandler.RetrySend)
	router.GET("/track/:trackingId/open.gif", trackingHandler.OpenBeacon)

	// 健康检查与指标
	if deps.HealthChecker != nil {
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, deps.HealthChecker.Snapshot())
		})
		router.GET("/health/live", gin.WrapF(deps.HealthChecker.LiveEndpoint))
		router.GET("/health/ready", gin.WrapF(deps.HealthChecker.ReadyEndpoint))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	// V1 API
	v1 := router.Group("/v1")
	{
		accountRoutes := v1.Group("/accounts")
		accountRoutes.Use(jwtAuth.OptionalAuth())
		{
			accountRoutes.POST("", accountsHandler.Connect)
			accountRoutes.GET("", accountsHandler.List)
			accountRoutes.GET("/:id", accountsHandler.Get)
			accountRoutes.DELETE("/:id", accountsHandler.Delete)
			accountRoutes.GET("/:id/overview", accountsHandler.Overview)
			accountRoutes.GET("/:id/threads", accountsHandler.ListThreads)
			accountRoutes.GET("/:id/jobs", syncHandler.ListJobs)
		}

		v1.GET("/threads/:threadId/messages", accountsHandler.ListMessages)
		v1.GET("/sync-jobs/:jobId", syncHandler.GetJob)
		v1.GET("/messages/:messageId/opens", trackingHandler.OpenHistory)

		if deps.WSHandler != nil {
			v1.GET("/ws/:accountId", deps.WSHandler.Handle)
		}
	}

	return router
}
