package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "mailsync/backend/internal/auth/jwt"
	"mailsync/backend/internal/config"
	"mailsync/backend/internal/credentials"
	"mailsync/backend/internal/domain"
	"mailsync/backend/internal/health"
	"mailsync/backend/internal/logger"
	"mailsync/backend/internal/mailer"
	"mailsync/backend/internal/monitoring"
	"mailsync/backend/internal/notify"
	"mailsync/backend/internal/provider"
	"mailsync/backend/internal/scheduler"
	"mailsync/backend/internal/service"
	"mailsync/backend/internal/storage"
	"mailsync/backend/internal/storage/hybrid"
	"mailsync/backend/internal/storage/memory"
	sqlstore "mailsync/backend/internal/storage/sql"
	httptransport "mailsync/backend/internal/transport/http"
)

// devCredsSecret 仅用于未配置密钥的开发环境
const devCredsSecret = "dev-only-creds-secret-not-for-prod"

// main 启动同步编排、任务调度与通知推送的综合服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.LogFile,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting mailsync server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
	)

	store, err := initializeStorage(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer store.Close()

	metrics := monitoring.NewMetrics()
	healthChecker := health.NewHealthChecker(store, log)

	// 凭证加密盒
	credsSecret := cfg.Sync.CredsSecret
	if credsSecret == "" {
		if !cfg.Log.Development {
			panic("sync.creds_secret is required outside development mode")
		}
		log.Warn("sync.creds_secret not set, using development default")
		credsSecret = devCredsSecret
	}
	box, err := credentials.New(credsSecret)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize credentials box: %v", err))
	}

	factory, err := buildProviderFactory(cfg, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize provider: %v", err))
	}

	// 服务层
	accountService := service.NewAccountService(store, box)
	syncService := service.NewSyncService(store, factory, box, cfg.Sync, log, metrics)
	sender := mailer.NewSMTPSender(cfg.SMTP, log)
	deliveryService := service.NewDeliveryService(store, sender, log, metrics)

	// 通知中枢与 WebSocket
	hub := notify.NewHub(cfg.Notify, log, metrics)
	wsHandler := notify.NewWSHandler(hub, cfg.CORS.AllowedOrigins, log)

	// 任务调度器
	sched := scheduler.New(store, syncService, hub, cfg.Scheduler, log, metrics)

	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, 24*time.Hour)

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:          cfg,
		AccountService:  accountService,
		DeliveryService: deliveryService,
		Scheduler:       sched,
		Hub:             hub,
		WSHandler:       wsHandler,
		JWTManager:      jwtManager,
		Store:           store,
		HealthChecker:   healthChecker,
		Metrics:         metrics,
		Logger:          log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting notification hub")
		hub.Run(groupCtx)
		return nil
	})

	group.Go(func() error {
		log.Info("starting sync scheduler",
			zap.Int("workers", cfg.Scheduler.Workers),
		)
		if err := sched.Start(groupCtx); err != nil {
			log.Error("scheduler error", zap.Error(err))
			return err
		}
		return nil
	})

	// 已配置周期同步的账户在启动时恢复定时触发
	group.Go(func() error {
		scheduleRecurringSyncs(groupCtx, sched, store, log)
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		sched.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 按配置选择存储实现。
// 数据库与 Redis 都配置时走混合存储，只有数据库时走纯 SQL，
// 否则使用内存存储（开发环境）。
func initializeStorage(cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	if cfg.Redis.Address != "" {
		store, err := hybrid.NewStore(cfg.Database, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("initialize hybrid storage: %w", err)
		}
		log.Info("using hybrid storage",
			zap.String("database", cfg.Database.Type),
			zap.String("redis", cfg.Redis.Address),
		)
		return store, nil
	}

	store, err := sqlstore.NewStore(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("initialize sql storage: %w", err)
	}
	log.Info("using sql storage", zap.String("database", cfg.Database.Type))
	return store, nil
}

// buildProviderFactory 构建远程邮件提供商客户端工厂。
// 目前内置 fake 模式用于开发与联调，生产部署时在这里接入真实适配器。
func buildProviderFactory(cfg *config.Config, log *zap.Logger) (provider.Factory, error) {
	mode := cfg.Sync.ProviderMode
	if mode == "" {
		mode = "fake"
	}

	switch mode {
	case "fake":
		log.Warn("using fake mail provider, remote data is in-process only")
		fake := provider.NewFakeClient()
		return func(ctx context.Context, account *domain.Account, creds []byte) (provider.Client, error) {
			return fake, nil
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", mode)
	}
}

// scheduleRecurringSyncs 为配置了同步间隔的账户注册周期触发。
func scheduleRecurringSyncs(ctx context.Context, sched *scheduler.Scheduler, store storage.Store, log *zap.Logger) {
	accounts, err := store.ListAccounts()
	if err != nil {
		log.Error("failed to list accounts for recurring sync", zap.Error(err))
		return
	}
	for _, account := range accounts {
		if account.SyncIntervalSeconds <= 0 {
			continue
		}
		sched.ScheduleRecurring(ctx, account.ID, account.SyncInterval())
		log.Info("recurring sync scheduled",
			zap.String("account_id", account.ID),
			zap.Duration("interval", account.SyncInterval()),
		)
	}
}
