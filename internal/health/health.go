package health

import (
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailsync/backend/internal/storage"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	health healthcheck.Handler
	store  storage.Store
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger,
	}
	hc.addChecks()
	return hc
}

// addChecks 注册存活与就绪检查
func (hc *HealthChecker) addChecks() {
	// 存储连通性（数据库与 Redis 任一不可用即不健康）
	hc.health.AddReadinessCheck("storage", func() error {
		return hc.store.Health()
	})

	// 协程泄漏保护
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(2000))
}

// Handler 返回健康检查处理器
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// Snapshot 返回一份人类可读的健康快照
func (hc *HealthChecker) Snapshot() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["storage"] = "ERROR: " + err.Error()
	} else {
		results["storage"] = "OK"
	}
	results["goroutines"] = strconv.Itoa(runtime.NumGoroutine())
	results["timestamp"] = time.Now().Format(time.RFC3339)

	return results
}
