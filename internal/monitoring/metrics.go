package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 同步指标
	SyncRunsTotal    *prometheus.CounterVec
	SyncDuration     *prometheus.HistogramVec
	SyncMessages     prometheus.Counter
	SyncJobsQueued   prometheus.Gauge
	SyncJobsDead     prometheus.Counter
	SyncLockConflict prometheus.Counter

	// 通知指标
	EventsBroadcast    *prometheus.CounterVec
	SubscribersLive    prometheus.Gauge
	SubscribersEvicted prometheus.Counter

	// 投递与追踪指标
	SendRetries prometheus.Counter
	BeaconHits  prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SyncRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_sync_runs_total",
				Help: "Total number of sync runs by type and outcome",
			},
			[]string{"sync_type", "outcome"},
		),

		SyncDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailsync_sync_duration_seconds",
				Help:    "Sync run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"sync_type"},
		),

		SyncMessages: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_sync_messages_total",
				Help: "Total number of messages processed by sync",
			},
		),

		SyncJobsQueued: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsync_sync_jobs_queued",
				Help: "Number of sync jobs currently queued",
			},
		),

		SyncJobsDead: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_sync_jobs_dead_total",
				Help: "Total number of sync jobs moved to the dead letter state",
			},
		),

		SyncLockConflict: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_sync_lock_conflicts_total",
				Help: "Total number of sync attempts skipped due to a held account lock",
			},
		),

		EventsBroadcast: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_events_broadcast_total",
				Help: "Total number of notification events broadcast by type",
			},
			[]string{"event_type"},
		),

		SubscribersLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mailsync_subscribers_live",
				Help: "Number of live notification subscribers",
			},
		),

		SubscribersEvicted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_subscribers_evicted_total",
				Help: "Total number of subscribers evicted for slow consumption",
			},
		),

		SendRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_send_retries_total",
				Help: "Total number of send retries",
			},
		),

		BeaconHits: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "mailsync_beacon_hits_total",
				Help: "Total number of open beacon hits",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailsync_errors_total",
				Help: "Total number of errors by type and component",
			},
			[]string{"error_type", "component"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSyncRun 记录一次同步运行
func (m *Metrics) RecordSyncRun(syncType, outcome string, duration time.Duration, messages int) {
	m.SyncRunsTotal.WithLabelValues(syncType, outcome).Inc()
	m.SyncDuration.WithLabelValues(syncType).Observe(duration.Seconds())
	m.SyncMessages.Add(float64(messages))
}

// RecordEventBroadcast 记录一次事件广播
func (m *Metrics) RecordEventBroadcast(eventType string) {
	m.EventsBroadcast.WithLabelValues(eventType).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// HTTPHandler 返回 Prometheus 指标端点处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}
