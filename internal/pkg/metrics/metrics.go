package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// イベント変更操作の総数（operation: create/update/delete, result: success/validation/not_found/auth/error）
	EventMutationsTotal *prometheus.CounterVec

	// リモートストア呼び出しの時間（operation: fetch/insert/update/delete）
	StoreCallDuration *prometheus.HistogramVec

	// 変更フィード通知の処理数（type: INSERT/UPDATE/DELETE, result: applied/ignored/discarded/stale）
	FeedChangesTotal *prometheus.CounterVec

	// 確認通知の送信数（result: sent/skipped/failed）
	NotificationsTotal *prometheus.CounterVec

	// アクティブな同期セッション数
	ActiveSessions prometheus.Gauge
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		EventMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_mutations_total",
				Help: "Total number of event mutation attempts",
			},
			[]string{"operation", "result"},
		),
		StoreCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "event_store_call_duration_seconds",
				Help:    "Time spent on remote event store calls",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		FeedChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_feed_changes_total",
				Help: "Total number of change-feed notifications processed",
			},
			[]string{"type", "result"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "event_notifications_total",
				Help: "Total number of confirmation notifications",
			},
			[]string{"result"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "event_sync_active_sessions",
				Help: "Current number of active event sync sessions",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventMutationsTotal,
		m.StoreCallDuration,
		m.FeedChangesTotal,
		m.NotificationsTotal,
		m.ActiveSessions,
	)

	return m
}

// ObserveMutation は変更操作の結果を記録する。nil レシーバでは何もしない
func (m *Metrics) ObserveMutation(operation, result string) {
	if m == nil {
		return
	}
	m.EventMutationsTotal.WithLabelValues(operation, result).Inc()
}

// ObserveStoreCall はストア呼び出し時間を記録する
func (m *Metrics) ObserveStoreCall(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.StoreCallDuration.WithLabelValues(operation).Observe(seconds)
}

// ObserveFeedChange は変更フィード通知の処理結果を記録する
func (m *Metrics) ObserveFeedChange(changeType, result string) {
	if m == nil {
		return
	}
	m.FeedChangesTotal.WithLabelValues(changeType, result).Inc()
}

// ObserveNotification は確認通知の結果を記録する
func (m *Metrics) ObserveNotification(result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions はアクティブセッション数を設定する
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
