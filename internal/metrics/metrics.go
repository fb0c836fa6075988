// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 操作結果のラベル値
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッション管理、設定の同期、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordSessionTransition(from, to string)
	RecordAuthOperation(op string, err error)
	RecordPreferenceOperation(op string, elapsed time.Duration, err error)
	RecordHTTPStatus(statusCode int)
	SetActiveSessions(n int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	sessionTransitions *prometheus.CounterVec
	authOperations     *prometheus.CounterVec
	prefOperations     *prometheus.CounterVec
	prefLatency        *prometheus.HistogramVec
	httpStatus         *prometheus.CounterVec
	activeSessions     prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsmeetup_session_transitions_total",
			Help: "セッション状態の遷移数",
		}, []string{"from", "to"}),
		authOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsmeetup_auth_operations_total",
			Help: "認証操作の実行数",
		}, []string{"op", "result"}),
		prefOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsmeetup_preference_operations_total",
			Help: "設定の読み込み・保存の実行数",
		}, []string{"op", "result"}),
		prefLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "letsmeetup_preference_operation_seconds",
			Help:    "設定の読み込み・保存のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "letsmeetup_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "letsmeetup_active_sessions",
			Help: "保持しているブラウザセッション数",
		}),
	}

	reg.MustRegister(
		c.sessionTransitions,
		c.authOperations,
		c.prefOperations,
		c.prefLatency,
		c.httpStatus,
		c.activeSessions,
	)

	return c
}

// RecordSessionTransition はセッション状態の遷移を記録する。
func (c *Collector) RecordSessionTransition(from, to string) {
	c.sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordAuthOperation は認証操作の結果を記録する。
func (c *Collector) RecordAuthOperation(op string, err error) {
	c.authOperations.WithLabelValues(op, result(err)).Inc()
}

// RecordPreferenceOperation は設定操作の結果とレイテンシを記録する。
func (c *Collector) RecordPreferenceOperation(op string, elapsed time.Duration, err error) {
	c.prefOperations.WithLabelValues(op, result(err)).Inc()
	c.prefLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// SetActiveSessions は保持しているセッション数を設定する。
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
