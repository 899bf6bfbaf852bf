// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー・ロール解決・バックエンドクライアント・ワーカーから利用する。
type MetricsCollector interface {
	RecordAuthAttempt(op string, success bool)
	RecordRoleResolution(outcome string)
	RecordSessionEvent(event string)
	RecordBackendRequest(op string, status int, duration time.Duration)
	RecordSessionsCleaned(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts    *prometheus.CounterVec
	roleResolutions *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	backendLatency  *prometheus.HistogramVec
	sessionsCleaned prometheus.Counter
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_auth_attempts_total",
			Help: "認証操作（signup/signin/signout）の試行数",
		}, []string{"op", "result"}),
		roleResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_role_resolutions_total",
			Help: "ロール解決の結果別件数",
		}, []string{"outcome"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "estate_session_events_total",
			Help: "セッション変更イベントの種類別件数",
		}, []string{"event"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "estate_backend_request_duration_seconds",
			Help:    "認証バックエンドへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "status"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "estate_sessions_cleaned_total",
			Help: "削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.roleResolutions,
		c.sessionEvents,
		c.backendLatency,
		c.sessionsCleaned,
	)

	return c
}

// RecordAuthAttempt は認証操作の試行を記録する。
func (c *Collector) RecordAuthAttempt(op string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttempts.WithLabelValues(op, result).Inc()
}

// RecordRoleResolution はロール解決の結果を記録する。role.Observerを実装する。
func (c *Collector) RecordRoleResolution(outcome string) {
	c.roleResolutions.WithLabelValues(outcome).Inc()
}

// RecordSessionEvent はセッション変更イベントを記録する。
func (c *Collector) RecordSessionEvent(event string) {
	c.sessionEvents.WithLabelValues(event).Inc()
}

// RecordBackendRequest はバックエンドへのリクエストを記録する。
// statusが0の場合は通信エラーとして"error"ラベルで記録する。
func (c *Collector) RecordBackendRequest(op string, status int, duration time.Duration) {
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.backendLatency.WithLabelValues(op, label).Observe(duration.Seconds())
}

// RecordSessionsCleaned は削除したセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
