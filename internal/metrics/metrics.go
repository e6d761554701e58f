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
// 認証サービス、テーブル操作、ワーカーから利用する。
type MetricsCollector interface {
	RecordSignIn(result string)
	RecordSignUp()
	RecordProfileWriteFailure()
	RecordSessionsRevoked(count int)
	RecordPolicyDenial(table, op string)
	RecordTableOperation(table, op string, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordCountersRecomputed(count int64)
}

// サインイン結果ラベル
const (
	SignInSuccess            = "success"
	SignInInvalidCredentials = "invalid_credentials"
	SignInError              = "error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signIn             *prometheus.CounterVec
	signUp             prometheus.Counter
	profileWriteFail   prometheus.Counter
	sessionsRevoked    prometheus.Counter
	policyDenials      *prometheus.CounterVec
	tableOps           *prometheus.HistogramVec
	importHTTPStatus   *prometheus.CounterVec
	countersRecomputed prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "japinait_sign_in_total",
			Help: "パスワードサインインの試行数（結果別）",
		}, []string{"result"}),
		signUp: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "japinait_sign_up_total",
			Help: "サインアップ成功の合計数",
		}),
		profileWriteFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "japinait_profile_write_failures_total",
			Help: "サインアップ時のプロフィール書き込み失敗数",
		}),
		sessionsRevoked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "japinait_sessions_revoked_total",
			Help: "パスワード変更などで失効したセッション数",
		}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "japinait_policy_denials_total",
			Help: "行レベルポリシーで拒否された操作数",
		}, []string{"table", "op"}),
		tableOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "japinait_table_operation_seconds",
			Help:    "汎用テーブル操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"table", "op"}),
		importHTTPStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "japinait_photo_import_http_status_total",
			Help: "写真インポート時のリモートHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		countersRecomputed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "japinait_venue_counters_recomputed_total",
			Help: "集計カラムを再計算した会場数",
		}),
	}

	reg.MustRegister(
		c.signIn,
		c.signUp,
		c.profileWriteFail,
		c.sessionsRevoked,
		c.policyDenials,
		c.tableOps,
		c.importHTTPStatus,
		c.countersRecomputed,
	)

	return c
}

// RecordSignIn はサインイン試行を結果別に記録する。
func (c *Collector) RecordSignIn(result string) {
	c.signIn.WithLabelValues(result).Inc()
}

// RecordSignUp はサインアップ成功を記録する。
func (c *Collector) RecordSignUp() {
	c.signUp.Inc()
}

// RecordProfileWriteFailure はプロフィール書き込み失敗を記録する。
func (c *Collector) RecordProfileWriteFailure() {
	c.profileWriteFail.Inc()
}

// RecordSessionsRevoked は失効したセッション数を記録する。
func (c *Collector) RecordSessionsRevoked(count int) {
	c.sessionsRevoked.Add(float64(count))
}

// RecordPolicyDenial はポリシー拒否を記録する。
func (c *Collector) RecordPolicyDenial(table, op string) {
	c.policyDenials.WithLabelValues(table, op).Inc()
}

// RecordTableOperation はテーブル操作のレイテンシを記録する。
func (c *Collector) RecordTableOperation(table, op string, duration time.Duration) {
	c.tableOps.WithLabelValues(table, op).Observe(duration.Seconds())
}

// RecordHTTPStatus は写真インポート時のHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.importHTTPStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCountersRecomputed は集計を更新した会場数を記録する。
func (c *Collector) RecordCountersRecomputed(count int64) {
	c.countersRecomputed.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
