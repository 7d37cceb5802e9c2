// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// publishパイプライン・認可セッション・インポーターの各計装
// インターフェースをまとめて満たす。
type Collector struct {
	publishSuccess   prometheus.Counter
	publishDuplicate prometheus.Counter
	publishFail      *prometheus.CounterVec
	publishLatency   prometheus.Histogram
	webhookRejected  prometheus.Counter
	refreshOutcome   *prometheus.CounterVec
	importSynced     prometheus.Counter
	importSkipped    prometheus.Counter
	importPageFail   prometheus.Counter
	importDuration   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publishSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_publish_success_total",
			Help: "外部プロトコルへの記事公開成功の合計数",
		}),
		publishDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_publish_duplicate_total",
			Help: "公開済みのためスキップされたトリガーの合計数",
		}),
		publishFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicbridge_publish_fail_total",
			Help: "記事公開失敗の原因別合計数",
		}, []string{"reason"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicbridge_publish_latency_seconds",
			Help:    "公開パイプラインのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		webhookRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_webhook_rejected_total",
			Help: "署名検証で拒否されたWebhookの合計数",
		}),
		refreshOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "civicbridge_token_refresh_total",
			Help: "トークンリフレッシュの結果別合計数",
		}, []string{"outcome"}),
		importSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_import_synced_total",
			Help: "取り込まれたイベントの合計数",
		}),
		importSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_import_skipped_total",
			Help: "過去開催等の理由でスキップされたイベントの合計数",
		}),
		importPageFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "civicbridge_import_page_fail_total",
			Help: "取得に失敗したイベントAPIページの合計数",
		}),
		importDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "civicbridge_import_duration_seconds",
			Help:    "インポートパス1回の所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(
		c.publishSuccess,
		c.publishDuplicate,
		c.publishFail,
		c.publishLatency,
		c.webhookRejected,
		c.refreshOutcome,
		c.importSynced,
		c.importSkipped,
		c.importPageFail,
		c.importDuration,
	)

	return c
}

// RecordPublishSuccess は記事公開の成功を記録する。
func (c *Collector) RecordPublishSuccess() {
	c.publishSuccess.Inc()
}

// RecordPublishDuplicate は公開済みトリガーのスキップを記録する。
func (c *Collector) RecordPublishDuplicate() {
	c.publishDuplicate.Inc()
}

// RecordPublishFailure は記事公開の失敗を原因別に記録する。
func (c *Collector) RecordPublishFailure(reason string) {
	c.publishFail.WithLabelValues(reason).Inc()
}

// RecordPublishLatency は公開パイプラインのレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// RecordWebhookRejected は署名検証によるWebhook拒否を記録する。
func (c *Collector) RecordWebhookRejected() {
	c.webhookRejected.Inc()
}

// RecordRefreshOutcome はトークンリフレッシュの結果を記録する。
// outcomeは success / invalid_grant / retryable のいずれか。
func (c *Collector) RecordRefreshOutcome(outcome string) {
	c.refreshOutcome.WithLabelValues(outcome).Inc()
}

// RecordImportSynced は取り込まれたイベント数を記録する。
func (c *Collector) RecordImportSynced(count int) {
	c.importSynced.Add(float64(count))
}

// RecordImportSkipped はスキップされたイベント数を記録する。
func (c *Collector) RecordImportSkipped(count int) {
	c.importSkipped.Add(float64(count))
}

// RecordImportPageFailure はページ取得の失敗を記録する。
func (c *Collector) RecordImportPageFailure() {
	c.importPageFail.Inc()
}

// RecordImportDuration はインポートパスの所要時間を記録する。
func (c *Collector) RecordImportDuration(duration time.Duration) {
	c.importDuration.Observe(duration.Seconds())
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
