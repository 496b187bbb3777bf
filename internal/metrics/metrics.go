// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "canvassync"

// Collector はCanvasクライアント・同期処理・スケジューラのメトリクスを収集する。
type Collector struct {
	canvasRequests   *prometheus.CounterVec
	canvasLatency    prometheus.Histogram
	cacheLookups     *prometheus.CounterVec
	quotaRemaining   prometheus.Gauge
	quotaWaitSeconds prometheus.Counter
	breakerState     *prometheus.GaugeVec

	syncJobs     *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncItems    *prometheus.CounterVec
	syncRejected *prometheus.CounterVec

	schedulerCycles   *prometheus.CounterVec
	schedulerInFlight prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		canvasRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canvas_requests_total",
			Help:      "Canvas APIリクエスト数（結果別）",
		}, []string{"outcome"}),
		canvasLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "canvas_request_duration_seconds",
			Help:      "Canvas APIリクエストのレイテンシ（秒）",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "レスポンスキャッシュの参照数",
		}, []string{"result"}),
		quotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "canvas_quota_remaining",
			Help:      "直近に観測したCanvas APIの残りクォータ",
		}),
		quotaWaitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "canvas_quota_wait_seconds_total",
			Help:      "クォータ枯渇による待機時間の合計（秒）",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "canvas_breaker_state",
			Help:      "サーキットブレーカーの状態（現在の状態のみ1）",
		}, []string{"state"}),
		syncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "終了した同期ジョブ数",
		}, []string{"kind", "status"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_job_duration_seconds",
			Help:      "同期ジョブの実行時間（秒）",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "同期した要素数（結果別）",
		}, []string{"kind", "result"}),
		syncRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rejected_total",
			Help:      "実行中のため拒否した同期要求数",
		}, []string{"kind"}),
		schedulerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_principals_total",
			Help:      "スケジューラが扱ったプリンシパル数（結果別）",
		}, []string{"result"}),
		schedulerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_in_flight",
			Help:      "スケジューラが起動して実行中の同期数",
		}),
	}

	reg.MustRegister(
		c.canvasRequests,
		c.canvasLatency,
		c.cacheLookups,
		c.quotaRemaining,
		c.quotaWaitSeconds,
		c.breakerState,
		c.syncJobs,
		c.syncDuration,
		c.syncItems,
		c.syncRejected,
		c.schedulerCycles,
		c.schedulerInFlight,
	)

	return c
}

// RecordCanvasRequest はCanvas APIリクエストの結果とレイテンシを記録する。
func (c *Collector) RecordCanvasRequest(outcome string, d time.Duration) {
	c.canvasRequests.WithLabelValues(outcome).Inc()
	c.canvasLatency.Observe(d.Seconds())
}

// RecordCacheLookup はキャッシュ参照の結果を記録する。
func (c *Collector) RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// RecordQuotaRemaining は観測した残りクォータを記録する。
func (c *Collector) RecordQuotaRemaining(remaining int) {
	c.quotaRemaining.Set(float64(remaining))
}

// RecordQuotaWait はクォータ待機時間を記録する。
func (c *Collector) RecordQuotaWait(d time.Duration) {
	c.quotaWaitSeconds.Add(d.Seconds())
}

// RecordBreakerState はサーキットブレーカーの状態を記録する。
func (c *Collector) RecordBreakerState(state string) {
	for _, s := range []string{"closed", "half-open", "open"} {
		v := 0.0
		if s == state {
			v = 1
		}
		c.breakerState.WithLabelValues(s).Set(v)
	}
}

// RecordSyncJob は終了した同期ジョブを記録する。
func (c *Collector) RecordSyncJob(kind, status string, d time.Duration) {
	c.syncJobs.WithLabelValues(kind, status).Inc()
	c.syncDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordItemsSynced は1フェーズで処理した要素数を記録する。
func (c *Collector) RecordItemsSynced(kind string, processed, failed int) {
	c.syncItems.WithLabelValues(kind, "ok").Add(float64(processed))
	c.syncItems.WithLabelValues(kind, "failed").Add(float64(failed))
}

// RecordSyncRejected は実行中のため拒否した同期要求を記録する。
func (c *Collector) RecordSyncRejected(kind string) {
	c.syncRejected.WithLabelValues(kind).Inc()
}

// RecordSchedulerCycle はスケジューラの1サイクルの結果を記録する。
func (c *Collector) RecordSchedulerCycle(dispatched, skipped, dropped int) {
	c.schedulerCycles.WithLabelValues("dispatched").Add(float64(dispatched))
	c.schedulerCycles.WithLabelValues("skipped").Add(float64(skipped))
	c.schedulerCycles.WithLabelValues("dropped").Add(float64(dropped))
}

// SetSchedulerInFlight はスケジューラ経由の実行中同期数を記録する。
func (c *Collector) SetSchedulerInFlight(n int) {
	c.schedulerInFlight.Set(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
