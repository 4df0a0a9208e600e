// ============================================================================
// framecut Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露協調器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 窗口任務計數器 (Counter) - 累計值，只增不減：
//      - framecut_jobs_enqueued_total: 入隊窗口任務總數
//      - framecut_jobs_leased_total: 已租借窗口任務總數
//      - framecut_results_accepted_total: 接受的結果總數
//      - framecut_results_stale_total: 過期被拒的結果總數
//      - framecut_jobs_requeued_total: 租約逾時重排的任務總數
//      - framecut_jobs_dead_total: 重試耗盡的任務總數
//      - framecut_videos_finalized_total: 完成定稿的影片總數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - framecut_window_latency_seconds: 單窗口推理延遲分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - framecut_jobs_queued: 當前排隊中任務數
//      - framecut_jobs_inflight: 當前租借中任務數
//
// 監控告警參考:
//   - results_stale_total 增長率高 → 租約太短或後端太慢
//   - jobs_dead_total 突增 → 檢查後端輸出格式
//   - jobs_queued 持續增長 → Worker 數量不足
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//   格式: OpenMetrics / Prometheus 文本格式
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	jobsEnqueued    prometheus.Counter
	jobsLeased      prometheus.Counter
	resultsAccepted prometheus.Counter
	resultsStale    prometheus.Counter
	jobsRequeued    prometheus.Counter
	jobsDead        prometheus.Counter
	videosFinalized prometheus.Counter

	windowLatency prometheus.Histogram

	jobsQueued   prometheus.Gauge
	jobsInflight prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到指定 registry。
// 測試傳自己的 prometheus.NewRegistry()，避免重複註冊 panic。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_jobs_enqueued_total",
			Help: "Total number of window jobs enqueued",
		}),
		jobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_jobs_leased_total",
			Help: "Total number of window jobs leased to workers",
		}),
		resultsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_results_accepted_total",
			Help: "Total number of window results accepted",
		}),
		resultsStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_results_stale_total",
			Help: "Total number of window results rejected as stale",
		}),
		jobsRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_jobs_requeued_total",
			Help: "Total number of window jobs requeued after lease expiry",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_jobs_dead_total",
			Help: "Total number of window jobs that exhausted their attempts",
		}),
		videosFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "framecut_videos_finalized_total",
			Help: "Total number of videos finalized",
		}),
		windowLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "framecut_window_latency_seconds",
			Help:    "Per-window inference latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framecut_jobs_queued",
			Help: "Current number of queued window jobs",
		}),
		jobsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "framecut_jobs_inflight",
			Help: "Current number of leased window jobs",
		}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsLeased,
		c.resultsAccepted,
		c.resultsStale,
		c.jobsRequeued,
		c.jobsDead,
		c.videosFinalized,
		c.windowLatency,
		c.jobsQueued,
		c.jobsInflight,
	)
	return c
}

// RecordEnqueue 記錄窗口任務入隊
func (c *Collector) RecordEnqueue() {
	c.jobsEnqueued.Inc()
}

// RecordLease 記錄任務租借
func (c *Collector) RecordLease() {
	c.jobsLeased.Inc()
}

// RecordAccepted 記錄結果接受與該窗口的推理延遲
func (c *Collector) RecordAccepted(latencySeconds float64) {
	c.resultsAccepted.Inc()
	if latencySeconds > 0 {
		c.windowLatency.Observe(latencySeconds)
	}
}

// RecordStale 記錄過期結果被拒
func (c *Collector) RecordStale() {
	c.resultsStale.Inc()
}

// RecordRequeued 記錄租約逾時重排
func (c *Collector) RecordRequeued() {
	c.jobsRequeued.Inc()
}

// RecordDead 記錄任務重試耗盡
func (c *Collector) RecordDead() {
	c.jobsDead.Inc()
}

// RecordFinalized 記錄影片完成定稿
func (c *Collector) RecordFinalized() {
	c.videosFinalized.Inc()
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, inflight int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsInflight.Set(float64(inflight))
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
