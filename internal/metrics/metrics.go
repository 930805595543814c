// ============================================================================
// SceneScape Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露背景任務調度器的運行指標
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - scenescape_jobs_submitted_total: 提交任務總數
//      - scenescape_jobs_started_total: 開始執行的任務總數
//      - scenescape_jobs_completed_total: 已完成任務總數
//      - scenescape_jobs_failed_total: 失敗任務總數
//      - scenescape_jobs_cancelled_total: 取消任務總數
//      - scenescape_jobs_pruned_total: 被保留策略清除的任務總數
//
//   2. 性能指標 (Histogram)：
//      - scenescape_job_duration_seconds: 任務從 running 到終止的時間分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - scenescape_jobs_queued: 當前佇列深度
//      - scenescape_jobs_in_flight: 當前執行中任務數
//
// Prometheus 查詢示例:
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, rate(scenescape_job_duration_seconds_bucket[5m]))
//
//   # 錯誤率
//   rate(scenescape_jobs_failed_total[5m]) / rate(scenescape_jobs_started_total[5m])
//
//   # 任務積壓
//   scenescape_jobs_queued + scenescape_jobs_in_flight
//
// HTTP 端點:
//   由 internal/api 在 /metrics 暴露（Handler()），不另開端口。
//
// 註冊表:
//   每個 Collector 註冊到呼叫者提供的 Registerer，測試可以使用獨立的
//   prometheus.NewRegistry()，不會污染全域預設註冊表。
//
// 所有記錄方法允許 nil 接收者，未啟用監控時呼叫者不需要判斷。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/scenescape/pkg/types"
)

const namespace = "scenescape"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted prometheus.Counter
	jobsStarted   prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter
	jobsPruned    prometheus.Counter

	// 效能指標
	jobDuration prometheus.Histogram

	// 狀態指標
	jobsQueued   prometheus.Gauge
	jobsInFlight prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用一個新的獨立 Registry。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Total number of jobs that began running",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_cancelled_total",
			Help:      "Total number of jobs cancelled",
		}),
		jobsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_pruned_total",
			Help:      "Total number of terminal jobs removed by retention",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from running to a terminal status in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_queued",
			Help:      "Current number of queued job descriptors",
		}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Current number of running jobs",
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsStarted,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.jobsPruned,
		c.jobDuration,
		c.jobsQueued,
		c.jobsInFlight,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordStarted 記錄任務開始執行
func (c *Collector) RecordStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
}

// RecordTerminal 記錄任務進入終止狀態
//
// ran 為 false 表示任務在 pending 時被取消，不計入執行時間分佈。
func (c *Collector) RecordTerminal(status types.JobStatus, duration time.Duration, ran bool) {
	if c == nil {
		return
	}
	switch status {
	case types.StatusCompleted:
		c.jobsCompleted.Inc()
	case types.StatusFailed:
		c.jobsFailed.Inc()
	case types.StatusCancelled:
		c.jobsCancelled.Inc()
	default:
		return
	}
	if ran {
		c.jobDuration.Observe(duration.Seconds())
	}
}

// RecordPruned 記錄被清除的任務數量
func (c *Collector) RecordPruned(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.jobsPruned.Add(float64(n))
}

// UpdateQueueStats 更新佇列狀態統計
func (c *Collector) UpdateQueueStats(queued, inFlight int) {
	if c == nil {
		return
	}
	c.jobsQueued.Set(float64(queued))
	c.jobsInFlight.Set(float64(inFlight))
}

// Handler 返回暴露本收集器所在註冊表的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
