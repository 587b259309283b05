package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	laneQueueSize   *prometheus.GaugeVec
	laneEnqueued    *prometheus.CounterVec
	laneMerged      *prometheus.CounterVec
	laneCompleted   *prometheus.CounterVec
	laneRunDuration *prometheus.HistogramVec

	activeSessions      prometheus.Gauge
	contextLoadDuration prometheus.Histogram
	contextSaveDuration prometheus.Histogram
	compactionTotal     prometheus.Counter
	compactionEvicted   prometheus.Counter

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	approvalsPending  prometheus.Gauge
	approvalsResolved *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_size",
					Help: "Buffered messages per lane.",
				},
				[]string{"lane"},
			),
			laneEnqueued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_enqueue_total",
					Help: "Total enqueue operations by lane and result (accepted/merged).",
				},
				[]string{"lane", "result"},
			),
			laneMerged: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_drain_total",
					Help: "Total drained messages by lane.",
				},
				[]string{"lane"},
			),
			laneCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_execution_total",
					Help: "Total lane executions by status.",
				},
				[]string{"lane", "status"},
			),
			laneRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lane_execution_duration_seconds",
					Help:    "Lane execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current active session count.",
				},
			),
			contextLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "context_load_duration_seconds",
					Help:    "Context log load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			contextSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "context_append_duration_seconds",
					Help:    "Context log append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			compactionTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "context_compaction_total",
					Help: "Total context compactions performed.",
				},
			),
			compactionEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "context_compaction_evicted_messages_total",
					Help: "Total messages evicted into summaries by compaction.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "engine_run_total",
					Help: "Total engine runs by trigger and status.",
				},
				[]string{"trigger", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "engine_run_duration_seconds",
					Help:    "Engine run duration in seconds by trigger.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"trigger"},
			),
			approvalsPending: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "approvals_pending",
					Help: "Approval requests currently pending.",
				},
			),
			approvalsResolved: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "approvals_resolved_total",
					Help: "Total resolved approval requests by outcome.",
				},
				[]string{"outcome"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.laneQueueSize,
			m.laneEnqueued,
			m.laneMerged,
			m.laneCompleted,
			m.laneRunDuration,
			m.activeSessions,
			m.contextLoadDuration,
			m.contextSaveDuration,
			m.compactionTotal,
			m.compactionEvicted,
			m.runTotal,
			m.runDuration,
			m.approvalsPending,
			m.approvalsResolved,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the prometheus scrape handler.
func Handler() http.Handler {
	getMetrics()
	return promhttp.Handler()
}

// RecordLaneEnqueue records an enqueue by result ("accepted" or "merged").
func RecordLaneEnqueue(lane, result string, queueSize int) {
	m := getMetrics()
	m.laneEnqueued.WithLabelValues(lane, result).Inc()
	m.laneQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordLaneDrain records messages drained from a lane buffer.
func RecordLaneDrain(lane string, drained int) {
	m := getMetrics()
	m.laneMerged.WithLabelValues(lane).Add(float64(drained))
	m.laneQueueSize.WithLabelValues(lane).Set(0)
}

// RecordLaneCompletion records a finished lane execution.
func RecordLaneCompletion(lane, status string, duration time.Duration) {
	m := getMetrics()
	m.laneCompleted.WithLabelValues(lane, status).Inc()
	m.laneRunDuration.WithLabelValues(lane).Observe(duration.Seconds())
}

// SetActiveSessions sets the active session gauge.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordContextLoad records a context log load.
func RecordContextLoad(duration time.Duration) {
	getMetrics().contextLoadDuration.Observe(duration.Seconds())
}

// RecordContextAppend records a context log append.
func RecordContextAppend(duration time.Duration) {
	getMetrics().contextSaveDuration.Observe(duration.Seconds())
}

// RecordCompaction records a compaction and how many messages it evicted.
func RecordCompaction(evicted int) {
	m := getMetrics()
	m.compactionTotal.Inc()
	m.compactionEvicted.Add(float64(evicted))
}

// RecordRun records a terminal engine run outcome.
func RecordRun(trigger, status string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(trigger, status).Inc()
	m.runDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// SetPendingApprovals sets the pending approvals gauge.
func SetPendingApprovals(n int) {
	getMetrics().approvalsPending.Set(float64(n))
}

// RecordApprovalResolved records a resolved approval by outcome.
func RecordApprovalResolved(outcome string) {
	getMetrics().approvalsResolved.WithLabelValues(outcome).Inc()
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}
