package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec

	taskDuration  *prometheus.HistogramVec
	taskRounds    *prometheus.HistogramVec
	taskOutcomes  *prometheus.CounterVec
	runningTasks  prometheus.Gauge
	taskTimeouts  *prometheus.CounterVec

	workerCrashTotal   prometheus.Counter
	workerRespawnTotal prometheus.Counter
	crashStormTotal    prometheus.Counter
	idleWorkers        prometheus.Gauge

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolCacheHits         *prometheus.CounterVec

	budgetSpentUSD     prometheus.Gauge
	budgetRemainingUSD prometheus.Gauge

	eventTotal        *prometheus.CounterVec
	unknownEventTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current pending queue size by task type.",
				},
				[]string{"type"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by task type.",
				},
				[]string{"type"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue operations by task type.",
				},
				[]string{"type"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by type.",
					Buckets: prometheus.ExponentialBuckets(1, 2, 12),
				},
				[]string{"type"},
			),
			taskRounds: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_rounds",
					Help:    "Model/tool rounds per task by type.",
					Buckets: prometheus.ExponentialBuckets(1, 2, 9),
				},
				[]string{"type"},
			),
			taskOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_outcome_total",
					Help: "Terminal task outcomes by kind.",
				},
				[]string{"outcome"},
			),
			runningTasks: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "running_tasks",
					Help: "Tasks currently assigned to workers.",
				},
			),
			taskTimeouts: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "task_timeout_total",
					Help: "Soft and hard task timeouts by level.",
				},
				[]string{"level"},
			),
			workerCrashTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "worker_crash_total",
					Help: "Total worker process crashes observed.",
				},
			),
			workerRespawnTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "worker_respawn_total",
					Help: "Total worker respawns.",
				},
			),
			crashStormTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "crash_storm_total",
					Help: "Crash-storm fallbacks triggered.",
				},
			),
			idleWorkers: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "idle_workers",
					Help: "Workers currently without an assigned task.",
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Model backend calls by model and status.",
				},
				[]string{"model", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model backend call duration in seconds by model.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"model"},
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
			toolCacheHits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_cache_hit_total",
					Help: "Memoized tool results served from the per-task cache.",
				},
				[]string{"tool"},
			),
			budgetSpentUSD: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "budget_spent_usd",
					Help: "Accumulated model spend in USD.",
				},
			),
			budgetRemainingUSD: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "budget_remaining_usd",
					Help: "Remaining budget in USD.",
				},
			),
			eventTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "supervisor_event_total",
					Help: "Worker events dispatched by kind.",
				},
				[]string{"kind"},
			),
			unknownEventTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "supervisor_unknown_event_total",
					Help: "Worker events dropped because their tag was unrecognized.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.taskRounds,
			m.taskOutcomes,
			m.runningTasks,
			m.taskTimeouts,
			m.workerCrashTotal,
			m.workerRespawnTotal,
			m.crashStormTotal,
			m.idleWorkers,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolCacheHits,
			m.budgetSpentUSD,
			m.budgetRemainingUSD,
			m.eventTotal,
			m.unknownEventTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue(taskType string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(taskType).Inc()
	m.queueSize.WithLabelValues(taskType).Set(float64(queueSize))
}

func RecordDequeue(taskType string, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(taskType).Inc()
	m.queueSize.WithLabelValues(taskType).Set(float64(queueSize))
}

func RecordTaskDone(taskType string, duration time.Duration, rounds int, outcome string) {
	m := getMetrics()
	m.taskDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	m.taskRounds.WithLabelValues(taskType).Observe(float64(rounds))
	m.taskOutcomes.WithLabelValues(outcome).Inc()
}

func SetRunningTasks(count int) {
	getMetrics().runningTasks.Set(float64(count))
}

func RecordTaskTimeout(level string) {
	getMetrics().taskTimeouts.WithLabelValues(level).Inc()
}

func RecordWorkerCrash() {
	getMetrics().workerCrashTotal.Inc()
}

func RecordWorkerRespawn() {
	getMetrics().workerRespawnTotal.Inc()
}

func RecordCrashStorm() {
	getMetrics().crashStormTotal.Inc()
}

func SetIdleWorkers(count int) {
	getMetrics().idleWorkers.Set(float64(count))
}

func RecordModelCall(model string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(model, status).Inc()
	m.modelCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolCacheHit(tool string) {
	getMetrics().toolCacheHits.WithLabelValues(tool).Inc()
}

func SetBudget(spentUSD, remainingUSD float64) {
	m := getMetrics()
	m.budgetSpentUSD.Set(spentUSD)
	m.budgetRemainingUSD.Set(remainingUSD)
}

func RecordEvent(kind string) {
	getMetrics().eventTotal.WithLabelValues(kind).Inc()
}

func RecordUnknownEvent() {
	getMetrics().unknownEventTotal.Inc()
}
