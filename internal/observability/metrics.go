package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	runTotal        *prometheus.CounterVec
	runDuration     prometheus.Histogram
	iterationsTotal *prometheus.CounterVec
	protocolErrors  prometheus.Counter

	providerAttempts *prometheus.CounterVec
	providerLatency  *prometheus.HistogramVec
	keysDisabled     *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	commandTotal    *prometheus.CounterVec
	commandDuration prometheus.Histogram

	storeOpDuration *prometheus.HistogramVec
	storePurged     prometheus.Counter
	eventsDropped   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{Namespace: namespace, Name: "queue_size", Help: "Current queue size by lane."},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "enqueue_total", Help: "Total enqueue operations by lane."},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "dequeue_total", Help: "Total completed queue tasks by lane and status."},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "task_duration_seconds", Help: "Queue task duration in seconds by lane.", Buckets: prometheus.DefBuckets},
				[]string{"lane"},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "agent_run_total", Help: "Agent runs by outcome."},
				[]string{"outcome"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{Namespace: namespace, Name: "agent_run_duration_seconds", Help: "Agent run duration in seconds.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 12)},
			),
			iterationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "agent_iterations_total", Help: "Driver iterations by response kind."},
				[]string{"kind"},
			),
			protocolErrors: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "agent_protocol_errors_total", Help: "Unparseable or ambiguous model responses."},
			),
			providerAttempts: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "provider_attempts_total", Help: "Completion attempts by provider and result kind."},
				[]string{"provider", "result"},
			),
			providerLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "provider_latency_seconds", Help: "Completion latency by provider.", Buckets: prometheus.DefBuckets},
				[]string{"provider"},
			),
			keysDisabled: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "provider_keys_disabled_total", Help: "Provider keys disabled by reason."},
				[]string{"provider", "reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "tool_execution_total", Help: "Tool executions by tool and status."},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "tool_execution_duration_seconds", Help: "Tool execution duration in seconds by tool.", Buckets: prometheus.DefBuckets},
				[]string{"tool"},
			),
			commandTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{Namespace: namespace, Name: "command_execution_total", Help: "Shell commands by mode and outcome."},
				[]string{"mode", "outcome"},
			),
			commandDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{Namespace: namespace, Name: "command_duration_seconds", Help: "Shell command duration in seconds.", Buckets: prometheus.DefBuckets},
			),
			storeOpDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{Namespace: namespace, Name: "state_store_op_duration_seconds", Help: "State store operation duration by op.", Buckets: prometheus.DefBuckets},
				[]string{"op"},
			),
			storePurged: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "state_store_purged_total", Help: "Expired snapshots and recovery points removed."},
			),
			eventsDropped: prometheus.NewCounter(
				prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber was full."},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.runTotal,
			m.runDuration,
			m.iterationsTotal,
			m.protocolErrors,
			m.providerAttempts,
			m.providerLatency,
			m.keysDisabled,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.commandTotal,
			m.commandDuration,
			m.storeOpDuration,
			m.storePurged,
			m.eventsDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, status(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordAgentRun(outcome string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordIteration(kind string) {
	getMetrics().iterationsTotal.WithLabelValues(kind).Inc()
}

func RecordProtocolError() {
	getMetrics().protocolErrors.Inc()
}

// RecordProviderAttempt counts one completion attempt; result is "success"
// or the classified failure kind.
func RecordProviderAttempt(provider, result string, duration time.Duration) {
	m := getMetrics()
	m.providerAttempts.WithLabelValues(provider, result).Inc()
	m.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordKeyDisabled(provider, reason string) {
	getMetrics().keysDisabled.WithLabelValues(provider, reason).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, status(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordCommand(mode, outcome string, duration time.Duration) {
	m := getMetrics()
	m.commandTotal.WithLabelValues(mode, outcome).Inc()
	if duration > 0 {
		m.commandDuration.Observe(duration.Seconds())
	}
}

func RecordStoreOp(op string, duration time.Duration) {
	getMetrics().storeOpDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func RecordStorePurged(n int64) {
	if n > 0 {
		getMetrics().storePurged.Add(float64(n))
	}
}

func RecordEventDropped() {
	getMetrics().eventsDropped.Inc()
}
