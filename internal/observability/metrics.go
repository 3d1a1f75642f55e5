package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "comfypilot"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	turnsTotal           *prometheus.CounterVec
	turnDuration         *prometheus.HistogramVec
	activeTurns          prometheus.Gauge
	duplicateCompletions prometheus.Counter

	toolCallsTotal   *prometheus.CounterVec
	pendingToolCalls prometheus.Gauge
	toolCallWait     *prometheus.HistogramVec

	modelCallsTotal   *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	tokensTotal       *prometheus.CounterVec

	memoryWriteDuration *prometheus.HistogramVec

	wsConnections prometheus.Gauge
	wsMessages    *prometheus.CounterVec
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
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			turnsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turns_total",
					Help:      "Total finished turns by terminal state.",
				},
				[]string{"state"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds by terminal state.",
					Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"state"},
			),
			activeTurns: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_turns",
					Help:      "Turns currently registered as active.",
				},
			),
			duplicateCompletions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "duplicate_completions_total",
					Help:      "Completion attempts rejected because the turn was already complete.",
				},
			),
			toolCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_calls_total",
					Help:      "Client tool calls by outcome (resolved, timeout, cancelled, superseded).",
				},
				[]string{"outcome"},
			),
			pendingToolCalls: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "pending_tool_calls",
					Help:      "Tool calls waiting for a client result.",
				},
			),
			toolCallWait: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_call_wait_seconds",
					Help:      "Time between registering a tool call and its settlement.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"outcome"},
			),
			modelCallsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "model_calls_total",
					Help:      "Model dispatches by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "model_call_duration_seconds",
					Help:      "Model dispatch duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			tokensTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tokens_total",
					Help:      "Tokens consumed by direction (input, output).",
				},
				[]string{"direction"},
			),
			memoryWriteDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "memory_write_duration_seconds",
					Help:      "Conversation memory write duration in seconds by operation.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"op"},
			),
			wsConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "ws_connections",
					Help:      "Open websocket connections.",
				},
			),
			wsMessages: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "ws_messages_total",
					Help:      "Websocket messages by direction and type.",
				},
				[]string{"direction", "type"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.turnsTotal,
			m.turnDuration,
			m.activeTurns,
			m.duplicateCompletions,
			m.toolCallsTotal,
			m.pendingToolCalls,
			m.toolCallWait,
			m.modelCallsTotal,
			m.modelCallDuration,
			m.tokensTotal,
			m.memoryWriteDuration,
			m.wsConnections,
			m.wsMessages,
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

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func TurnStarted() {
	getMetrics().activeTurns.Inc()
}

// RecordTurnFinished records a turn reaching a terminal state.
func RecordTurnFinished(state string, duration time.Duration) {
	m := getMetrics()
	m.activeTurns.Dec()
	m.turnsTotal.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func RecordDuplicateCompletion() {
	getMetrics().duplicateCompletions.Inc()
}

func ToolCallRegistered() {
	getMetrics().pendingToolCalls.Inc()
}

// RecordToolCallSettled records a pending tool call leaving the store.
func RecordToolCallSettled(outcome string, waited time.Duration) {
	m := getMetrics()
	m.pendingToolCalls.Dec()
	m.toolCallsTotal.WithLabelValues(outcome).Inc()
	m.toolCallWait.WithLabelValues(outcome).Observe(waited.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallsTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordTokens(input, output int) {
	m := getMetrics()
	if input > 0 {
		m.tokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

func RecordMemoryWrite(op string, duration time.Duration) {
	getMetrics().memoryWriteDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func ConnectionOpened() {
	getMetrics().wsConnections.Inc()
}

func ConnectionClosed() {
	getMetrics().wsConnections.Dec()
}

func RecordMessage(direction, msgType string) {
	getMetrics().wsMessages.WithLabelValues(direction, msgType).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
