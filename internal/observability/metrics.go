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
	taskDuration *prometheus.HistogramVec

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	websocketClients prometheus.Gauge

	classificationsTotal *prometheus.CounterVec
	rulesReloadsTotal    *prometheus.CounterVec

	activeSessions      prometheus.Gauge
	sessionInitTotal    *prometheus.CounterVec
	sessionInitDuration prometheus.Histogram
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	providerCallTotal    *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
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
					Name: "realty_queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_enqueue_total",
					Help: "Total enqueue operations.",
				},
				[]string{"kind"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_dequeue_total",
					Help: "Total task completions by status.",
				},
				[]string{"status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "realty_task_duration_seconds",
					Help:    "Task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_requests_total",
					Help: "Total routed requests by transport and outcome.",
				},
				[]string{"transport", "outcome"},
			),
			requestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "realty_request_duration_seconds",
					Help:    "End-to-end request duration in seconds by transport.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"transport"},
			),
			classificationsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_classifications_total",
					Help: "Total prompt classifications by category.",
				},
				[]string{"category"},
			),
			rulesReloadsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_classifier_reloads_total",
					Help: "Classifier rules reloads by status.",
				},
				[]string{"status"},
			),
			websocketClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "realty_websocket_clients",
					Help: "Open websocket connections.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "realty_active_sessions",
					Help: "Sessions registered in the session store.",
				},
			),
			sessionInitTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_session_init_total",
					Help: "Session initializations by status.",
				},
				[]string{"status"},
			),
			sessionInitDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "realty_session_init_duration_seconds",
					Help:    "Session backend initialization duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "realty_session_load_duration_seconds",
					Help:    "Session history load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "realty_session_save_duration_seconds",
					Help:    "Session turn append duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_dispatch_total",
					Help: "Agent dispatches by agent and status.",
				},
				[]string{"agent", "status"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "realty_dispatch_duration_seconds",
					Help:    "Agent dispatch duration in seconds by agent.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"agent"},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "realty_provider_call_total",
					Help: "LLM provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			providerCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "realty_provider_call_duration_seconds",
					Help:    "LLM provider call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.requestsTotal,
			m.requestDuration,
			m.websocketClients,
			m.classificationsTotal,
			m.rulesReloadsTotal,
			m.activeSessions,
			m.sessionInitTotal,
			m.sessionInitDuration,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.dispatchTotal,
			m.dispatchDuration,
			m.providerCallTotal,
			m.providerCallDuration,
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

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// Session lanes are unbounded in number, so lane-level series are collapsed
// into a single "session" kind to keep label cardinality fixed.
func laneKind(lane string) string {
	if len(lane) >= 8 && lane[:8] == "session:" {
		return "session"
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.dequeueTotal.WithLabelValues(statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func RecordRequest(transport, outcome string, duration time.Duration) {
	m := getMetrics()
	m.requestsTotal.WithLabelValues(transport, outcome).Inc()
	m.requestDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

func RecordClassification(category string) {
	getMetrics().classificationsTotal.WithLabelValues(category).Inc()
}

func RecordRulesReload(success bool) {
	getMetrics().rulesReloadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

func SetWebSocketClients(count int) {
	getMetrics().websocketClients.Set(float64(count))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionInit(duration time.Duration, success bool) {
	m := getMetrics()
	m.sessionInitTotal.WithLabelValues(statusLabel(success)).Inc()
	m.sessionInitDuration.Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordDispatch(agent string, duration time.Duration, success bool) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(agent, statusLabel(success)).Inc()
	m.dispatchDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func RecordProviderCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.providerCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
