package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the provisioning engine.
type Metrics struct {
	config MetricsConfig

	// Root metrics
	rootsBuilt     *prometheus.CounterVec
	rootsCompleted *prometheus.CounterVec
	callbacks      *prometheus.CounterVec

	// Task metrics
	transitions *prometheus.CounterVec
	dispatches  prometheus.Counter
	dropped     *prometheus.CounterVec
	retried     prometheus.Counter

	// Executor metrics
	executorCalls    *prometheus.CounterVec
	executorDuration *prometheus.HistogramVec
	executorErrors   *prometheus.CounterVec

	// Reconciler metrics
	polls     *prometheus.CounterVec
	exhausted *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Queue metrics
	queueDepth *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		rootsBuilt: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "roots_built_total",
				Help:      "Total number of workflow roots built",
			},
			[]string{"nature", "kind"},
		),
		rootsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "roots_completed_total",
				Help:      "Total number of workflow roots that reached a terminal status",
			},
			[]string{"status"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_roots_activated_total",
				Help:      "Total number of callback roots activated",
			},
			[]string{"kind"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total number of task status transitions",
			},
			[]string{"from", "to", "resource_type"},
		),
		dispatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of dispatches that took a task",
			},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_dropped_total",
				Help:      "Total number of dispatches dropped without running the task",
			},
			[]string{"reason"},
		),
		retried: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_retries_total",
				Help:      "Total number of dispatches retried after a capacity error",
			},
		),

		executorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_calls_total",
				Help:      "Total number of executor calls",
			},
			[]string{"resource_type", "operation"},
		),
		executorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_call_duration_seconds",
				Help:      "Duration of executor calls in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		executorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_errors_total",
				Help:      "Total number of executor transport errors",
			},
			[]string{"resource_type", "operation"},
		),

		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_polls_total",
				Help:      "Total number of reconciler re-checks by observed lifecycle state",
			},
			[]string{"resource_type", "state"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_exhausted_total",
				Help:      "Total number of tasks failed after exhausting the transport attempt budget",
			},
			[]string{"resource_type"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class", "code"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of dispatches waiting in the trigger queue",
			},
			[]string{"queue"},
		),
	}

	registry.MustRegister(
		m.rootsBuilt,
		m.rootsCompleted,
		m.callbacks,
		m.transitions,
		m.dispatches,
		m.dropped,
		m.retried,
		m.executorCalls,
		m.executorDuration,
		m.executorErrors,
		m.polls,
		m.exhausted,
		m.errorsByClass,
		m.queueDepth,
	)

	return m, nil
}

// Root Metrics

// RecordRootBuilt increments the counter for built roots.
func (m *Metrics) RecordRootBuilt(nature, kind string) {
	if m == nil || m.rootsBuilt == nil {
		return
	}
	m.rootsBuilt.WithLabelValues(nature, kind).Inc()
}

// RecordRootCompleted records a root reaching a terminal status.
func (m *Metrics) RecordRootCompleted(status string) {
	if m == nil || m.rootsCompleted == nil {
		return
	}
	m.rootsCompleted.WithLabelValues(status).Inc()
}

// RecordCallbackActivated records the activation of a callback root.
func (m *Metrics) RecordCallbackActivated(kind string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(kind).Inc()
}

// Task Metrics

// RecordTransition records a task status transition.
func (m *Metrics) RecordTransition(from, to, resourceType string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, resourceType).Inc()
}

// RecordDispatch records a dispatch that took a task.
func (m *Metrics) RecordDispatch() {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.Inc()
}

// RecordDispatchDropped records a dispatch dropped for reason.
func (m *Metrics) RecordDispatchDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// RecordDispatchRetry records a dispatch deferred by a capacity error.
func (m *Metrics) RecordDispatchRetry() {
	if m == nil || m.retried == nil {
		return
	}
	m.retried.Inc()
}

// Executor Metrics

// RecordExecutorCall records an executor call with its duration.
func (m *Metrics) RecordExecutorCall(resourceType, operation string, duration time.Duration) {
	if m == nil || m.executorCalls == nil {
		return
	}
	m.executorCalls.WithLabelValues(resourceType, operation).Inc()
	m.executorDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordExecutorError records an executor transport error.
func (m *Metrics) RecordExecutorError(resourceType, operation string) {
	if m == nil || m.executorErrors == nil {
		return
	}
	m.executorErrors.WithLabelValues(resourceType, operation).Inc()
}

// Reconciler Metrics

// RecordPoll records a re-check and the lifecycle state it observed.
func (m *Metrics) RecordPoll(resourceType, state string) {
	if m == nil || m.polls == nil {
		return
	}
	m.polls.WithLabelValues(resourceType, state).Inc()
}

// RecordReconcileExhausted records a task failed by the attempt budget.
func (m *Metrics) RecordReconcileExhausted(resourceType string) {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.WithLabelValues(resourceType).Inc()
}

// Error Metrics

// RecordError records an error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, errorCode).Inc()
}

// Queue Metrics

// SetQueueDepth sets the current depth of a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth float64) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(depth)
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics on their own
// listener. The API server also mounts Handler, so this is only needed when
// metrics should be served on a separate port.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
