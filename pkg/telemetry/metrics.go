package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for devloop.
// A nil *Metrics, or one created with metrics disabled, records nothing.
type Metrics struct {
	config MetricsConfig

	// Workflow metrics
	workflowsStarted  *prometheus.CounterVec
	workflowsFinished *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	stateTransitions  *prometheus.CounterVec
	stateTimeouts     *prometheus.CounterVec
	activeWorkflows   prometheus.Gauge

	// Agent metrics
	agentRuns *prometheus.CounterVec

	// Validation metrics
	validationRuns     *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	phaseDuration      *prometheus.HistogramVec
	mergeDecisions     *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	// Workflows run for minutes to hours.
	longBuckets := prometheus.ExponentialBuckets(30, 2, 10)

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workflowsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_started_total",
				Help:      "Total number of workflows started",
			},
			[]string{"project"},
		),
		workflowsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflows_finished_total",
				Help:      "Total number of workflows that reached a terminal state",
			},
			[]string{"state"},
		),
		workflowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_duration_seconds",
				Help:      "Wall-clock duration of workflows in seconds",
				Buckets:   longBuckets,
			},
			[]string{"state"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Total number of workflow state transitions",
			},
			[]string{"from", "to"},
		),
		stateTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_timeouts_total",
				Help:      "Total number of state deadlines that elapsed",
			},
			[]string{"state"},
		),
		activeWorkflows: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_workflows",
				Help:      "Current number of non-terminal workflows",
			},
		),
		agentRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "agent_runs_total",
				Help:      "Total number of agent runs by workflow phase and final status",
			},
			[]string{"phase", "status"},
		),
		validationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_runs_total",
				Help:      "Total number of validation runs by final status",
			},
			[]string{"status"},
		),
		validationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_duration_seconds",
				Help:      "Duration of validation runs in seconds",
				Buckets:   longBuckets,
			},
			[]string{"status"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "validation_phase_duration_seconds",
				Help:      "Duration of individual validation phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		mergeDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merge_decisions_total",
				Help:      "Total number of merge decisions by outcome",
			},
			[]string{"decision", "executed"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by classification",
			},
			[]string{"class", "source"},
		),
	}

	registry.MustRegister(
		m.workflowsStarted,
		m.workflowsFinished,
		m.workflowDuration,
		m.stateTransitions,
		m.stateTimeouts,
		m.activeWorkflows,
		m.agentRuns,
		m.validationRuns,
		m.validationDuration,
		m.phaseDuration,
		m.mergeDecisions,
		m.errorsByClass,
	)

	return m, nil
}

// enabled reports whether the collectors exist.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Workflow Metrics

// RecordWorkflowStarted counts a started workflow and bumps the active gauge.
func (m *Metrics) RecordWorkflowStarted(project string) {
	if !m.enabled() {
		return
	}
	m.workflowsStarted.WithLabelValues(project).Inc()
	m.activeWorkflows.Inc()
}

// RecordWorkflowFinished records a terminal workflow and lowers the active gauge.
func (m *Metrics) RecordWorkflowFinished(state string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.workflowsFinished.WithLabelValues(state).Inc()
	m.workflowDuration.WithLabelValues(state).Observe(duration.Seconds())
	m.activeWorkflows.Dec()
}

// RecordStateTransition counts a state transition.
func (m *Metrics) RecordStateTransition(from, to string) {
	if !m.enabled() {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordStateTimeout counts an elapsed state deadline.
func (m *Metrics) RecordStateTimeout(state string) {
	if !m.enabled() {
		return
	}
	m.stateTimeouts.WithLabelValues(state).Inc()
}

// RecordAgentRun counts a finished agent run.
func (m *Metrics) RecordAgentRun(phase, status string) {
	if !m.enabled() {
		return
	}
	m.agentRuns.WithLabelValues(phase, status).Inc()
}

// Validation Metrics

// RecordValidationRun records a finished validation run.
func (m *Metrics) RecordValidationRun(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.validationRuns.WithLabelValues(status).Inc()
	m.validationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordValidationPhase records how long a validation phase took.
func (m *Metrics) RecordValidationPhase(phase string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordMergeDecision counts a merge decision and whether its action succeeded.
func (m *Metrics) RecordMergeDecision(decision string, executed bool) {
	if !m.enabled() {
		return
	}
	label := "false"
	if executed {
		label = "true"
	}
	m.mergeDecisions.WithLabelValues(decision, label).Inc()
}

// Error Metrics

// RecordError records an error by class and the component that saw it.
func (m *Metrics) RecordError(errorClass, source string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass, source).Inc()
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
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", m.config.ListenAddress).Msg("Metrics server stopped")
		}
	}()

	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
