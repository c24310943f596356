package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for converge runs. Each instance
// owns a private registry so that tests and repeated runs in one process do
// not collide.
type Metrics struct {
	config MetricsConfig

	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	resourceActions *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	updatedLast     prometheus.Gauge

	notifications *prometheus.CounterVec
	guardSkips    *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the collectors. A disabled config yields a Metrics
// whose recording methods do nothing.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	ns := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_started_total",
			Help:      "Total number of converge runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "runs_completed_total",
			Help:      "Total number of converge runs completed, by outcome.",
		}, []string{"outcome", "why_run"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "run_duration_seconds",
			Help:      "Wall time of converge runs.",
			Buckets:   buckets,
		}, []string{"outcome"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_runs",
			Help:      "Number of runs in progress.",
		}),

		resourceActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "resource_actions_total",
			Help:      "Resource actions by type, action and result.",
		}, []string{"type", "action", "result"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "resource_action_duration_seconds",
			Help:      "Duration of resource actions, by resource type and provider.",
			Buckets:   buckets,
		}, []string{"type", "provider"}),
		updatedLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "last_run_updated_resources",
			Help:      "Distinct resources updated by the most recent run.",
		}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifications_fired_total",
			Help:      "Notification-triggered actions, by timing.",
		}, []string{"timing"}),
		guardSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "guard_skips_total",
			Help:      "Resource actions skipped by a guard, by resource type.",
		}, []string{"type"}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "errors_total",
			Help:      "Resource failures by error class and code.",
		}, []string{"class", "code"}),
	}

	m.registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.activeRuns,
		m.resourceActions,
		m.actionDuration,
		m.updatedLast,
		m.notifications,
		m.guardSkips,
		m.errorsByCode,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Enabled reports whether the collectors exist.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// RecordRunStarted counts a started run.
func (m *Metrics) RecordRunStarted() {
	if !m.Enabled() {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished run.
func (m *Metrics) RecordRunCompleted(outcome string, whyRun bool, updated int, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	wr := "false"
	if whyRun {
		wr = "true"
	}
	m.runsCompleted.WithLabelValues(outcome, wr).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	m.updatedLast.Set(float64(updated))
	m.activeRuns.Dec()
}

// RecordResourceAction records the result of one resource action. result is
// updated, up_to_date, skipped or failed.
func (m *Metrics) RecordResourceAction(resourceType, action, result string) {
	if !m.Enabled() {
		return
	}
	m.resourceActions.WithLabelValues(resourceType, action, result).Inc()
}

// ObserveActionDuration records how long a provider took.
func (m *Metrics) ObserveActionDuration(resourceType, provider string, d time.Duration) {
	if !m.Enabled() || d <= 0 {
		return
	}
	m.actionDuration.WithLabelValues(resourceType, provider).Observe(d.Seconds())
}

// RecordNotification counts an action triggered by a notification.
func (m *Metrics) RecordNotification(timing string) {
	if !m.Enabled() {
		return
	}
	m.notifications.WithLabelValues(timing).Inc()
}

// RecordGuardSkip counts a guard skip.
func (m *Metrics) RecordGuardSkip(resourceType string) {
	if !m.Enabled() {
		return
	}
	m.guardSkips.WithLabelValues(resourceType).Inc()
}

// RecordError counts a failure by class and code.
func (m *Metrics) RecordError(class, code string) {
	if !m.Enabled() {
		return
	}
	if code == "" {
		code = "UNKNOWN"
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()
}

// Registry exposes the registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, logger *Logger) error {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())
	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("address", m.config.ListenAddress).Str("path", m.config.Path).Msg("serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
