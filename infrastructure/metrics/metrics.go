// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cardrisk/monitor/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Evaluation metrics
	EvaluationsTotal    *prometheus.CounterVec
	EvaluationDuration  *prometheus.HistogramVec
	RulesMatchedTotal   *prometheus.CounterVec
	LoadSheddedTotal    prometheus.Counter
	AdmissionInUse      prometheus.Gauge

	// Velocity metrics
	VelocityChecksTotal    *prometheus.CounterVec
	VelocityCheckDuration  prometheus.Histogram
	VelocityExceededTotal  *prometheus.CounterVec

	// Hot-reload / ruleset registry metrics
	HotReloadTotal          *prometheus.CounterVec
	HotReloadFailedTotal    prometheus.Counter
	RulesetsInstalled       prometheus.Gauge
	FieldRegistryVersion    prometheus.Gauge

	// Outbox metrics
	OutboxAppendedTotal   prometheus.Counter
	OutboxProcessedTotal  prometheus.Counter
	OutboxDegenerateTotal prometheus.Counter
	OutboxPending         prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Evaluation metrics
		EvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "evaluations_total",
				Help: "Total number of rule evaluations",
			},
			[]string{"service", "evaluation_type", "engine_mode"},
		),
		EvaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "evaluation_duration_seconds",
				Help:    "Rule evaluation duration in seconds, end to end",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "ruleset_key"},
		),
		RulesMatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rules_matched_total",
				Help: "Total number of rule matches across all evaluations",
			},
			[]string{"service", "ruleset_key", "rule_name"},
		),
		LoadSheddedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "load_shedded_total",
				Help: "Total number of requests shed by the admission controller",
			},
		),
		AdmissionInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "admission_slots_in_use",
				Help: "Current number of admission-controller slots occupied",
			},
		),

		// Velocity metrics
		VelocityChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "velocity_checks_total",
				Help: "Total number of velocity counter checks",
			},
			[]string{"service", "status"},
		),
		VelocityCheckDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "velocity_check_duration_seconds",
				Help:    "Velocity KV round-trip duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
			},
		),
		VelocityExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "velocity_exceeded_total",
				Help: "Total number of velocity checks that exceeded their threshold",
			},
			[]string{"service"},
		),

		// Hot-reload / ruleset registry metrics
		HotReloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hot_reload_cycles_total",
				Help: "Total number of hot-reload cycles run",
			},
			[]string{"service", "result"},
		),
		HotReloadFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hot_reload_failed_total",
				Help: "Total number of hot-reload cycles that aborted without installing anything",
			},
		),
		RulesetsInstalled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rulesets_installed",
				Help: "Current number of (country, key) rulesets installed in the registry",
			},
		),
		FieldRegistryVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "field_registry_version",
				Help: "Version of the currently live field registry",
			},
		),

		// Outbox metrics
		OutboxAppendedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_appended_total",
				Help: "Total number of events appended to the outbox",
			},
		),
		OutboxProcessedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_processed_total",
				Help: "Total number of outbox entries processed and acked",
			},
		),
		OutboxDegenerateTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_degenerate_total",
				Help: "Total number of degenerate outbox entries acked and skipped",
			},
		),
		OutboxPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "outbox_pending",
				Help: "Current outbox consumer-group pending entry count",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.EvaluationsTotal,
			m.EvaluationDuration,
			m.RulesMatchedTotal,
			m.LoadSheddedTotal,
			m.AdmissionInUse,
			m.VelocityChecksTotal,
			m.VelocityCheckDuration,
			m.VelocityExceededTotal,
			m.HotReloadTotal,
			m.HotReloadFailedTotal,
			m.RulesetsInstalled,
			m.FieldRegistryVersion,
			m.OutboxAppendedTotal,
			m.OutboxProcessedTotal,
			m.OutboxDegenerateTotal,
			m.OutboxPending,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordEvaluation records one rule evaluation's outcome and latency.
func (m *Metrics) RecordEvaluation(service, evaluationType, engineMode, rulesetKey string, duration time.Duration) {
	m.EvaluationsTotal.WithLabelValues(service, evaluationType, engineMode).Inc()
	m.EvaluationDuration.WithLabelValues(service, rulesetKey).Observe(duration.Seconds())
}

// RecordRuleMatch increments the matched-rule counter for one named rule.
func (m *Metrics) RecordRuleMatch(service, rulesetKey, ruleName string) {
	m.RulesMatchedTotal.WithLabelValues(service, rulesetKey, ruleName).Inc()
}

// RecordLoadShed increments the admission-controller shed counter.
func (m *Metrics) RecordLoadShed() {
	m.LoadSheddedTotal.Inc()
}

// SetAdmissionInUse reports the admission controller's current occupancy.
func (m *Metrics) SetAdmissionInUse(n int) {
	m.AdmissionInUse.Set(float64(n))
}

// RecordVelocityCheck records one velocity counter round-trip.
func (m *Metrics) RecordVelocityCheck(service, status string, duration time.Duration, exceeded bool) {
	m.VelocityChecksTotal.WithLabelValues(service, status).Inc()
	m.VelocityCheckDuration.Observe(duration.Seconds())
	if exceeded {
		m.VelocityExceededTotal.WithLabelValues(service).Inc()
	}
}

// RecordHotReload records one hot-reload cycle outcome.
func (m *Metrics) RecordHotReload(service, result string) {
	m.HotReloadTotal.WithLabelValues(service, result).Inc()
	if result != "success" {
		m.HotReloadFailedTotal.Inc()
	}
}

// SetRulesetsInstalled reports the registry's current size.
func (m *Metrics) SetRulesetsInstalled(n int) {
	m.RulesetsInstalled.Set(float64(n))
}

// SetFieldRegistryVersion reports the live field registry version.
func (m *Metrics) SetFieldRegistryVersion(v int) {
	m.FieldRegistryVersion.Set(float64(v))
}

// RecordOutboxAppend increments the outbox append counter.
func (m *Metrics) RecordOutboxAppend() {
	m.OutboxAppendedTotal.Inc()
}

// RecordOutboxProcessed increments the outbox processed counter.
func (m *Metrics) RecordOutboxProcessed() {
	m.OutboxProcessedTotal.Inc()
}

// RecordOutboxDegenerate increments the outbox poison-entry counter.
func (m *Metrics) RecordOutboxDegenerate() {
	m.OutboxDegenerateTotal.Inc()
}

// SetOutboxPending reports the outbox consumer group's current backlog.
func (m *Metrics) SetOutboxPending(n int64) {
	m.OutboxPending.Set(float64(n))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
