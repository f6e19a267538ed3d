// Package metrics exposes Prometheus metrics for the pre-send pipeline.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be constructed without metrics in tests and CLI commands.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for sendgate
type Metrics struct {
	// Pre-send decisions
	DecisionsTotal       *prometheus.CounterVec
	DecisionErrorsTotal  *prometheus.CounterVec
	SpamScore            prometheus.Histogram
	SuppressedRecipients prometheus.Counter

	// Rate limiting
	RateLimitRejectedTotal *prometheus.CounterVec
	LockoutsTotal          *prometheus.CounterVec
	QuotaDeniedTotal       *prometheus.CounterVec

	// Delivery events
	EventsTotal            *prometheus.CounterVec
	DomainSuspensionsTotal prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.GaugeFunc

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	started := time.Now()

	m := &Metrics{
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_presend_decisions_total",
				Help: "Total number of pre-send decisions by outcome",
			},
			[]string{"allowed"},
		),
		DecisionErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_presend_store_errors_total",
				Help: "Total number of store failures that forced a blocking decision",
			},
			[]string{"store"},
		),
		SpamScore: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sendgate_spam_score",
				Help:    "Distribution of content spam scores",
				Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
			},
		),
		SuppressedRecipients: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_suppressed_recipients_total",
				Help: "Total number of recipients filtered by the suppression list",
			},
		),

		RateLimitRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_ratelimit_rejected_total",
				Help: "Total number of requests rejected by a sliding-window limiter",
			},
			[]string{"scope", "locked"},
		),
		LockoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_ratelimit_lockouts_total",
				Help: "Total number of lockouts started",
			},
			[]string{"scope"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_quota_denied_total",
				Help: "Total number of sends denied by hourly or daily quotas",
			},
			[]string{"level"},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_delivery_events_total",
				Help: "Total number of processed delivery events by kind",
			},
			[]string{"kind"},
		),
		DomainSuspensionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sendgate_domain_suspensions_total",
				Help: "Total number of automatic domain suspensions",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sendgate_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sendgate_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "sendgate_uptime_seconds",
				Help: "Server uptime in seconds",
			},
			func() float64 { return time.Since(started).Seconds() },
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DecisionsTotal,
		m.DecisionErrorsTotal,
		m.SpamScore,
		m.SuppressedRecipients,
		m.RateLimitRejectedTotal,
		m.LockoutsTotal,
		m.QuotaDeniedTotal,
		m.EventsTotal,
		m.DomainSuspensionsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		collectors.NewGoCollector(),
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordDecision records a pre-send verdict and its spam score
func (m *Metrics) RecordDecision(allowed bool, spamScore, suppressed int) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
	m.SpamScore.Observe(float64(spamScore))
	if suppressed > 0 {
		m.SuppressedRecipients.Add(float64(suppressed))
	}
}

// IncStoreError records a store failure seen by the pre-send check
func (m *Metrics) IncStoreError(store string) {
	if m == nil {
		return
	}
	m.DecisionErrorsTotal.WithLabelValues(store).Inc()
}

// IncRateLimitRejected records a rejection by a sliding-window limiter
func (m *Metrics) IncRateLimitRejected(scope string, locked bool) {
	if m == nil {
		return
	}
	m.RateLimitRejectedTotal.WithLabelValues(scope, strconv.FormatBool(locked)).Inc()
}

// IncLockout records the start of a lockout
func (m *Metrics) IncLockout(scope string) {
	if m == nil {
		return
	}
	m.LockoutsTotal.WithLabelValues(scope).Inc()
}

// IncQuotaDenied records a quota denial at the given level
func (m *Metrics) IncQuotaDenied(level string) {
	if m == nil {
		return
	}
	m.QuotaDeniedTotal.WithLabelValues(level).Inc()
}

// IncEvent records a processed delivery event
func (m *Metrics) IncEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// DomainSuspended records an automatic suspension
func (m *Metrics) DomainSuspended() {
	if m == nil {
		return
	}
	m.DomainSuspensionsTotal.Inc()
}
