package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the service collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	reconcileOutcomes *prometheus.CounterVec
	issuerRetries     prometheus.Counter
	webhookRejected   *prometheus.CounterVec
	memberships       *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

func New(environment string) *Metrics {
	environment = strings.TrimSpace(environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": "clubpass",
		"env":     environment,
	}

	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		reconcileOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clubpass_reconcile_outcomes_total",
				Help:        "Reconciliation results by trigger and outcome.",
				ConstLabels: constLabels,
			},
			[]string{"trigger", "outcome"},
		),
		issuerRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "clubpass_invite_rate_limited_total",
				Help:        "Invite link creations answered with 429 and retried.",
				ConstLabels: constLabels,
			},
		),
		webhookRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clubpass_webhook_rejected_total",
				Help:        "Push notifications refused before processing.",
				ConstLabels: constLabels,
			},
			[]string{"reason"}, // forbidden_ip | malformed
		),
		memberships: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "clubpass_membership_events_total",
				Help:        "Channel membership changes handled by the watcher.",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "clubpass_http_request_duration_seconds",
				Help:        "HTTP request latency by route and status.",
				Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
				ConstLabels: constLabels,
			},
			[]string{"endpoint", "status_code"},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reconcileOutcomes,
		m.issuerRetries,
		m.webhookRejected,
		m.memberships,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) ObserveOutcome(trigger, outcome string) {
	if m == nil {
		return
	}
	m.reconcileOutcomes.WithLabelValues(trigger, outcome).Inc()
}

func (m *Metrics) IssuerRetry() {
	if m == nil {
		return
	}
	m.issuerRetries.Inc()
}

func (m *Metrics) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.webhookRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMembership(result string) {
	if m == nil {
		return
	}
	m.memberships.WithLabelValues(result).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		m.requestDuration.
			WithLabelValues(endpoint, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
