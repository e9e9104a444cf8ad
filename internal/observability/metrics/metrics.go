package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the metrics registry.
type Config struct {
	Enabled     bool
	Namespace   string
	ServiceName string
	Environment string
}

// Metrics exposes Prometheus instruments for the entitlement engine.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	decisions         *prometheus.CounterVec
	failOpen          *prometheus.CounterVec
	catalogFallback   *prometheus.CounterVec
	catalogRefresh    *prometheus.CounterVec
	ledgerRetries     *prometheus.CounterVec
	ledgerTxDuration  *prometheus.HistogramVec
	notifierDelivered *prometheus.CounterVec
	notifierListeners prometheus.Gauge
	retentionDeleted  prometheus.Counter
	rateLimitDenied   *prometheus.CounterVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

// New registers the instruments on a dedicated registry.
func New(cfg Config) *Metrics {
	ns := sanitizeLabel(cfg.Namespace)
	if ns == "unknown" {
		ns = "entitlements"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "entitlement_decisions_total",
			Help:      "Entitlement decisions by action, mode and outcome.",
		}, []string{"action", "mode", "outcome"}),
		failOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "entitlement_fail_open_total",
			Help:      "Consumptions allowed because the usage store could not be consulted.",
		}, []string{"action", "reason"}),
		catalogFallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "plan_catalog_fallback_total",
			Help:      "Catalog reads served from stale cache or baked-in defaults.",
		}, []string{"source"}),
		catalogRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "plan_catalog_refresh_total",
			Help:      "Catalog store fetches by result.",
		}, []string{"result"}),
		ledgerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "usage_ledger_retries_total",
			Help:      "Transaction retries caused by write conflicts.",
		}, []string{"operation"}),
		ledgerTxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "usage_ledger_tx_duration_seconds",
			Help:      "Ledger transaction latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		notifierDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "notifier_deliveries_total",
			Help:      "Snapshots delivered to change listeners.",
		}, []string{"outcome"}),
		notifierListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "notifier_listeners",
			Help:      "Active change listeners on this instance.",
		}),
		retentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "usage_retention_deleted_total",
			Help:      "Expired daily usage rows reclaimed.",
		}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limit_denied_total",
			Help:      "Requests rejected by the per-user rate limiter.",
		}, []string{"route"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	registry.MustRegister(
		m.decisions,
		m.failOpen,
		m.catalogFallback,
		m.catalogRefresh,
		m.ledgerRetries,
		m.ledgerTxDuration,
		m.notifierDelivered,
		m.notifierListeners,
		m.retentionDeleted,
		m.rateLimitDenied,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDecision(action, mode, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(sanitizeLabel(action), sanitizeLabel(mode), sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) RecordFailOpen(action, reason string) {
	if m == nil {
		return
	}
	m.failOpen.WithLabelValues(sanitizeLabel(action), sanitizeLabel(reason)).Inc()
}

func (m *Metrics) RecordCatalogFallback(source string) {
	if m == nil {
		return
	}
	m.catalogFallback.WithLabelValues(sanitizeLabel(source)).Inc()
}

func (m *Metrics) RecordCatalogRefresh(result string) {
	if m == nil {
		return
	}
	m.catalogRefresh.WithLabelValues(sanitizeLabel(result)).Inc()
}

func (m *Metrics) RecordLedgerRetry(operation string) {
	if m == nil {
		return
	}
	m.ledgerRetries.WithLabelValues(sanitizeLabel(operation)).Inc()
}

func (m *Metrics) ObserveLedgerTx(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ledgerTxDuration.WithLabelValues(sanitizeLabel(operation), sanitizeLabel(outcome)).Observe(duration.Seconds())
}

func (m *Metrics) RecordNotifierDelivery(outcome string) {
	if m == nil {
		return
	}
	m.notifierDelivered.WithLabelValues(sanitizeLabel(outcome)).Inc()
}

func (m *Metrics) AddNotifierListeners(delta float64) {
	if m == nil {
		return
	}
	m.notifierListeners.Add(delta)
}

func (m *Metrics) RecordRetentionDeleted(rows int64) {
	if m == nil || rows <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(rows))
}

func (m *Metrics) RecordRateLimitDenied(route string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(sanitizeLabel(route)).Inc()
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	route = sanitizeLabel(route)
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}

func sanitizeLabel(val string) string {
	val = strings.TrimSpace(val)
	if val == "" {
		return "unknown"
	}
	if len(val) > 64 {
		return val[:64]
	}
	return val
}
