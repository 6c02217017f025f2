package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ndr_engine"

// Metrics stores Prometheus collectors used by the api and worker processes.
// Every method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	ndrCreatedTotal     prometheus.Counter
	ndrTransitionsTotal *prometheus.CounterVec
	carrierCallsTotal   *prometheus.CounterVec
	carrierCallDuration *prometheus.HistogramVec
	policyDenialsTotal  *prometheus.CounterVec
	bulkItemsTotal      *prometheus.CounterVec
	webhookEventsTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ndrCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ndr_created_total",
				Help:      "Total number of NDR aggregates opened from carrier events.",
			},
		),
		ndrTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ndr_transitions_total",
				Help:      "Total number of committed NDR status changes.",
			},
			[]string{"from", "to"},
		),
		carrierCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "carrier_calls_total",
				Help:      "Total number of carrier API calls by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		carrierCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "carrier_call_duration_seconds",
				Help:      "Carrier API call duration in seconds grouped by operation.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		policyDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of remediation requests denied by policy.",
			},
			[]string{"action"},
		),
		bulkItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_items_total",
				Help:      "Total number of bulk dispatch items by action and outcome.",
			},
			[]string{"action", "outcome"},
		),
		webhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Total number of carrier tracking events by ingestion outcome.",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.ndrCreatedTotal,
		m.ndrTransitionsTotal,
		m.carrierCallsTotal,
		m.carrierCallDuration,
		m.policyDenialsTotal,
		m.bulkItemsTotal,
		m.webhookEventsTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncNDRCreated() {
	if m == nil {
		return
	}
	m.ndrCreatedTotal.Inc()
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.ndrTransitionsTotal.WithLabelValues(label(from), label(to)).Inc()
}

func (m *Metrics) ObserveCarrierCall(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.carrierCallsTotal.WithLabelValues(label(operation), label(outcome)).Inc()
	m.carrierCallDuration.WithLabelValues(label(operation)).Observe(seconds)
}

func (m *Metrics) IncPolicyDenied(action string) {
	if m == nil {
		return
	}
	m.policyDenialsTotal.WithLabelValues(label(action)).Inc()
}

func (m *Metrics) IncBulkItem(action, outcome string) {
	if m == nil {
		return
	}
	m.bulkItemsTotal.WithLabelValues(label(action), label(outcome)).Inc()
}

func (m *Metrics) IncWebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEventsTotal.WithLabelValues(label(outcome)).Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func label(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
