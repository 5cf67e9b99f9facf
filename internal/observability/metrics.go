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

// Metrics stores Prometheus collectors used by API, controller, and
// scheduler flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	emailsSentTotal     *prometheus.CounterVec
	emailsFailedTotal   *prometheus.CounterVec
	stepsExhaustedTotal *prometheus.CounterVec
	sendDuration        *prometheus.HistogramVec
	tickDuration        prometheus.Histogram
	enrollmentsScanned  prometheus.Gauge
	enrollmentsTotal    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drip_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "drip_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		emailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drip_engine",
				Name:      "emails_sent_total",
				Help:      "Total drip emails delivered successfully, by campaign.",
			},
			[]string{"campaign"},
		),
		emailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drip_engine",
				Name:      "emails_failed_total",
				Help:      "Total failed delivery calls, by campaign and reason.",
			},
			[]string{"campaign", "reason"},
		),
		stepsExhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drip_engine",
				Name:      "steps_exhausted_total",
				Help:      "Total steps that gave up on delivery and await manual review, by campaign.",
			},
			[]string{"campaign"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "drip_engine",
				Name:      "send_duration_seconds",
				Help:      "Delivery call duration in seconds, by campaign.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"campaign"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "drip_engine",
				Name:      "tick_duration_seconds",
				Help:      "Scheduler tick duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		enrollmentsScanned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "drip_engine",
				Name:      "tick_active_enrollments",
				Help:      "Active enrollments scanned by the most recent tick.",
			},
		),
		enrollmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "drip_engine",
				Name:      "enrollment_transitions_total",
				Help:      "Total enrollment status transitions, by target status.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.emailsSentTotal,
		m.emailsFailedTotal,
		m.stepsExhaustedTotal,
		m.sendDuration,
		m.tickDuration,
		m.enrollmentsScanned,
		m.enrollmentsTotal,
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
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncEmailSent(campaign string) {
	if m == nil {
		return
	}
	m.emailsSentTotal.WithLabelValues(normalizeLabel(campaign)).Inc()
}

func (m *Metrics) IncEmailFailed(campaign string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.emailsFailedTotal.WithLabelValues(normalizeLabel(campaign), reasonLabel).Inc()
}

func (m *Metrics) IncStepExhausted(campaign string) {
	if m == nil {
		return
	}
	m.stepsExhaustedTotal.WithLabelValues(normalizeLabel(campaign)).Inc()
}

func (m *Metrics) ObserveSendDuration(campaign string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeLabel(campaign)).Observe(seconds)
}

func (m *Metrics) ObserveTick(scanned int, duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
	m.enrollmentsScanned.Set(float64(scanned))
}

func (m *Metrics) IncEnrollmentTransition(status string) {
	if m == nil {
		return
	}
	m.enrollmentsTotal.WithLabelValues(normalizeLabel(status)).Inc()
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

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
