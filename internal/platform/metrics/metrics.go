// Package metrics exposes Prometheus instrumentation for the approval
// engine: HTTP traffic, decision outcomes, sweeper activity, and
// notification delivery.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the metric vectors and the registry they live in. Each
// Collector has its own registry so multiple instances can coexist in tests.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	requestsCreatedTotal *prometheus.CounterVec
	decisionsTotal       *prometheus.CounterVec
	decisionConflicts    prometheus.Counter
	pendingRequests      prometheus.Gauge

	sweepRunsTotal     prometheus.Counter
	sweepExpiredTotal  prometheus.Counter
	sweepRevokedTotal  prometheus.Counter
	sweepDuration      prometheus.Histogram
	notificationsTotal *prometheus.CounterVec
}

// NewCollector creates and registers all metric vectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		requestsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_requests_created_total",
				Help: "Access requests created, by sensitivity tier and urgency",
			},
			[]string{"tier", "urgency"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "access_decisions_total",
				Help: "Approval decisions recorded, by action and resulting status",
			},
			[]string{"action", "status"},
		),
		decisionConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "access_decision_conflicts_total",
				Help: "Decisions rejected due to concurrent modification",
			},
		),
		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "access_requests_pending",
				Help: "Access requests currently awaiting approval",
			},
		),

		sweepRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sweep_runs_total",
				Help: "Completed sweeper passes",
			},
		),
		sweepExpiredTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sweep_requests_expired_total",
				Help: "Pending requests expired by the sweeper",
			},
		),
		sweepRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sweep_grants_revoked_total",
				Help: "Approved grants revoked after their window closed",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sweep_duration_seconds",
				Help:    "Duration of sweeper passes in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
			},
		),
		notificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifications_sent_total",
				Help: "Notifications dispatched, by template and delivery status",
			},
			[]string{"template", "status"},
		),
	}

	c.registry.MustRegister(
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.requestsCreatedTotal,
		c.decisionsTotal,
		c.decisionConflicts,
		c.pendingRequests,
		c.sweepRunsTotal,
		c.sweepExpiredTotal,
		c.sweepRevokedTotal,
		c.sweepDuration,
		c.notificationsTotal,
	)

	return c
}

// RecordRequestCreated increments the creation counter.
func (c *Collector) RecordRequestCreated(tier, urgency string) {
	c.requestsCreatedTotal.WithLabelValues(tier, urgency).Inc()
}

// RecordDecision increments the decision counter with the action taken and
// the status the request ended up in.
func (c *Collector) RecordDecision(action, status string) {
	c.decisionsTotal.WithLabelValues(action, status).Inc()
}

// RecordDecisionConflict counts an optimistic concurrency rejection.
func (c *Collector) RecordDecisionConflict() {
	c.decisionConflicts.Inc()
}

// SetPendingRequests updates the pending-request gauge.
func (c *Collector) SetPendingRequests(n int) {
	c.pendingRequests.Set(float64(n))
}

// RecordSweep records one sweeper pass with its counts and duration.
func (c *Collector) RecordSweep(expired, revoked int, duration time.Duration) {
	c.sweepRunsTotal.Inc()
	c.sweepExpiredTotal.Add(float64(expired))
	c.sweepRevokedTotal.Add(float64(revoked))
	c.sweepDuration.Observe(duration.Seconds())
}

// RecordNotification counts a notification dispatch attempt.
func (c *Collector) RecordNotification(template, status string) {
	c.notificationsTotal.WithLabelValues(template, status).Inc()
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware returns Echo middleware recording request counts and latency.
// The route template is used as the path label so /access-requests/:id does
// not explode cardinality.
func (c *Collector) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			start := time.Now()
			err := next(ec)

			path := ec.Path()
			if path == "" {
				path = ec.Request().URL.Path
			}
			status := ec.Response().Status
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				}
			}

			c.httpRequestsTotal.WithLabelValues(ec.Request().Method, path, strconv.Itoa(status)).Inc()
			c.httpRequestDuration.WithLabelValues(ec.Request().Method, path).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
