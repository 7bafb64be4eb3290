package api

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments exposed on /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	requestDur    *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	promotions    *prometheus.CounterVec
}

// NewMetrics builds a registry with process and Go runtime collectors
// plus the shipgate instruments.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipgate_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		requestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shipgate_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"method", "route"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipgate_pipeline_runs_total",
			Help: "Pipeline runs by terminal state.",
		}, []string{"state"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shipgate_promotions_total",
			Help: "Promotion attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.requestsTotal, m.requestDur, m.runsTotal, m.promotions)
	return m
}

// Handler returns the /metrics scrape handler.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// RecordRun counts a completed pipeline run.
func (m *Metrics) RecordRun(state string) {
	m.runsTotal.WithLabelValues(state).Inc()
}

// RecordPromotion counts a promotion attempt.
func (m *Metrics) RecordPromotion(outcome string) {
	m.promotions.WithLabelValues(outcome).Inc()
}

// Middleware records per-request counters and latency. Routes are the
// registered patterns, not raw URIs, so cardinality stays bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "/"
			}
			method := c.Request().Method
			status := strconv.Itoa(c.Response().Status)

			m.requestsTotal.WithLabelValues(method, route, status).Inc()
			m.requestDur.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
