package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// DB
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec

	// Jobs (dispatcher)
	JobDuration  *prometheus.HistogramVec
	JobResults   *prometheus.CounterVec
	JobsInFlight prometheus.Gauge

	// Vendor HTTP client
	VendorRequestsTotal *prometheus.CounterVec
	VendorLatency       *prometheus.HistogramVec
	BreakerOpen         prometheus.Gauge

	// Webhook intake
	WebhookReceived    *prometheus.CounterVec
	WebhookVerifyFails *prometheus.CounterVec
	WebhookProcessing  prometheus.Histogram
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbridge",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "posbridge",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbridge",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),

		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbridge",
				Subsystem: "jobs",
				Name:      "duration_seconds",
				Help:      "Job execution duration by type and result",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"job_type", "result"}, // result=done|retry|failed
		),
		JobResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Subsystem: "jobs",
				Name:      "results_total",
				Help:      "Job outcomes by type and result.",
			},
			[]string{"job_type", "result"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "posbridge",
				Subsystem: "jobs",
				Name:      "in_flight",
				Help:      "Current number of executing jobs (per process)",
			},
		),

		VendorRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Subsystem: "vendor",
				Name:      "requests_total",
				Help:      "Vendor API requests by method and status class.",
			},
			[]string{"method", "class"}, // class=2xx|3xx|429|4xx|5xx
		),
		VendorLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "posbridge",
				Subsystem: "vendor",
				Name:      "request_duration_ms",
				Help:      "Vendor API request latency in milliseconds.",
				Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200, 10000},
			},
			[]string{"method"},
		),
		BreakerOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "posbridge",
				Subsystem: "vendor",
				Name:      "breaker_open",
				Help:      "1 while the vendor circuit breaker is tripped.",
			},
		),

		WebhookReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Subsystem: "webhook",
				Name:      "received_total",
				Help:      "Inbound webhook events by topic and outcome.",
			},
			[]string{"topic", "outcome"}, // outcome=completed|queued|rejected|error
		),
		WebhookVerifyFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "posbridge",
				Subsystem: "webhook",
				Name:      "verify_failures_total",
				Help:      "Signature verification soft failures by reason.",
			},
			[]string{"reason"}, // reason=stale|mismatch|missing
		),
		WebhookProcessing: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "posbridge",
				Subsystem: "webhook",
				Name:      "processing_seconds",
				Help:      "Inline fan-out processing time.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		),
	}
	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal,
		p.JobDuration, p.JobResults, p.JobsInFlight,
		p.VendorRequestsTotal, p.VendorLatency, p.BreakerOpen,
		p.WebhookReceived, p.WebhookVerifyFails, p.WebhookProcessing,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()

		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
