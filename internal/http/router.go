package http

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/marcusrw/posbridge/internal/http/handlers"
	"github.com/marcusrw/posbridge/internal/http/middlewares"
	"github.com/marcusrw/posbridge/internal/observability"
)

const maxBodyBytes = 1 << 20 // webhook bodies and admin payloads are small

// Deps carries everything main wires up before the router assembles it.
type Deps struct {
	Env          string
	Log          *slog.Logger
	Pool         *pgxpool.Pool
	Prom         *observability.Prom
	PromRegistry *prometheus.Registry
	Auth         *middlewares.AuthMiddleware
	Limiter      *middlewares.RateLimiter
	Admin        *handlers.AdminHandler
	Webhooks     *handlers.WebhookHandler
	Tracing      bool
}

func NewRouter(d Deps) *gin.Engine {
	if d.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()

	// middleware

	r.Use(gin.Recovery())

	if d.Tracing {
		r.Use(otelgin.Middleware("posbridge-api"))
	}

	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger())
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(maxBodyBytes))

	if d.Prom != nil {
		r.Use(d.Prom.GinHandleMiddleware())
	}

	// health
	ping := func() error {
		if d.Pool == nil {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		return d.Pool.Ping(ctx)
	}

	h := handlers.NewHealthHandler(ping)
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)

	if d.PromRegistry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.PromRegistry, promhttp.HandlerOpts{})))
	}

	// webhook intake: rate limited by IP, never behind admin auth — the
	// signature is its credential.
	webhooks := r.Group("/webhooks")

	if d.Limiter != nil {
		webhooks.Use(d.Limiter.RateLimiterMiddleware(middlewares.KeyByIP))
	}
	webhooks.POST("/vendor", d.Webhooks.Receive)

	// admin surface
	admin := r.Group("/admin")
	admin.Use(middlewares.RequireJSON())

	if d.Limiter != nil {
		admin.Use(d.Limiter.RateLimiterMiddleware(middlewares.KeyByIP))
	}

	if d.Auth != nil {
		admin.Use(d.Auth.RequireAuth())
	}

	admin.POST("/jobs", d.Admin.Enqueue)
	admin.GET("/jobs", d.Admin.ListJobs)
	admin.GET("/jobs/:id", d.Admin.GetJob)
	admin.POST("/queue/pause", d.Admin.Pause)
	admin.POST("/queue/resume", d.Admin.Resume)
	admin.PUT("/queue/concurrency", d.Admin.SetConcurrency)
	admin.GET("/dlq", d.Admin.ListDLQ)
	admin.POST("/dlq/redrive", d.Admin.Redrive)
	admin.GET("/status", d.Admin.Status)
	admin.POST("/oauth/refresh", d.Admin.RefreshToken)
	admin.POST("/keys/rotate", d.Admin.RotateKey)
	admin.POST("/webhooks/replay", d.Admin.ReplayWebhooks)

	return r
}
