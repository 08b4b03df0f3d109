package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/marcusrw/posbridge/internal/auth"
	"github.com/marcusrw/posbridge/internal/config"
	"github.com/marcusrw/posbridge/internal/configstore"
	"github.com/marcusrw/posbridge/internal/db"
	httpx "github.com/marcusrw/posbridge/internal/http"
	"github.com/marcusrw/posbridge/internal/http/handlers"
	"github.com/marcusrw/posbridge/internal/http/middlewares"
	"github.com/marcusrw/posbridge/internal/metrics"
	"github.com/marcusrw/posbridge/internal/oauth"
	"github.com/marcusrw/posbridge/internal/observability"
	"github.com/marcusrw/posbridge/internal/queue/redisclient"
	"github.com/marcusrw/posbridge/internal/repo/postgres"
	"github.com/marcusrw/posbridge/internal/vendorapi"
	"github.com/marcusrw/posbridge/internal/webhook"
)

func main() {
	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	log = slog.New(observability.NewTraceHandler(log.Handler()))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing := cfg.OTLPEndpoint != ""

	if tracing {
		shutdown, err := observability.InitTracer(ctx, "posbridge-api", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
			tracing = false
		} else {
			defer func() {
				sctx, cancel := config.WithTimeout(5 * time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	pool, err := db.NewPool(cfg.DBURL)

	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	store := configstore.New(pool)
	jobsRepo := postgres.NewJobsRepo(pool, prom)
	webhooksRepo := postgres.NewWebhooksRepo(pool, prom)
	bucketsRepo := postgres.NewBucketsRepo(pool, prom)

	sink := metrics.NewBucketSink(bucketsRepo, log)

	lockFn := func(lctx context.Context, name string, timeout time.Duration, fn func() error) (bool, error) {
		return postgres.WithLock(lctx, pool, name, timeout, fn)
	}

	tokens := oauth.NewManager(store, lockFn, log,
		cfg.VendorTokenURL, cfg.VendorClientID, cfg.VendorClientSecret)
	breaker := vendorapi.NewBreaker(store, log)

	var (
		kicker  *redisclient.Client
		limiter *middlewares.RateLimiter
	)

	if cfg.RedisAddr != "" {
		kicker = redisclient.New(redisclient.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer kicker.Close()

		limiter = middlewares.NewRateLimiter(kicker.Raw(), cfg.AdminRateLimit, cfg.AdminRateWindow)
	} else {
		limiter = middlewares.NewRateLimiter(nil, cfg.AdminRateLimit, cfg.AdminRateWindow)
	}

	var receiverKicker webhook.Kicker

	if kicker != nil {
		receiverKicker = kicker
	}

	receiver := webhook.NewReceiver(webhooksRepo, jobsRepo, store, receiverKicker, sink, prom, log)

	authMgr := auth.NewManager(store)

	if cfg.AdminAuthDisabled {
		log.Warn("admin auth is DISABLED; incident-mode override active")
	}

	var adminKicker handlers.RunnerKicker

	if kicker != nil {
		adminKicker = kicker
	}

	admin := handlers.NewAdminHandler(jobsRepo, store, tokens, authMgr, webhooksRepo, breaker, adminKicker)

	router := httpx.NewRouter(httpx.Deps{
		Env:          cfg.Env,
		Log:          log,
		Pool:         pool,
		Prom:         prom,
		PromRegistry: reg,
		Auth:         middlewares.NewAuthMiddleware(authMgr, cfg.AdminAuthDisabled),
		Limiter:      limiter,
		Admin:        admin,
		Webhooks:     handlers.NewWebhookHandler(receiver),
		Tracing:      tracing,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("server shutting down")

	shutdownCtx, cancel := config.WithTimeout(10 * time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
		return
	}

	log.Info("shutdown complete")
}
