package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/marcusrw/posbridge/internal/config"
	"github.com/marcusrw/posbridge/internal/configstore"
	"github.com/marcusrw/posbridge/internal/db"
	"github.com/marcusrw/posbridge/internal/dispatch"
	"github.com/marcusrw/posbridge/internal/jobs"
	"github.com/marcusrw/posbridge/internal/metrics"
	"github.com/marcusrw/posbridge/internal/oauth"
	"github.com/marcusrw/posbridge/internal/observability"
	"github.com/marcusrw/posbridge/internal/queue/redisclient"
	"github.com/marcusrw/posbridge/internal/repo/postgres"
	"github.com/marcusrw/posbridge/internal/vendorapi"
	"github.com/marcusrw/posbridge/internal/watchdog"
)

func main() {
	_ = godotenv.Load()

	var (
		limit        = flag.Int("limit", 0, "stop after this many processed jobs (0 = unbounded)")
		jobType      = flag.String("type", "", "restrict to one job type")
		continuous   = flag.Bool("continuous", false, "run until signalled, with idle backoff")
		noContinuous = flag.Bool("no-continuous", false, "force a single bounded pass")
		timeoutSec   = flag.Int("timeout", 0, "overall time budget in seconds (0 = none)")
		noLock       = flag.Bool("no-lock", false, "skip the single-runner advisory lock")
		healthAddr   = flag.String("health-addr", ":8081", "address for the health sidecar")
	)
	flag.Parse()

	cfg := config.Load()

	log := observability.NewLogger(cfg.Env)
	log = slog.New(observability.NewTraceHandler(log.Handler()))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "posbridge-runner", cfg.OTLPEndpoint)

		if err != nil {
			log.Error("tracer init failed", "err", err)
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
		os.Exit(dispatch.ExitFatal)
	}
	defer pool.Close()

	store := configstore.New(pool)
	jobsRepo := postgres.NewJobsRepo(pool, nil)
	webhooksRepo := postgres.NewWebhooksRepo(pool, nil)
	cursorsRepo := postgres.NewCursorsRepo(pool, nil)
	bucketsRepo := postgres.NewBucketsRepo(pool, nil)

	sink := metrics.NewBucketSink(bucketsRepo, log)

	lockFn := func(lctx context.Context, name string, timeout time.Duration, fn func() error) (bool, error) {
		return postgres.WithLock(lctx, pool, name, timeout, fn)
	}

	tokens := oauth.NewManager(store, lockFn, log,
		cfg.VendorTokenURL, cfg.VendorClientID, cfg.VendorClientSecret)
	breaker := vendorapi.NewBreaker(store, log)

	vendor := vendorapi.NewClient(vendorapi.Options{
		BaseURL: cfg.VendorBaseURL,
		Timeout: cfg.VendorTimeout,
		Retries: cfg.VendorRetries,
	}, tokens, breaker, store, sink, nil, log)

	handlers := jobs.NewHandlers(vendor, jobsRepo, webhooksRepo, cursorsRepo, jobs.NopDownstream{}, store, log)
	registry := jobs.NewRegistry()
	handlers.RegisterAll(registry)

	var (
		rc     *redisclient.Client
		waiter dispatch.Waiter
		kicker watchdog.Kicker
	)

	if cfg.RedisAddr != "" {
		rc = redisclient.New(redisclient.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rc.Close()

		waiter = rc
		kicker = rc
	}

	dog := watchdog.New(jobsRepo, webhooksRepo, breaker, store, kicker, log)
	jobMetrics := observability.NewJobMetrics()

	shuttingDown := func() bool { return ctx.Err() != nil }

	go func() {
		health := dispatch.HealthHandler(pool, jobMetrics, shuttingDown)

		if err := http.ListenAndServe(*healthAddr, health); err != nil {
			log.Warn("health sidecar stopped", "err", err)
		}
	}()

	runner := dispatch.New(jobsRepo, registry, store,
		dispatch.CountAdapter{Repo: jobsRepo},
		dispatch.PgLocker{Pool: pool},
		waiter, dog, jobMetrics, log)

	opts := dispatch.Options{
		Limit:      *limit,
		Type:       *jobType,
		Continuous: *continuous && !*noContinuous,
		Timeout:    time.Duration(*timeoutSec) * time.Second,
		SingleRun:  !*noLock,
	}

	log.Info("runner starting",
		"limit", opts.Limit,
		"type", opts.Type,
		"continuous", opts.Continuous,
		"timeout", opts.Timeout.String(),
	)

	report := runner.Run(ctx, opts)

	log.Info("runner finished",
		"processed", report.Processed,
		"failed", report.Failed,
		"deferred", report.Deferred,
		"exit_code", report.ExitCode(),
	)

	os.Exit(report.ExitCode())
}
