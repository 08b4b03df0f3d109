package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/marcusrw/posbridge/internal/domain/job"
	"github.com/marcusrw/posbridge/internal/jobs"
	"github.com/marcusrw/posbridge/internal/observability"
)

const (
	claimSize        = 50
	watchdogInterval = 60 * time.Second
)

// Exit codes reported by the runner binary.
const (
	ExitOK      = 0
	ExitPartial = 2
	ExitFatal   = 3
)

type JobStore interface {
	ClaimBatch(ctx context.Context, limit int, jobType string) ([]job.Job, error)
	Heartbeat(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, errMsg string) error
	RequeueExpiredLeases(ctx context.Context) (int64, error)
}

// Locker guards single-runner mode. release is nil when ok is false.
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), ok bool, err error)
}

// Waiter lets an idle runner be woken early. Optional.
type Waiter interface {
	WaitKick(ctx context.Context, timeout time.Duration) bool
}

// Watchdog is the degrade evaluator run periodically in continuous mode.
type Watchdog interface {
	Evaluate(ctx context.Context)
}

// Options mirror the runner CLI flags.
type Options struct {
	Limit      int
	Type       string
	Continuous bool
	Timeout    time.Duration
	SingleRun  bool // take the runner:{type|all} advisory lock
}

// Report is the outcome of one Run.
type Report struct {
	Processed int
	Failed    int
	Deferred  int
	Fatal     bool
	Skipped   bool // another runner held the lock
}

func (r Report) ExitCode() int {
	switch {
	case r.Fatal:
		return ExitFatal
	case r.Failed > 0 || r.Deferred > 0:
		return ExitPartial
	default:
		return ExitOK
	}
}

type Dispatcher struct {
	store    JobStore
	registry *jobs.Registry
	flags    FlagSource
	counts   CountSource
	locker   Locker
	waiter   Waiter
	watchdog Watchdog
	metrics  *observability.JobMetrics
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration)
	now   func() time.Time
}

func New(store JobStore, registry *jobs.Registry, flags FlagSource, counts CountSource, locker Locker, waiter Waiter, watchdog Watchdog, metrics *observability.JobMetrics, log *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = observability.NewJobMetrics()
	}
	if log == nil {
		log = slog.Default()
	}

	return &Dispatcher{
		store:    store,
		registry: registry,
		flags:    flags,
		counts:   counts,
		locker:   locker,
		waiter:   waiter,
		watchdog: watchdog,
		metrics:  metrics,
		log:      log,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Run drives the claim loop until the limit, time budget, or a shutdown
// signal (via ctx) ends it. Cooperative shutdown: the in-flight batch
// finishes, no new claims start.
func (d *Dispatcher) Run(ctx context.Context, opts Options) Report {
	var report Report

	if opts.SingleRun && d.locker != nil {
		name := "runner:all"

		if opts.Type != "" {
			name = "runner:" + opts.Type
		}

		release, ok, err := d.locker.TryLock(ctx, name)

		if err != nil {
			d.log.ErrorContext(ctx, "runner.lock", "error", err)
			report.Fatal = true
			return report
		}

		if !ok {
			d.log.InfoContext(ctx, "runner.already_running", "lock", name)
			report.Skipped = true
			return report
		}
		defer release()
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	backoff := newIdleBackoff()
	lastWatchdog := d.now()

	for {
		if ctx.Err() != nil {
			return report
		}

		if killed, _ := d.flags.GetBool(ctx, killSwitchKey); killed {
			d.log.WarnContext(ctx, "runner.kill_switch")
			return report
		}

		if opts.Continuous && d.watchdog != nil && d.now().Sub(lastWatchdog) >= watchdogInterval {
			d.watchdog.Evaluate(ctx)
			lastWatchdog = d.now()
		}

		if n, err := d.store.RequeueExpiredLeases(ctx); err == nil && n > 0 {
			d.log.InfoContext(ctx, "runner.leases_reclaimed", "count", n)
		}

		batch, err := d.claim(ctx, opts, remaining(opts, report.Processed))

		if err != nil {
			d.log.ErrorContext(ctx, "runner.claim", "error", err)
			report.Fatal = true
			return report
		}

		if len(batch) == 0 {
			if !opts.Continuous {
				return report
			}

			d.idle(ctx, backoff.Next())
			continue
		}

		backoff.Reset()

		for i, j := range batch {
			if ctx.Err() != nil {
				// Unstarted claims ride out their lease and get reclaimed.
				report.Deferred += len(batch) - i
				return report
			}

			if d.runOne(ctx, j) {
				report.Processed++
			} else {
				report.Failed++
			}
		}

		if opts.Limit > 0 && report.Processed >= opts.Limit {
			return report
		}
	}
}

// claim walks the eligible types in selection order until one yields
// work. An explicit type bypasses the table except for its own gates.
func (d *Dispatcher) claim(ctx context.Context, opts Options, limit int) ([]job.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	states, err := BuildStates(ctx, d.flags, d.counts)

	if err != nil {
		return nil, err
	}

	if opts.Type != "" {
		for _, s := range states {
			if s.Type.String() != opts.Type {
				continue
			}

			if s.Paused || s.Slack() <= 0 {
				return nil, nil
			}
			return d.store.ClaimBatch(ctx, limit, opts.Type)
		}
		return nil, nil
	}

	for _, t := range Eligible(states) {
		batch, err := d.store.ClaimBatch(ctx, limit, t.String())

		if err != nil {
			return nil, err
		}

		if len(batch) > 0 {
			return batch, nil
		}
	}
	return nil, nil
}

// runOne runs a single claimed job through its handler. Returns true on
// completion, false when the job went down the failure path.
func (d *Dispatcher) runOne(ctx context.Context, j job.Job) bool {
	d.metrics.IncClaimed()

	if err := d.store.Heartbeat(ctx, j.ID); err != nil {
		d.log.WarnContext(ctx, "runner.heartbeat", "job_id", j.ID, "error", err)
	}

	start := d.now()
	err := d.registry.Handle(ctx, j)
	d.metrics.ObserveDuration(d.now().Sub(start))

	if err != nil {
		d.metrics.IncFailed()
		d.log.WarnContext(ctx, "runner.job_failed", "job_id", j.ID, "type", j.Type, "error", err)

		if ferr := d.store.Fail(ctx, j.ID, err.Error()); ferr != nil {
			d.log.ErrorContext(ctx, "runner.fail_write", "job_id", j.ID, "error", ferr)
		}
		return false
	}

	if err := d.store.Heartbeat(ctx, j.ID); err != nil {
		d.log.WarnContext(ctx, "runner.heartbeat", "job_id", j.ID, "error", err)
	}

	if err := d.store.Complete(ctx, j.ID); err != nil {
		d.log.ErrorContext(ctx, "runner.complete", "job_id", j.ID, "error", err)

		_ = d.store.Fail(ctx, j.ID, "complete_failed: "+err.Error())
		return false
	}

	d.metrics.IncDone()
	d.log.InfoContext(ctx, "runner.job_done", "job_id", j.ID, "type", j.Type,
		"duration_ms", d.now().Sub(start).Milliseconds())
	return true
}

func (d *Dispatcher) idle(ctx context.Context, wait time.Duration) {
	if d.waiter != nil {
		// A kick from the API cuts the sleep short.
		d.waiter.WaitKick(ctx, wait)
		return
	}
	d.sleep(ctx, wait)
}

func remaining(opts Options, processed int) int {
	if opts.Limit <= 0 {
		return claimSize
	}

	left := opts.Limit - processed

	if left > claimSize {
		return claimSize
	}
	return left
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
