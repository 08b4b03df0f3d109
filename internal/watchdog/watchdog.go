package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcusrw/posbridge/internal/repo/postgres"
	"github.com/marcusrw/posbridge/internal/vendorapi"
)

// Config store keys owned by the watchdog.
const (
	autoFixKey  = "watchdog.auto_fix"
	stateKey    = "watchdog.state"
	bannerKey   = "ui.banner"
	highRiskKey = "features.high_risk_disabled"

	runnerEnabledKey    = "runner.enabled"
	runnerContinuousKey = "runner.continuous"

	degradeThresholdKey = "watchdog.degrade_threshold"
	staleSecondsKey     = "watchdog.stale_seconds"
	webhookLagKey       = "watchdog.webhook_lag_seconds"
	healthyMinutesKey   = "watchdog.healthy_minutes"

	defaultDegradeThreshold = 500
	defaultStaleSeconds     = 300
	defaultWebhookLag       = 600
	defaultHealthyMinutes   = 10
)

// Banner is the operator-visible notice the watchdog raises and clears.
type Banner struct {
	Level   string `json:"level"` // info | warning | danger
	Message string `json:"message"`
	SetAt   string `json:"set_at"`
}

// state survives across evaluations in the config store so any process
// can pick up where another left off.
type state struct {
	Degraded     bool   `json:"degraded"`
	DegradedAt   string `json:"degraded_at,omitempty"`
	HealthySince string `json:"healthy_since,omitempty"`
}

type JobSource interface {
	Summary(ctx context.Context) (postgres.StatusSummary, error)
}

type WebhookSource interface {
	Ages(ctx context.Context) (receivedAge, processedAge time.Duration, err error)
}

type BreakerSource interface {
	State(ctx context.Context) (vendorapi.BreakerState, error)
}

// ConfigStore is the configstore slice the watchdog reads and writes.
type ConfigStore interface {
	GetBool(ctx context.Context, key string) (bool, error)
	GetInt(ctx context.Context, key string, fallback int) (int, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, val any) error
	Delete(ctx context.Context, key string) error
}

type Kicker interface {
	Kick(ctx context.Context) error
}

type Watchdog struct {
	jobs     JobSource
	webhooks WebhookSource
	breaker  BreakerSource
	store    ConfigStore
	kicker   Kicker
	log      *slog.Logger

	now func() time.Time
}

func New(jobs JobSource, webhooks WebhookSource, breaker BreakerSource, store ConfigStore, kicker Kicker, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}

	return &Watchdog{
		jobs:     jobs,
		webhooks: webhooks,
		breaker:  breaker,
		store:    store,
		kicker:   kicker,
		log:      log,
		now:      time.Now,
	}
}

// Evaluate takes one reading of the pipeline and applies or reverses the
// degrade safeguards. Every failure inside is logged and swallowed; the
// watchdog must never take down the loop that hosts it.
func (w *Watchdog) Evaluate(ctx context.Context) {
	summary, err := w.jobs.Summary(ctx)

	if err != nil {
		w.log.WarnContext(ctx, "watchdog.summary", "error", err)
		return
	}

	reasons := w.anomalies(ctx, summary)

	if len(reasons) > 0 {
		w.onAnomaly(ctx, reasons)
		return
	}

	w.onHealthy(ctx)
}

func (w *Watchdog) anomalies(ctx context.Context, s postgres.StatusSummary) []string {
	var reasons []string

	staleSecs, _ := w.store.GetInt(ctx, staleSecondsKey, defaultStaleSeconds)
	staleCutoff := w.now().Add(-time.Duration(staleSecs) * time.Second)

	// Work is queued but nothing has moved lately.
	if s.Pending > 0 && s.DoneLastMinute == 0 {
		if s.LastStartedAt == nil || s.LastStartedAt.Before(staleCutoff) {
			reasons = append(reasons, "stalled")
		}
	}

	// Webhooks arriving but not being processed.
	if w.webhooks != nil {
		receivedAge, processedAge, err := w.webhooks.Ages(ctx)

		if err == nil && receivedAge >= 0 && receivedAge < 24*time.Hour {
			lagSecs, _ := w.store.GetInt(ctx, webhookLagKey, defaultWebhookLag)

			if processedAge < 0 || processedAge > time.Duration(lagSecs)*time.Second {
				reasons = append(reasons, "webhook_lag")
			}
		}
	}

	threshold, _ := w.store.GetInt(ctx, degradeThresholdKey, defaultDegradeThreshold)

	if s.Pending >= threshold {
		reasons = append(reasons, "backlog")
	}

	if w.breaker != nil {
		if bs, err := w.breaker.State(ctx); err == nil && bs.Tripped {
			reasons = append(reasons, "breaker_open")
		}
	}

	return reasons
}

func (w *Watchdog) onAnomaly(ctx context.Context, reasons []string) {
	w.log.WarnContext(ctx, "watchdog.anomaly", "reasons", reasons)

	var st state
	_, _ = w.store.GetJSON(ctx, stateKey, &st)

	st.HealthySince = ""

	if !st.Degraded {
		st.Degraded = true
		st.DegradedAt = w.now().Format(time.RFC3339)
	}

	if err := w.store.SetJSON(ctx, stateKey, st); err != nil {
		w.log.WarnContext(ctx, "watchdog.state_write", "error", err)
	}

	autoFix, err := w.store.GetBool(ctx, autoFixKey)

	if err != nil || !autoFix {
		return
	}

	w.set(ctx, runnerEnabledKey, "true")
	w.set(ctx, runnerContinuousKey, "true")
	w.set(ctx, highRiskKey, "true")

	level := "warning"

	for _, r := range reasons {
		if r == "breaker_open" || r == "stalled" {
			level = "danger"
		}
	}

	banner := Banner{
		Level:   level,
		Message: fmt.Sprintf("job pipeline degraded: %v", reasons),
		SetAt:   w.now().Format(time.RFC3339),
	}

	if err := w.store.SetJSON(ctx, bannerKey, banner); err != nil {
		w.log.WarnContext(ctx, "watchdog.banner", "error", err)
	}

	if w.kicker != nil {
		if err := w.kicker.Kick(ctx); err != nil {
			w.log.DebugContext(ctx, "watchdog.kick", "error", err)
		}
	}
}

// onHealthy clears the safeguards once the pipeline has been clean for
// the configured window.
func (w *Watchdog) onHealthy(ctx context.Context) {
	var st state

	found, err := w.store.GetJSON(ctx, stateKey, &st)

	if err != nil || !found || !st.Degraded {
		return
	}

	if st.HealthySince == "" {
		st.HealthySince = w.now().Format(time.RFC3339)

		if err := w.store.SetJSON(ctx, stateKey, st); err != nil {
			w.log.WarnContext(ctx, "watchdog.state_write", "error", err)
		}
		return
	}

	healthyMin, _ := w.store.GetInt(ctx, healthyMinutesKey, defaultHealthyMinutes)
	since, perr := time.Parse(time.RFC3339, st.HealthySince)

	if perr != nil || w.now().Sub(since) < time.Duration(healthyMin)*time.Minute {
		return
	}

	w.log.InfoContext(ctx, "watchdog.recovered", "healthy_since", st.HealthySince)

	w.set(ctx, highRiskKey, "false")

	if err := w.store.Delete(ctx, bannerKey); err != nil {
		w.log.WarnContext(ctx, "watchdog.banner_clear", "error", err)
	}

	if err := w.store.Delete(ctx, stateKey); err != nil {
		w.log.WarnContext(ctx, "watchdog.state_clear", "error", err)
	}
}

func (w *Watchdog) set(ctx context.Context, key, value string) {
	if err := w.store.Set(ctx, key, value); err != nil {
		w.log.WarnContext(ctx, "watchdog.flag_write", "key", key, "error", err)
	}
}
