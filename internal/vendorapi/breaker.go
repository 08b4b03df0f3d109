package vendorapi

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

const (
	breakerKey       = "vendor.breaker"
	breakerWindow    = 120 * time.Second
	breakerThreshold = 8
	breakerCooldown  = 180 * time.Second
)

var ErrCircuitOpen = errors.New("circuit_open")

// BreakerState is the persisted record shared by every worker through the
// config store. Concurrent writers may race; last write wins, acceptable
// because the breaker is a hint, not a correctness boundary.
type BreakerState struct {
	Tripped       bool  `json:"tripped"`
	Until         int64 `json:"until"`
	Failures      int   `json:"failures"`
	WindowStarted int64 `json:"window_started"`
}

// BreakerStore is the slice of the config store the breaker needs.
type BreakerStore interface {
	GetJSON(ctx context.Context, key string, out any) (bool, error)
	SetJSON(ctx context.Context, key string, val any) error
}

type Breaker struct {
	store BreakerStore
	log   *slog.Logger
	now   func() time.Time
}

func NewBreaker(store BreakerStore, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}

	return &Breaker{store: store, log: log, now: time.Now}
}

func (b *Breaker) load(ctx context.Context) BreakerState {
	var st BreakerState

	if _, err := b.store.GetJSON(ctx, breakerKey, &st); err != nil {
		b.log.WarnContext(ctx, "breaker.load_failed", "err", err)
	}
	return st
}

func (b *Breaker) save(ctx context.Context, st BreakerState) {
	if err := b.store.SetJSON(ctx, breakerKey, st); err != nil {
		b.log.WarnContext(ctx, "breaker.save_failed", "err", err)
	}
}

// Allow reports whether a request may go out. While tripped and inside the
// cooldown it returns ErrCircuitOpen without touching the network; once the
// cooldown elapses the breaker resets and lets requests probe again.
func (b *Breaker) Allow(ctx context.Context) error {
	st := b.load(ctx)

	if !st.Tripped {
		return nil
	}

	if b.now().Unix() < st.Until {
		return ErrCircuitOpen
	}

	b.save(ctx, BreakerState{})
	b.log.InfoContext(ctx, "breaker.cooldown_elapsed")
	return nil
}

// RecordFailure counts a transient failure (429/5xx/transport error)
// inside the sliding window and trips the breaker at the threshold.
func (b *Breaker) RecordFailure(ctx context.Context) (tripped bool) {
	st := b.load(ctx)
	now := b.now().Unix()

	if st.WindowStarted == 0 || now-st.WindowStarted > int64(breakerWindow.Seconds()) {
		st.WindowStarted = now
		st.Failures = 1
	} else {
		st.Failures++
	}

	if st.Failures >= breakerThreshold {
		st.Tripped = true
		st.Until = now + int64(breakerCooldown.Seconds())

		b.log.WarnContext(ctx, "breaker.tripped",
			"failures", st.Failures, "cooldown_seconds", int64(breakerCooldown.Seconds()))
	}

	b.save(ctx, st)
	return st.Tripped
}

// RecordSuccess resets the window on any non-transient response.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	st := b.load(ctx)

	if st.Tripped || st.Failures > 0 || st.WindowStarted != 0 {
		b.save(ctx, BreakerState{})
	}
}

// State exposes the persisted record for the admin status endpoint and
// the watchdog. Unlike the request path, which degrades to a zero state
// on a load failure, callers here want to know the record is unreadable.
func (b *Breaker) State(ctx context.Context) (BreakerState, error) {
	var st BreakerState

	if _, err := b.store.GetJSON(ctx, breakerKey, &st); err != nil {
		return BreakerState{}, err
	}
	return st, nil
}
