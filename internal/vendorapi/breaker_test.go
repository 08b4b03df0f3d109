package vendorapi

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestBreaker(t *testing.T) (*Breaker, *time.Time) {
	t.Helper()

	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(newMemStore(), nil)
	b.now = func() time.Time { return now }

	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < breakerThreshold-1; i++ {
		if tripped := b.RecordFailure(ctx); tripped {
			t.Fatalf("tripped after %d failures, threshold is %d", i+1, breakerThreshold)
		}
	}

	if !b.RecordFailure(ctx) {
		t.Fatal("threshold failure should trip the breaker")
	}

	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen while tripped, got %v", err)
	}
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < breakerThreshold-1; i++ {
		b.RecordFailure(ctx)
	}

	// Window elapses; the next failure starts a fresh count.
	*now = now.Add(breakerWindow + time.Second)

	if b.RecordFailure(ctx) {
		t.Fatal("stale window must not carry failures forward")
	}

	if err := b.Allow(ctx); err != nil {
		t.Fatalf("breaker should still be closed: %v", err)
	}
}

func TestBreakerCooldownElapses(t *testing.T) {
	b, now := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < breakerThreshold; i++ {
		b.RecordFailure(ctx)
	}

	if err := b.Allow(ctx); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}

	*now = now.Add(breakerCooldown + time.Second)

	if err := b.Allow(ctx); err != nil {
		t.Fatalf("cooldown elapsed, breaker should probe again: %v", err)
	}

	st, err := b.State(ctx)

	if err != nil {
		t.Fatalf("state: %v", err)
	}

	if st.Tripped || st.Failures != 0 {
		t.Fatalf("breaker state not reset after cooldown: %+v", st)
	}
}

type failingStore struct{}

func (failingStore) GetJSON(context.Context, string, any) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) SetJSON(context.Context, string, any) error {
	return errors.New("store down")
}

func TestBreakerStateSurfacesStoreError(t *testing.T) {
	b := NewBreaker(failingStore{}, nil)

	if _, err := b.State(context.Background()); err == nil {
		t.Fatal("unreadable breaker record must surface an error")
	}
}

func TestBreakerSuccessResetsWindow(t *testing.T) {
	b, _ := newTestBreaker(t)
	ctx := context.Background()

	for i := 0; i < breakerThreshold-1; i++ {
		b.RecordFailure(ctx)
	}

	b.RecordSuccess(ctx)

	st, err := b.State(ctx)

	if err != nil {
		t.Fatalf("state: %v", err)
	}

	if st.Failures != 0 || st.WindowStarted != 0 {
		t.Fatalf("success should clear the window: %+v", st)
	}
}
