package dispatch

import (
	"context"
	"testing"

	"github.com/marcusrw/posbridge/internal/jobs"
)

type fakeFlags struct {
	bools map[string]bool
	ints  map[string]int
}

func (f fakeFlags) GetBool(_ context.Context, key string) (bool, error) {
	return f.bools[key], nil
}

func (f fakeFlags) GetInt(_ context.Context, key string, fallback int) (int, error) {
	if v, ok := f.ints[key]; ok {
		return v, nil
	}
	return fallback, nil
}

type fakeCounts map[string]Counts

func (f fakeCounts) CountsByType(context.Context) (map[string]Counts, error) {
	return f, nil
}

func TestSlackClampsAtZero(t *testing.T) {
	s := TypeState{Cap: 1, Working: 3}

	if s.Slack() != 0 {
		t.Fatalf("over-committed type should report zero slack, got %d", s.Slack())
	}
}

func TestBuildStatesDefaults(t *testing.T) {
	states, err := BuildStates(context.Background(), fakeFlags{}, fakeCounts{})

	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(states) != len(jobs.All) {
		t.Fatalf("expected a row per type, got %d", len(states))
	}

	for _, s := range states {
		if s.Paused || s.Cap != defaultCap {
			t.Fatalf("unexpected defaults for %s: %+v", s.Type, s)
		}
	}
}

func TestEligibleExcludesPausedAndFull(t *testing.T) {
	flags := fakeFlags{
		bools: map[string]bool{"queue_pause.sync_product": true},
		ints:  map[string]int{"queue.max_concurrency.sync_sale": 2},
	}
	counts := fakeCounts{
		"sync_product":  {Pending: 100},           // paused, must not appear
		"sync_sale":     {Pending: 5, Working: 2}, // cap reached, no slack
		"sync_customer": {Pending: 3},
	}

	states, err := BuildStates(context.Background(), flags, counts)

	if err != nil {
		t.Fatalf("build: %v", err)
	}

	for _, typ := range Eligible(states) {
		if typ == jobs.TypeSyncProduct {
			t.Fatal("paused type leaked into the eligible set")
		}

		if typ == jobs.TypeSyncSale {
			t.Fatal("type without slack leaked into the eligible set")
		}
	}
}

func TestEligibleOrdersByPendingThenSlack(t *testing.T) {
	flags := fakeFlags{
		ints: map[string]int{
			"queue.max_concurrency.sync_product":  4,
			"queue.max_concurrency.sync_customer": 2,
		},
	}
	counts := fakeCounts{
		"sync_inventory": {Pending: 9},
		"sync_product":   {Pending: 4},
		"sync_customer":  {Pending: 4},
	}

	states, err := BuildStates(context.Background(), flags, counts)

	if err != nil {
		t.Fatalf("build: %v", err)
	}

	order := Eligible(states)

	if order[0] != jobs.TypeSyncInventory {
		t.Fatalf("deepest backlog must lead, got %v", order[0])
	}

	// Equal pending: the wider cap (more slack) wins.
	var prodIdx, custIdx int

	for i, typ := range order {
		switch typ {
		case jobs.TypeSyncProduct:
			prodIdx = i
		case jobs.TypeSyncCustomer:
			custIdx = i
		}
	}

	if prodIdx > custIdx {
		t.Fatalf("slack tiebreak wrong: product at %d, customer at %d", prodIdx, custIdx)
	}
}

func TestIdleBackoffDoublesAndCaps(t *testing.T) {
	b := newIdleBackoff()

	want := []string{"500ms", "1s", "2s", "4s", "5s", "5s"}

	for i, w := range want {
		if got := b.Next().String(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got, w)
		}
	}

	b.Reset()

	if got := b.Next().String(); got != "500ms" {
		t.Fatalf("reset should snap back to base, got %s", got)
	}
}
