package metrics

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingStore struct {
	keys    []string
	windows []time.Time
	deltas  []int64
	err     error
}

func (s *recordingStore) IncrementBucket(_ context.Context, key string, window time.Time, delta int64) error {
	s.keys = append(s.keys, key)
	s.windows = append(s.windows, window)
	s.deltas = append(s.deltas, delta)
	return s.err
}

func TestBucketFor(t *testing.T) {
	cases := []struct {
		ms   int64
		want int64
	}{
		{0, 50},
		{50, 50},
		{51, 100},
		{799, 800},
		{10000, 10000},
		{10001, 0},
	}

	for _, tc := range cases {
		if got := BucketFor(tc.ms); got != tc.want {
			t.Errorf("BucketFor(%d) = %d, want %d", tc.ms, got, tc.want)
		}
	}
}

func TestMinuteWindow(t *testing.T) {
	in := time.Date(2026, 3, 14, 9, 26, 53, 123, time.FixedZone("X", 3600))
	want := time.Date(2026, 3, 14, 8, 26, 0, 0, time.UTC)

	if got := MinuteWindow(in); !got.Equal(want) {
		t.Fatalf("MinuteWindow = %v, want %v", got, want)
	}
}

func TestBucketSinkIncAlignsWindow(t *testing.T) {
	store := &recordingStore{}
	sink := NewBucketSink(store, nil)

	sink.Inc(context.Background(), "jobs.completed", 2)

	if len(store.keys) != 1 || store.keys[0] != "jobs.completed" || store.deltas[0] != 2 {
		t.Fatalf("unexpected write: %v %v", store.keys, store.deltas)
	}

	if !store.windows[0].Equal(MinuteWindow(store.windows[0])) {
		t.Fatalf("window not minute-aligned: %v", store.windows[0])
	}
}

func TestBucketSinkObserveWritesHistogramKeys(t *testing.T) {
	store := &recordingStore{}
	sink := NewBucketSink(store, nil)

	sink.Observe(context.Background(), "vendor.latency_ms", 120)

	want := []string{"vendor.latency_ms.sum", "vendor.latency_ms.count", "vendor.latency_ms.le.200"}

	if len(store.keys) != len(want) {
		t.Fatalf("wrote %v, want %v", store.keys, want)
	}
	for i, k := range want {
		if store.keys[i] != k {
			t.Fatalf("key %d = %q, want %q", i, store.keys[i], k)
		}
	}
}

func TestBucketSinkObserveOverflowGoesToInf(t *testing.T) {
	store := &recordingStore{}
	sink := NewBucketSink(store, nil)

	sink.Observe(context.Background(), "vendor.latency_ms", 25000)

	if store.keys[2] != "vendor.latency_ms.le.inf" {
		t.Fatalf("overflow bucket = %q", store.keys[2])
	}
}

func TestBucketSinkSwallowsStoreErrors(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	sink := NewBucketSink(store, nil)

	// Must not panic or propagate.
	sink.Inc(context.Background(), "jobs.completed", 1)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := NewMemorySink()
	b := NewMemorySink()
	m := MultiSink{a, b}

	m.Inc(context.Background(), "k", 3)
	m.Observe(context.Background(), "lat", 7.5)

	for _, s := range []*MemorySink{a, b} {
		if s.Counter("k") != 3 {
			t.Fatalf("counter not fanned out: %d", s.Counter("k"))
		}
		if obs := s.Observations("lat"); len(obs) != 1 || obs[0] != 7.5 {
			t.Fatalf("observation not fanned out: %v", obs)
		}
	}
}
