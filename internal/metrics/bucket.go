package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BucketStore is implemented by the Postgres rate-bucket repository.
type BucketStore interface {
	IncrementBucket(ctx context.Context, key string, window time.Time, delta int64) error
}

// BucketSink persists per-minute counters to the shared bucket table so
// every worker process reports into the same windows.
type BucketSink struct {
	store BucketStore
	log   *slog.Logger
}

func NewBucketSink(store BucketStore, log *slog.Logger) *BucketSink {
	if log == nil {
		log = slog.Default()
	}
	return &BucketSink{store: store, log: log}
}

func (s *BucketSink) Inc(ctx context.Context, key string, delta int64) {
	err := s.store.IncrementBucket(ctx, key, MinuteWindow(time.Now()), delta)

	if err != nil {
		// Bookkeeping failure: warn and move on.
		s.log.WarnContext(ctx, "metrics.bucket_write_failed", "key", key, "err", err)
	}
}

func (s *BucketSink) Observe(ctx context.Context, key string, value float64) {
	// Histograms are stored as sum+count pairs plus a per-threshold counter.
	s.Inc(ctx, key+".sum", int64(value))
	s.Inc(ctx, key+".count", 1)

	if b := BucketFor(int64(value)); b > 0 {
		s.Inc(ctx, fmt.Sprintf("%s.le.%d", key, b), 1)
	} else {
		s.Inc(ctx, key+".le.inf", 1)
	}
}

// MultiSink fans every increment out to all children.
type MultiSink []Sink

func (m MultiSink) Inc(ctx context.Context, key string, delta int64) {
	for _, s := range m {
		s.Inc(ctx, key, delta)
	}
}

func (m MultiSink) Observe(ctx context.Context, key string, value float64) {
	for _, s := range m {
		s.Observe(ctx, key, value)
	}
}
