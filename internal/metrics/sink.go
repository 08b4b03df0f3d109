package metrics

import (
	"context"
	"time"
)

// Sink accepts counter and histogram increments keyed by string.
// Bookkeeping only: implementations must never let a write failure
// propagate into the operation being measured.
type Sink interface {
	Inc(ctx context.Context, key string, delta int64)
	Observe(ctx context.Context, key string, value float64)
}

// LatencyBuckets are the vendor client thresholds in milliseconds.
// Values above the last threshold land in the implicit +Inf bucket.
var LatencyBuckets = []int64{50, 100, 200, 400, 800, 1600, 3200, 10000}

// BucketFor returns the smallest configured threshold >= ms, or 0 for +Inf.
func BucketFor(ms int64) int64 {
	for _, b := range LatencyBuckets {
		if ms <= b {
			return b
		}
	}
	return 0
}

// MinuteWindow aligns t down to the start of its minute, matching the
// rate-bucket table keying.
func MinuteWindow(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
