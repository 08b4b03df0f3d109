package metrics

import (
	"context"
	"sync"
)

// MemorySink keeps counters in-process. Used by tests and as the fallback
// when no bucket store is wired.
type MemorySink struct {
	mu       sync.Mutex
	counters map[string]int64
	observed map[string][]float64
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		counters: make(map[string]int64),
		observed: make(map[string][]float64),
	}
}

func (s *MemorySink) Inc(_ context.Context, key string, delta int64) {
	s.mu.Lock()
	s.counters[key] += delta
	s.mu.Unlock()
}

func (s *MemorySink) Observe(_ context.Context, key string, value float64) {
	s.mu.Lock()
	s.observed[key] = append(s.observed[key], value)
	s.mu.Unlock()
}

func (s *MemorySink) Counter(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key]
}

func (s *MemorySink) Observations(key string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.observed[key]))
	copy(out, s.observed[key])
	return out
}
