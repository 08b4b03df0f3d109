package dispatch

import (
	"context"
	"sort"

	"github.com/marcusrw/posbridge/internal/jobs"
)

// Config store keys the selector reads per iteration.
const (
	killSwitchKey = "queue.kill_switch"
	pausePrefix   = "queue_pause."
	capPrefix     = "queue.max_concurrency."

	defaultCap = 1
)

// TypeState is one row of the per-iteration selection table.
type TypeState struct {
	Type    jobs.JobType
	Paused  bool
	Cap     int
	Working int
	Pending int
}

func (s TypeState) Slack() int {
	slack := s.Cap - s.Working

	if slack < 0 {
		return 0
	}
	return slack
}

// Counts is the queue depth snapshot per type.
type Counts struct {
	Pending int
	Working int
}

type CountSource interface {
	CountsByType(ctx context.Context) (map[string]Counts, error)
}

type FlagSource interface {
	GetBool(ctx context.Context, key string) (bool, error)
	GetInt(ctx context.Context, key string, fallback int) (int, error)
}

// BuildStates assembles the selection table for every known type.
func BuildStates(ctx context.Context, flags FlagSource, counts CountSource) ([]TypeState, error) {
	byType, err := counts.CountsByType(ctx)

	if err != nil {
		return nil, err
	}

	states := make([]TypeState, 0, len(jobs.All))

	for _, t := range jobs.All {
		paused, _ := flags.GetBool(ctx, pausePrefix+t.String())
		cap, _ := flags.GetInt(ctx, capPrefix+t.String(), defaultCap)

		c := byType[t.String()]

		states = append(states, TypeState{
			Type:    t,
			Paused:  paused,
			Cap:     cap,
			Working: c.Working,
			Pending: c.Pending,
		})
	}
	return states, nil
}

// Eligible orders the claimable types: pending descending, then slack
// descending, keeping only unpaused types with slack. Types with pending
// work sort ahead of idle ones.
func Eligible(states []TypeState) []jobs.JobType {
	candidates := make([]TypeState, 0, len(states))

	for _, s := range states {
		if !s.Paused && s.Slack() > 0 {
			candidates = append(candidates, s)
		}
	}

	sort.SliceStable(candidates, func(i, k int) bool {
		if candidates[i].Pending != candidates[k].Pending {
			return candidates[i].Pending > candidates[k].Pending
		}
		return candidates[i].Slack() > candidates[k].Slack()
	})

	out := make([]jobs.JobType, 0, len(candidates))

	for _, s := range candidates {
		out = append(out, s.Type)
	}
	return out
}
