package jobs

import (
	"context"
	"fmt"

	"github.com/marcusrw/posbridge/internal/domain/job"
)

// Handler executes one claimed job. A nil return completes the job; any
// error sends it down the retry/backoff path.
type Handler func(ctx context.Context, j job.Job) error

// Registry maps the closed job-type set to handlers. Populated once at
// startup, read-only afterwards.
type Registry struct {
	handlers map[JobType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[JobType]Handler)}
}

func (r *Registry) Register(t JobType, h Handler) {
	if !t.IsValid() {
		panic(fmt.Sprintf("register: unknown job type %q", t))
	}
	r.handlers[t] = h
}

// Handle dispatches j to the handler for its type.
func (r *Registry) Handle(ctx context.Context, j job.Job) error {
	h, ok := r.handlers[JobType(j.Type)]

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, j.Type)
	}
	return h(ctx, j)
}

// Registered reports whether a handler exists for t.
func (r *Registry) Registered(t JobType) bool {
	_, ok := r.handlers[t]
	return ok
}
