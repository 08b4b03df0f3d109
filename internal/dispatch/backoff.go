package dispatch

import "time"

const (
	idleBase = 500 * time.Millisecond
	idleMax  = 5 * time.Second
)

// idleBackoff doubles the sleep between empty iterations and snaps back
// to the base the moment any work is done.
type idleBackoff struct {
	next time.Duration
}

func newIdleBackoff() *idleBackoff {
	return &idleBackoff{next: idleBase}
}

func (b *idleBackoff) Next() time.Duration {
	d := b.next
	b.next *= 2

	if b.next > idleMax {
		b.next = idleMax
	}
	return d
}

func (b *idleBackoff) Reset() {
	b.next = idleBase
}
