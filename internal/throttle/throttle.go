// Package throttle rate-limits pushes of a changing value to a slow link.
package throttle

import (
	"sync"
	"time"
)

// Throttle remembers the last value sent on one channel and when it was sent.
// A candidate is eligible when it differs from the last value (or nothing was
// sent yet) and at least Interval has elapsed since the last send.
//
// Throttles never queue: a rejected candidate is simply offered again on the
// next attempt, so the latest value always wins.
type Throttle[T comparable] struct {
	mu       sync.Mutex
	interval time.Duration
	last     T
	lastAt   time.Time
	sent     bool
}

// New returns a throttle with the given minimum interval between sends.
func New[T comparable](interval time.Duration) *Throttle[T] {
	return &Throttle[T]{interval: interval}
}

// Interval returns the configured minimum spacing.
func (t *Throttle[T]) Interval() time.Duration {
	return t.interval
}

// ShouldSend reports whether v may be sent at now.
func (t *Throttle[T]) ShouldSend(now time.Time, v T) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sent && v == t.last {
		return false
	}
	if t.sent && now.Sub(t.lastAt) < t.interval {
		return false
	}
	return true
}

// SetLastSent records that v was sent at now.
func (t *Throttle[T]) SetLastSent(now time.Time, v T) {
	t.mu.Lock()
	t.last = v
	t.lastAt = now
	t.sent = true
	t.mu.Unlock()
}

// Reset forgets the last send, making the next candidate eligible.
func (t *Throttle[T]) Reset() {
	t.mu.Lock()
	var zero T
	t.last = zero
	t.lastAt = time.Time{}
	t.sent = false
	t.mu.Unlock()
}
