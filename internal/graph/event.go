package graph

import (
	"context"
	"sync"
)

// Event is a reusable waker: any number of goroutines can Listen for
// the next Notify, and a single Notify wakes every listener registered
// before it fired: at-most-once wakeup per waiting reader per
// version. Re-checking the condition after waking is
// the caller's responsibility; a spurious wakeup is harmless because
// the caller always re-validates before trusting the result.
//
// This is the Go translation of the Rust event-listener crate's
// Event/EventListener pair used throughout original_source's
// manager.rs (self.event.listen() / self.event.notify(usize::MAX)):
// closing a channel wakes every current receiver exactly once, which
// is the idiomatic Go equivalent of notify(usize::MAX).
type Event struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewEvent returns a ready-to-use Event.
func NewEvent() *Event {
	return &Event{ch: make(chan struct{})}
}

// Listener is a single registration against an Event's current
// generation. It must be Waited at most once.
type Listener struct {
	ch chan struct{}
}

// Listen registers for the next Notify. Callers should re-check the
// condition they care about after Listen returns but before Wait-ing,
// to avoid missing a Notify that fired between the check and the
// Listen call (the same race the original Rust call sites guard
// against by calling listen() before the second atomic load).
func (e *Event) Listen() *Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &Listener{ch: e.ch}
}

// Notify wakes every Listener registered since the last Notify.
func (e *Event) Notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}

// Wait blocks until the Event fires or ctx is done.
func (l *Listener) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns the raw channel, for callers (e.g. select loops in the
// scheduler) that want to wait on several listeners at once without
// spawning a goroutine per Wait.
func (l *Listener) Done() <-chan struct{} { return l.ch }
