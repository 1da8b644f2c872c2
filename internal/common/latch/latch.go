// Package latch provides a manual-reset asynchronous gate.
package latch

import (
	"context"
	"sync"
)

// Latch is a manual-reset async gate. Waiters block until the latch is
// set; Set releases all current and future waiters until Reset. PulseAll
// releases every waiter registered before the call and leaves the latch
// unset, with no window in which a released waiter can observe the next
// generation as already set.
type Latch struct {
	mu   sync.Mutex
	gate chan struct{}
	set  bool
}

// New returns an unset latch.
func New() *Latch {
	return &Latch{gate: make(chan struct{})}
}

// Set opens the gate, releasing all current waiters. Idempotent.
func (l *Latch) Set() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		return
	}
	l.set = true
	close(l.gate)
}

// Reset closes the gate again. No-op if already unset.
func (l *Latch) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		return
	}
	l.set = false
	l.gate = make(chan struct{})
}

// PulseAll releases all waiters registered before the call and leaves the
// latch unset. The swap of the underlying channel happens under the lock,
// so a released waiter that immediately calls Wait blocks on the fresh
// generation.
func (l *Latch) PulseAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.set {
		// Already open; pulse degenerates to a reset.
		l.set = false
		l.gate = make(chan struct{})
		return
	}
	old := l.gate
	l.gate = make(chan struct{})
	close(old)
}

// IsSet reports whether the latch is currently set.
func (l *Latch) IsSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.set
}

// WaitChan returns the channel for the current generation. Closed when
// the latch is set or pulsed. Callers that need to re-check a condition
// must grab the channel before checking, so a pulse between the check
// and the wait still wakes them.
func (l *Latch) WaitChan() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gate
}

// Wait blocks until the latch is set (or pulsed), or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
