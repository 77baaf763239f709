// Package coalesce provides a debouncing emitter that forwards at most one
// value per interval and suppresses values that did not meaningfully change.
package coalesce

import (
	"sync"
	"time"
)

// Emitter coalesces a stream of values. The first change after a quiet
// period is emitted immediately; later changes inside the interval are
// buffered and only the latest is emitted when the interval elapses.
type Emitter[T any] struct {
	interval time.Duration
	changed  func(prev, next T) bool
	emit     func(T)

	mu         sync.Mutex
	last       T
	hasLast    bool
	pending    T
	hasPending bool
	lastEmit   time.Time
	timer      *time.Timer
	stopped    bool
}

// New creates an emitter. changed reports whether next differs from the last
// emitted value in a way worth sending; nil means every value counts.
func New[T any](interval time.Duration, changed func(prev, next T) bool, emit func(T)) *Emitter[T] {
	if changed == nil {
		changed = func(T, T) bool { return true }
	}
	return &Emitter[T]{interval: interval, changed: changed, emit: emit}
}

// Offer submits a value.
func (e *Emitter[T]) Offer(v T) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	if e.hasLast && !e.hasPending && !e.changed(e.last, v) {
		e.mu.Unlock()
		return
	}

	e.pending = v
	e.hasPending = true

	if e.timer != nil {
		e.mu.Unlock()
		return
	}

	wait := e.interval - time.Since(e.lastEmit)
	if wait > 0 {
		e.timer = time.AfterFunc(wait, e.fire)
		e.mu.Unlock()
		return
	}

	out, ok := e.takeLocked()
	e.mu.Unlock()
	if ok {
		e.emit(out)
	}
}

// Flush emits any buffered value immediately.
func (e *Emitter[T]) Flush() {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	out, ok := e.takeLocked()
	e.mu.Unlock()
	if ok {
		e.emit(out)
	}
}

// Stop discards buffered values and ignores further offers.
func (e *Emitter[T]) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	e.hasPending = false
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Emitter[T]) fire() {
	e.mu.Lock()
	e.timer = nil
	if e.stopped {
		e.mu.Unlock()
		return
	}
	out, ok := e.takeLocked()
	e.mu.Unlock()
	if ok {
		e.emit(out)
	}
}

func (e *Emitter[T]) takeLocked() (T, bool) {
	var zero T
	if !e.hasPending {
		return zero, false
	}
	v := e.pending
	e.pending = zero
	e.hasPending = false

	if e.hasLast && !e.changed(e.last, v) {
		return zero, false
	}

	e.last = v
	e.hasLast = true
	e.lastEmit = time.Now()
	return v, true
}
