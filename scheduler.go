package bosh

import (
	"sync"
	"time"
)

// Executor runs scheduled callbacks for the empty-request and I/O timeout
// timers (spec.md §6 "executor (optional externally-provided scheduler)").
// A Session uses realExecutor, which wraps time.AfterFunc directly, unless
// WithExecutor supplies another; tests substitute a fake to drive timers
// deterministically.
type Executor interface {
	AfterFunc(d time.Duration, fn func()) Canceler
}

// Canceler stops a scheduled callback. Stop is idempotent and safe to call
// after the callback has already fired (spec.md §5 "Timer cancellation is
// idempotent and non-interrupting").
type Canceler interface {
	Stop() bool
}

type realExecutor struct{}

func (realExecutor) AfterFunc(d time.Duration, fn func()) Canceler {
	return time.AfterFunc(d, fn)
}

// singleTimer owns at most one in-flight Canceler at a time and makes
// cancellation explicit (spec.md §9 "store timer handles so cancellation
// is explicit"). It backs both the empty-request timer and the I/O
// timeout timer described in spec.md §4.7 and §4.11.
type singleTimer struct {
	mu       sync.Mutex
	exec     Executor
	canceler Canceler
}

func newSingleTimer(exec Executor) *singleTimer {
	if exec == nil {
		exec = realExecutor{}
	}
	return &singleTimer{exec: exec}
}

// schedule arms the timer for d if none is currently pending, and reports
// whether it did so. Scheduling while one is already pending is a no-op,
// per spec.md §4.7 "Only one empty-request task may be scheduled at a
// time; scheduling while one is pending is a no-op."
func (t *singleTimer) schedule(d time.Duration, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceler != nil {
		return false
	}
	t.canceler = t.exec.AfterFunc(d, func() {
		t.mu.Lock()
		t.canceler = nil
		t.mu.Unlock()
		fn()
	})
	return true
}

// cancel stops any pending timer. Safe to call with nothing pending.
func (t *singleTimer) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceler != nil {
		t.canceler.Stop()
		t.canceler = nil
	}
}

// reset cancels any pending timer and arms a new one unconditionally, used
// by the I/O timeout, which spec.md §4.11 requires be rescheduled on every
// receive-loop iteration regardless of whether one was already pending.
func (t *singleTimer) reset(d time.Duration, fn func()) {
	t.cancel()
	t.schedule(d, fn)
}

// pending reports whether a timer is currently armed.
func (t *singleTimer) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceler != nil
}
