package actor

import (
	"sync/atomic"
	"time"
)

// Timer is a one-shot timer whose callback executes on the owning actor's
// goroutine. Each scheduled timer is its own token: Stop marks the token
// stale, and a fire that was already in flight observes the stale token on
// the actor goroutine and does nothing. There is no cross-goroutine
// cancellation race to win.
type Timer struct {
	t     *time.Timer
	stale atomic.Bool
}

// After schedules fn to run on the actor after d. The returned Timer can be
// stopped from the actor goroutine at any point before or while it fires.
func (a *Actor) After(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		a.Post(func() {
			if tm.stale.Load() {
				return
			}
			tm.stale.Store(true)
			fn()
		})
	})
	return tm
}

// Stop invalidates the timer. A concurrently firing callback becomes a no-op.
// Stop reports whether the callback had not yet run.
func (tm *Timer) Stop() bool {
	first := tm.stale.CompareAndSwap(false, true)
	tm.t.Stop()
	return first
}

// Stopped reports whether the timer has fired or been stopped.
func (tm *Timer) Stopped() bool {
	return tm.stale.Load()
}
