// Package actor provides the single-threaded FIFO mailboxes that serialize
// all state mutation in this module. Each component (device registry, policy
// store writer, bonding coordinator, per-profile coordinator) owns exactly one
// Actor; callers from any goroutine enqueue work with Post and may wait for
// completion with PostWait. Timers are scheduled onto the owning actor's
// queue and carry a staleness token so that a cancelled timer firing
// concurrently is a no-op rather than a race.
package actor

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/srg/btstate/internal/groutine"
)

// inboxSize bounds how many enqueued closures an actor buffers before
// posters start blocking. Hardware event bursts stay well below this.
const inboxSize = 256

// Actor is a named, single-goroutine FIFO work queue.
type Actor struct {
	name   string
	logger *logrus.Logger

	inbox chan func()
	done  chan struct{}

	closed atomic.Bool
	gid    atomic.Uint64
}

// New creates an Actor and starts its goroutine.
func New(name string, logger *logrus.Logger) *Actor {
	a := &Actor{
		name:   name,
		logger: logger,
		inbox:  make(chan func(), inboxSize),
		done:   make(chan struct{}),
	}
	groutine.Go(context.Background(), name, a.loop)
	return a
}

// Name returns the actor's name as used for the goroutine pprof label.
func (a *Actor) Name() string {
	return a.name
}

func (a *Actor) loop(ctx context.Context) {
	defer close(a.done)
	a.gid.Store(groutine.GetGID())

	for fn := range a.inbox {
		if fn == nil {
			// Close sentinel. Everything posted before it has already run.
			return
		}
		fn()
	}
}

// Running reports whether fn would execute on this actor's goroutine right
// now, i.e. whether the caller is already inside the actor.
func (a *Actor) Running() bool {
	return a.gid.Load() == groutine.GetGID()
}

// Post enqueues fn for execution on the actor goroutine. It returns false if
// the actor has been closed and fn will never run.
func (a *Actor) Post(fn func()) bool {
	if a.closed.Load() {
		return false
	}
	select {
	case a.inbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// PostWait enqueues fn and blocks until it has executed. Calls made from the
// actor's own goroutine run fn inline, so a handler may safely call back into
// its owner without deadlocking.
func (a *Actor) PostWait(fn func()) bool {
	if a.Running() {
		fn()
		return true
	}

	ran := make(chan struct{})
	if !a.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}

	select {
	case <-ran:
		return true
	case <-a.done:
		// The actor may have run fn just before shutting down.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops the actor after all previously posted work has run and waits
// for the goroutine to exit. Further Posts are rejected. Close is idempotent.
func (a *Actor) Close() {
	if a.closed.CompareAndSwap(false, true) {
		select {
		case a.inbox <- nil:
		case <-a.done:
		}
	}
	<-a.done
	if a.logger != nil {
		a.logger.WithField("actor", a.name).Debug("Actor stopped")
	}
}
