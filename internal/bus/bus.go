// Package bus delivers state-change events to external observers in the
// order they were committed. Publishing never blocks the committing actor: a
// subscriber that cannot keep up loses its oldest buffered events and the
// loss is accounted, but the events it does receive stay in commit order and
// always include the most recent ones.
package bus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	ErrClosed           = errors.New("bus: closed")
	ErrSubscriberExists = errors.New("bus: subscriber already exists")
)

// DefaultBuffer is the per-subscriber channel depth used by Subscribe.
const DefaultBuffer = 64

// Subscription is one observer's ordered event feed.
type Subscription struct {
	id      string
	ch      chan interface{}
	dropped atomic.Uint64
}

// Events returns the ordered event channel. It is closed when the
// subscription is removed or the bus shuts down.
func (s *Subscription) Events() <-chan interface{} {
	return s.ch
}

// Dropped returns how many events were lost because the subscriber lagged.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fan-outs committed events to subscribers.
type Bus struct {
	logger *logrus.Logger

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
}

// New creates an empty Bus.
func New(logger *logrus.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Subscribe registers an observer under a unique id.
func (b *Bus) Subscribe(id string) (*Subscription, error) {
	return b.SubscribeBuffer(id, DefaultBuffer)
}

// SubscribeBuffer registers an observer with an explicit channel depth.
func (b *Bus) SubscribeBuffer(id string, buffer int) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.subs[id]; exists {
		return nil, ErrSubscriberExists
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscription{id: id, ch: make(chan interface{}, buffer)}
	b.subs[id] = sub
	return sub, nil
}

// Unsubscribe removes an observer and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber without blocking. Publishers are
// serialized on the bus lock, so all subscribers observe the same order.
func (b *Bus) Publish(ev interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		// Full buffer: evict the oldest event so the newest state stays
		// observable. A lagging subscriber loses history, never a terminal
		// transition.
		lost := false
		select {
		case <-sub.ch:
			lost = true
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			lost = true
		}
		if lost {
			sub.dropped.Add(1)
			if b.logger != nil {
				b.logger.WithFields(logrus.Fields{
					"subscriber": sub.id,
					"dropped":    sub.dropped.Load(),
				}).Warn("Subscriber lagging, oldest event dropped")
			}
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
