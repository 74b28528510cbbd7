// Package bond reconciles raw pairing events from the lower layer into a
// stable bonded/bonding/unbonded notification stream.
//
// A device whose bond completes before service discovery has produced any
// identifiers is committed bonded immediately but its public notification is
// deferred: observers are shown "bonding" until discovery completes or a
// timeout fires, so they never act on a bonded device with an unknown
// capability set.
package bond

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btstate/internal/actor"
	"github.com/srg/btstate/internal/bus"
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
)

// DefaultNotificationDelay is how long a committed bond waits for service
// discovery before the deferred notification fires anyway.
const DefaultNotificationDelay = 6 * time.Second

// TransitionFunc observes committed bond transitions in commit order, on the
// coordinator's actor. Listeners must not block; heavy work belongs on the
// listener's own actor.
type TransitionFunc func(id device.Identity, old, new device.BondState)

type pendingBond struct {
	reason int
	timer  *actor.Timer
}

// Coordinator is the single per-adapter bonding state machine.
type Coordinator struct {
	logger   *logrus.Logger
	act      *actor.Actor
	registry *device.Registry
	commands hal.Commands
	events   *bus.Bus
	delay    time.Duration

	// pending holds devices committed bonded whose public notification is
	// deferred. Owned by the actor.
	pending   map[string]*pendingBond
	listeners []TransitionFunc
}

// NewCoordinator creates the bonding coordinator. delay <= 0 selects
// DefaultNotificationDelay.
func NewCoordinator(logger *logrus.Logger, registry *device.Registry, commands hal.Commands, events *bus.Bus, delay time.Duration) *Coordinator {
	if delay <= 0 {
		delay = DefaultNotificationDelay
	}
	return &Coordinator{
		logger:   logger,
		act:      actor.New("bond-coordinator", logger),
		registry: registry,
		commands: commands,
		events:   events,
		delay:    delay,
		pending:  make(map[string]*pendingBond),
	}
}

// Close stops the coordinator's actor.
func (c *Coordinator) Close() {
	c.act.Close()
}

// Flush waits for all previously enqueued work to commit.
func (c *Coordinator) Flush() {
	c.act.PostWait(func() {})
}

// AddListener registers a transition observer. Register before events flow.
func (c *Coordinator) AddListener(fn TransitionFunc) {
	c.act.PostWait(func() {
		c.listeners = append(c.listeners, fn)
	})
}

// CreateBond asks the lower layer to pair with the device. A device that is
// already bonding or bonded is rejected. The device's address type is
// forwarded verbatim, also on re-bonds after a completed unbond.
func (c *Coordinator) CreateBond(id device.Identity) bool {
	ok := false
	c.act.PostWait(func() {
		props := c.registry.GetOrCreate(id)
		if props.BondState() != device.BondNone {
			c.logger.WithFields(logrus.Fields{
				"address": id.Address,
				"state":   props.BondState().String(),
			}).Warn("Create bond rejected, device not unbonded")
			return
		}
		if !c.commands.CreateBond(id.Address, id.AddressType) {
			return
		}
		c.transition(id, device.BondBonding, hal.StatusSuccess, false)
		ok = true
	})
	return ok
}

// RemoveBond asks the lower layer to drop the bond with the device. Only a
// bonded device can be unbonded.
func (c *Coordinator) RemoveBond(id device.Identity) bool {
	ok := false
	c.act.PostWait(func() {
		props, found := c.registry.Get(id.Address)
		if !found || props.BondState() != device.BondBonded {
			return
		}
		ok = c.commands.RemoveBond(id.Address)
	})
	return ok
}

// HandleBondEvent feeds a lower-layer pairing state change into the machine.
func (c *Coordinator) HandleBondEvent(ev hal.BondEvent) {
	id := c.identityFor(ev.Address)
	c.act.Post(func() {
		c.transition(id, ev.State, ev.Status, false)
	})
}

// PublishTransition reconciles a requested bond state against the committed
// one and emits at most one public notification. fromTimer marks the
// deferred-notification timer firing. Blocks until committed.
func (c *Coordinator) PublishTransition(id device.Identity, requested device.BondState, reason int, fromTimer bool) {
	c.act.PostWait(func() {
		c.transition(id, requested, reason, fromTimer)
	})
}

// OnServicesDiscovered records the discovered identifier set and, if the
// device's bonded notification is deferred, finalizes it immediately.
func (c *Coordinator) OnServicesDiscovered(id device.Identity, services []uuid.UUID) {
	c.registry.SetServices(id, services)
	c.act.PostWait(func() {
		if len(services) == 0 {
			return
		}
		key := id.Key()
		p, ok := c.pending[key]
		if !ok {
			return
		}
		delete(c.pending, key)
		p.timer.Stop()
		if props, found := c.registry.Get(id.Address); found && props.BondState() == device.BondBonded {
			c.emit(id, device.BondBonding, device.BondBonded, p.reason)
		}
	})
}

// PendingContains reports whether the device's bonded notification is
// currently deferred.
func (c *Coordinator) PendingContains(id device.Identity) bool {
	found := false
	c.act.PostWait(func() {
		_, found = c.pending[id.Key()]
	})
	return found
}

func (c *Coordinator) identityFor(addr string) device.Identity {
	if props, ok := c.registry.Get(addr); ok {
		return props.Identity()
	}
	return device.Identity{Address: device.NormalizeAddress(addr)}
}

// transition runs on the actor. It implements the reconciliation rules:
// invalid states are complete no-ops; a bond completing without cached
// services is committed but publicly reported as still bonding until
// discovery or timeout; unbonding always purges the deferral.
func (c *Coordinator) transition(id device.Identity, requested device.BondState, reason int, fromTimer bool) {
	if !requested.Valid() {
		c.logger.WithFields(logrus.Fields{
			"address": id.Address,
			"state":   int(requested),
		}).Warn("Invalid bond state, ignored")
		return
	}

	props := c.registry.GetOrCreate(id)
	old := props.BondState()
	key := id.Key()
	p, isPending := c.pending[key]

	if fromTimer {
		if !isPending {
			return
		}
		delete(c.pending, key)
		p.timer.Stop()
		if old == device.BondBonded {
			c.emit(id, device.BondBonding, device.BondBonded, p.reason)
		}
		// Bond was reset in the interim: discard silently, no reschedule.
		return
	}

	if requested == device.BondBonded {
		if old == device.BondBonded {
			if !isPending {
				return
			}
			// Duplicate bonded report while deferred: finalize if services
			// arrived meanwhile, otherwise push the timeout out.
			if props.HasServices() {
				delete(c.pending, key)
				p.timer.Stop()
				c.emit(id, device.BondBonding, device.BondBonded, p.reason)
			} else {
				p.timer.Stop()
				p.timer = c.scheduleDeferred(id, p.reason)
			}
			return
		}

		c.registry.SetBondState(id, device.BondBonded)
		if props.HasServices() {
			c.emit(id, old, device.BondBonded, 0)
			return
		}
		c.pending[key] = &pendingBond{reason: reason, timer: c.scheduleDeferred(id, reason)}
		if old != device.BondBonding {
			c.emit(id, old, device.BondBonding, 0)
		}
		return
	}

	// Requested NONE or BONDING.
	if requested == old {
		return
	}
	if isPending {
		delete(c.pending, key)
		p.timer.Stop()
		if old == device.BondBonded {
			// Observers never saw the deferred bonded state.
			old = device.BondBonding
		}
	}
	c.registry.SetBondState(id, requested)
	if requested != old {
		if requested == device.BondNone {
			c.emit(id, old, device.BondNone, reason)
		} else {
			c.emit(id, old, device.BondBonding, 0)
		}
	}
	if requested == device.BondNone {
		c.registry.Remove(id.Address)
	}
}

func (c *Coordinator) scheduleDeferred(id device.Identity, reason int) *actor.Timer {
	return c.act.After(c.delay, func() {
		c.transition(id, device.BondBonded, reason, true)
	})
}

// emit publishes one committed transition, in commit order.
func (c *Coordinator) emit(id device.Identity, old, new device.BondState, reason int) {
	c.logger.WithFields(logrus.Fields{
		"address": id.Address,
		"old":     old.String(),
		"new":     new.String(),
	}).Info("Bond state changed")

	c.events.Publish(bus.BondStateChanged{Device: id, Old: old, New: new, Reason: reason})
	for _, fn := range c.listeners {
		fn(id, old, new)
	}
}
