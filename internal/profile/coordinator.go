package profile

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btstate/internal/actor"
	"github.com/srg/btstate/internal/bus"
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
	"github.com/srg/btstate/internal/storage"
)

// DefaultConnectTimeout bounds how long an outgoing connect may stay
// unconfirmed before a synthetic disconnected event resolves it.
const DefaultConnectTimeout = 30 * time.Second

// Options tunes one service's coordinator.
type Options struct {
	// Ceiling is the maximum number of devices with an established or
	// establishing link. Values below 1 select 1.
	Ceiling int
	// ConnectTimeout overrides DefaultConnectTimeout when positive.
	ConnectTimeout time.Duration
}

// Coordinator owns the pool of connection machines for one service. All
// machine state lives on the coordinator's actor, so ceiling and
// active-device checks across devices are atomic with respect to each other.
type Coordinator struct {
	logger   *logrus.Logger
	act      *actor.Actor
	cap      Capability
	registry *device.Registry
	store    *storage.Store
	commands hal.Commands
	events   *bus.Bus

	ceiling        int
	connectTimeout time.Duration

	// Owned by the actor.
	machines map[string]*machine
	active   string
}

// NewCoordinator creates the coordinator for one service and starts its actor.
func NewCoordinator(logger *logrus.Logger, cap Capability, registry *device.Registry, store *storage.Store, commands hal.Commands, events *bus.Bus, opts Options) *Coordinator {
	ceiling := opts.Ceiling
	if ceiling < 1 {
		ceiling = 1
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return &Coordinator{
		logger:         logger,
		act:            actor.New("profile-"+cap.Name(), logger),
		cap:            cap,
		registry:       registry,
		store:          store,
		commands:       commands,
		events:         events,
		ceiling:        ceiling,
		connectTimeout: timeout,
		machines:       make(map[string]*machine),
	}
}

// Close stops all pending timers and the coordinator's actor.
func (c *Coordinator) Close() {
	c.act.PostWait(func() {
		for _, m := range c.machines {
			m.stopTimer()
		}
	})
	c.act.Close()
}

// Flush waits for all previously enqueued work to commit.
func (c *Coordinator) Flush() {
	c.act.PostWait(func() {})
}

// Name returns the service identifier this coordinator serves.
func (c *Coordinator) Name() string {
	return c.cap.Name()
}

// Connect starts an outgoing connection to the device. It fails without
// side effects when the policy gate rejects the device, when the link ceiling
// is reached, when a link is already up, or when the lower layer refuses the
// command.
func (c *Coordinator) Connect(id device.Identity) bool {
	ok := false
	c.act.PostWait(func() {
		key := id.Key()
		bond := device.BondNone
		if props, found := c.registry.Get(key); found {
			bond = props.BondState()
		}
		policy := c.store.Policy(key, c.cap.Name())
		if !c.cap.ConnectAllowed(bond, policy) {
			c.logger.WithFields(logrus.Fields{
				"profile": c.cap.Name(),
				"address": id.Address,
				"policy":  policy.String(),
				"bond":    bond.String(),
			}).Warn("Connect rejected by policy gate")
			return
		}
		if m := c.machines[key]; m != nil && m.linkUp() {
			return
		}
		if c.linkCount() >= c.ceiling {
			c.logger.WithFields(logrus.Fields{
				"profile": c.cap.Name(),
				"address": id.Address,
				"ceiling": c.ceiling,
			}).Warn("Connect rejected, link ceiling reached")
			return
		}
		if !c.cap.Connect(c.commands, id.Address) {
			return
		}
		m := c.machines[key]
		if m == nil {
			m = newMachine(id)
			c.machines[key] = m
		}
		c.applyState(m, device.StateConnecting)
		m.connectTimer = c.act.After(c.connectTimeout, func() {
			c.connectTimedOut(key)
		})
		ok = true
	})
	return ok
}

// Disconnect asks the lower layer to drop the device's link. State changes
// only when the resulting event arrives.
func (c *Coordinator) Disconnect(id device.Identity) bool {
	ok := false
	c.act.PostWait(func() {
		m := c.machines[id.Key()]
		if m == nil || !m.linkUp() {
			return
		}
		ok = c.cap.Disconnect(c.commands, id.Address)
	})
	return ok
}

// HandleConnectionEvent feeds one lower-layer connection event into the
// machine pool. Events for a device with no machine create one only when
// they report an establishing or established link.
func (c *Coordinator) HandleConnectionEvent(ev hal.ConnectionEvent) {
	if ev.Profile != c.cap.Name() {
		return
	}
	state, ok := c.cap.DecodeEvent(ev)
	if !ok {
		c.logger.WithFields(logrus.Fields{
			"profile": c.cap.Name(),
			"address": ev.Address,
			"state":   int(ev.State),
		}).Debug("Discarded undecodable connection event")
		return
	}
	c.act.Post(func() {
		key := device.NormalizeAddress(ev.Address)
		m := c.machines[key]
		if m == nil {
			if state != device.StateConnecting && state != device.StateConnected {
				return
			}
			m = newMachine(c.identityFor(ev.Address))
			c.machines[key] = m
		}
		c.applyState(m, state)
	})
}

// OnBondStateChanged tears down the device's machine on unbond, emitting a
// final synthetic disconnected notification when a link was still tracked.
func (c *Coordinator) OnBondStateChanged(id device.Identity, _, new device.BondState) {
	if new != device.BondNone {
		return
	}
	c.act.Post(func() {
		key := id.Key()
		m := c.machines[key]
		if m == nil {
			return
		}
		if m.state != device.StateDisconnected {
			c.applyState(m, device.StateDisconnected)
		}
		delete(c.machines, key)
	})
}

// SetActive makes the device the single active one for this service. The
// previous holder loses the status as an intentional handoff, so no
// interruption signal is raised.
func (c *Coordinator) SetActive(id device.Identity) bool {
	ok := false
	c.act.PostWait(func() {
		key := id.Key()
		m := c.machines[key]
		if m == nil || !m.connected() {
			return
		}
		ok = true
		if c.active == key {
			return
		}
		c.active = key
		c.events.Publish(bus.ActiveDeviceChanged{Profile: c.cap.Name(), Device: m.id})
	})
	return ok
}

// ClearActive intentionally releases the active status. No interruption
// signal is raised.
func (c *Coordinator) ClearActive() {
	c.act.PostWait(func() {
		if c.active == "" {
			return
		}
		c.active = ""
		c.events.Publish(bus.ActiveDeviceChanged{Profile: c.cap.Name()})
	})
}

// ActiveDevice returns the current active device, if any.
func (c *Coordinator) ActiveDevice() (device.Identity, bool) {
	var id device.Identity
	found := false
	c.act.PostWait(func() {
		if c.active == "" {
			return
		}
		if m := c.machines[c.active]; m != nil {
			id = m.id
			found = true
		}
	})
	return id, found
}

// State returns the tracked connection state for the device, disconnected
// when no machine exists.
func (c *Coordinator) State(id device.Identity) device.ConnectionState {
	state := device.StateDisconnected
	c.act.PostWait(func() {
		if m := c.machines[id.Key()]; m != nil {
			state = m.state
		}
	})
	return state
}

// ConnectedDevices returns the devices with an established link.
func (c *Coordinator) ConnectedDevices() []device.Identity {
	var out []device.Identity
	c.act.PostWait(func() {
		for _, m := range c.machines {
			if m.connected() {
				out = append(out, m.id)
			}
		}
	})
	return out
}

// connectTimedOut runs on the actor when an outgoing connect was never
// confirmed. The unconfirmed attempt resolves as if the lower layer had
// reported a disconnect.
func (c *Coordinator) connectTimedOut(key string) {
	m := c.machines[key]
	if m == nil || m.state != device.StateConnecting {
		return
	}
	m.connectTimer = nil
	c.logger.WithFields(logrus.Fields{
		"profile": c.cap.Name(),
		"address": m.id.Address,
		"timeout": c.connectTimeout,
	}).Warn("Connect unconfirmed, forcing disconnect")
	c.applyState(m, device.StateDisconnected)
}

// applyState commits one transition, runs on the actor. Notifications are
// emitted in commit order. A transition to disconnected handles abrupt loss
// of the active status and tears the machine down when the device is no
// longer bonded.
func (c *Coordinator) applyState(m *machine, next device.ConnectionState) {
	old := m.state
	if next == old {
		return
	}
	m.state = next
	if next != device.StateConnecting {
		m.stopTimer()
	}

	c.logger.WithFields(logrus.Fields{
		"profile": c.cap.Name(),
		"address": m.id.Address,
		"old":     old.String(),
		"new":     next.String(),
	}).Info("Connection state changed")
	c.events.Publish(bus.ConnectionStateChanged{
		Profile: c.cap.Name(),
		Device:  m.id,
		Old:     old,
		New:     next,
	})

	if next != device.StateDisconnected {
		return
	}
	key := m.id.Key()
	if c.active == key {
		// The holder dropped without a handoff.
		c.active = ""
		c.events.Publish(bus.AudioInterrupted{Profile: c.cap.Name(), Device: m.id})
		c.events.Publish(bus.ActiveDeviceChanged{Profile: c.cap.Name()})
	}
	if !c.bonded(key) {
		delete(c.machines, key)
	}
}

func (c *Coordinator) bonded(addr string) bool {
	props, ok := c.registry.Get(addr)
	return ok && props.BondState() == device.BondBonded
}

func (c *Coordinator) identityFor(addr string) device.Identity {
	if props, ok := c.registry.Get(addr); ok {
		return props.Identity()
	}
	return device.Identity{Address: device.NormalizeAddress(addr)}
}

func (c *Coordinator) linkCount() int {
	n := 0
	for _, m := range c.machines {
		if m.linkUp() {
			n++
		}
	}
	return n
}
