// Package adapter assembles the device lifecycle subsystem: one explicitly
// owned instance wires the registry, policy store, notification bus, bonding
// coordinator and per-service coordinators together, with a defined
// start/stop lifecycle instead of process-wide singletons.
package adapter

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btstate/internal/bond"
	"github.com/srg/btstate/internal/bus"
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
	"github.com/srg/btstate/internal/profile"
	"github.com/srg/btstate/internal/storage"
	"github.com/srg/btstate/pkg/config"
)

// Adapter owns every component of the subsystem. Events from the lower layer
// enter through the Handle* methods; observers subscribe on Events().
type Adapter struct {
	logger   *logrus.Logger
	cfg      *config.Config
	commands hal.Commands

	events   *bus.Bus
	registry *device.Registry
	store    *storage.Store
	bonds    *bond.Coordinator
	profiles []*profile.Coordinator

	mu      sync.Mutex
	started bool
}

// New creates an adapter. Nothing is constructed until Start.
func New(cfg *config.Config, logger *logrus.Logger, commands hal.Commands) *Adapter {
	return &Adapter{
		logger:   logger,
		cfg:      cfg,
		commands: commands,
	}
}

// Start builds and wires all components. It is an error to start twice
// without an intervening Stop.
func (a *Adapter) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("adapter already started")
	}

	a.events = bus.New(a.logger)
	a.registry = device.NewRegistry(a.logger, func(id device.Identity, level int) {
		a.events.Publish(bus.BatteryLevelChanged{Device: id, Level: level})
	})

	store, err := storage.Open(a.cfg.DatabasePath, a.logger)
	if err != nil {
		a.events.Close()
		a.registry.Close()
		return fmt.Errorf("failed to open policy store: %w", err)
	}
	a.store = store
	a.store.OnChange(func(c storage.Change) {
		if c.Kind != storage.ChangeMetadata {
			return
		}
		a.events.Publish(bus.MetadataChanged{
			Device: a.identityFor(c.Address),
			Key:    c.Key,
			Value:  c.Value,
		})
	})

	a.bonds = bond.NewCoordinator(a.logger, a.registry, a.commands, a.events, a.cfg.BondedNotificationDelay)
	a.profiles = []*profile.Coordinator{
		profile.NewCoordinator(a.logger, profile.Audio, a.registry, a.store, a.commands, a.events, profile.Options{
			Ceiling:        a.cfg.Audio.Ceiling,
			ConnectTimeout: a.cfg.Audio.ConnectTimeout,
		}),
		profile.NewCoordinator(a.logger, profile.CallControl, a.registry, a.store, a.commands, a.events, profile.Options{
			Ceiling:        a.cfg.CallControl.Ceiling,
			ConnectTimeout: a.cfg.CallControl.ConnectTimeout,
		}),
		profile.NewCoordinator(a.logger, profile.Input, a.registry, a.store, a.commands, a.events, profile.Options{
			Ceiling:        a.cfg.Input.Ceiling,
			ConnectTimeout: a.cfg.Input.ConnectTimeout,
		}),
	}

	a.bonds.AddListener(func(id device.Identity, old, new device.BondState) {
		for _, p := range a.profiles {
			p.OnBondStateChanged(id, old, new)
		}
		if new == device.BondNone {
			a.collectGarbage()
		}
	})

	a.started = true
	a.logger.Info("Adapter started")
	return nil
}

// Stop tears the components down in dependency order and flushes the store.
func (a *Adapter) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return
	}
	for _, p := range a.profiles {
		p.Close()
	}
	a.bonds.Close()
	a.registry.Close()
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).Warn("Policy store close failed")
	}
	a.events.Close()

	a.profiles = nil
	a.started = false
	a.logger.Info("Adapter stopped")
}

// Events returns the notification bus. Valid after Start.
func (a *Adapter) Events() *bus.Bus { return a.events }

// Registry returns the device property cache. Valid after Start.
func (a *Adapter) Registry() *device.Registry { return a.registry }

// Store returns the connection policy store. Valid after Start.
func (a *Adapter) Store() *storage.Store { return a.store }

// Bonds returns the bonding coordinator. Valid after Start.
func (a *Adapter) Bonds() *bond.Coordinator { return a.bonds }

// Profile returns the coordinator serving the named service.
func (a *Adapter) Profile(name string) (*profile.Coordinator, bool) {
	for _, p := range a.profiles {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// HandleBondEvent routes a lower-layer pairing event.
func (a *Adapter) HandleBondEvent(ev hal.BondEvent) {
	a.bonds.HandleBondEvent(ev)
}

// HandleConnectionEvent routes a lower-layer connection event to the
// coordinator serving its service. A dropped call-control link resets the
// vendor-reported battery level; a richer battery service keeps reporting
// through its own channel.
func (a *Adapter) HandleConnectionEvent(ev hal.ConnectionEvent) {
	for _, p := range a.profiles {
		p.HandleConnectionEvent(ev)
	}
	if ev.Profile == profile.CallControl.Name() && ev.State == device.StateDisconnected {
		a.registry.ResetBatteryLevel(a.identityFor(ev.Address), false)
	}
}

// HandleServicesDiscovered records a discovery result and finalizes any
// deferred bonded notification. Identifiers that do not parse are skipped.
func (a *Adapter) HandleServicesDiscovered(ev hal.ServicesDiscoveredEvent) {
	services := make([]uuid.UUID, 0, len(ev.Services))
	for _, raw := range ev.Services {
		u, err := uuid.Parse(raw)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"address": ev.Address,
				"service": raw,
			}).Warn("Skipping unparsable service identifier")
			continue
		}
		services = append(services, u)
	}
	a.bonds.OnServicesDiscovered(a.identityFor(ev.Address), services)
}

// HandleVendorBatteryEvent decodes and applies a vendor battery indication.
func (a *Adapter) HandleVendorBatteryEvent(ev hal.VendorBatteryEvent) {
	a.registry.HandleVendorBatteryEvent(a.identityFor(ev.Address), ev.Event, ev.Args)
}

// HandleBatteryLevel applies a direct battery report. rich marks the
// dedicated battery service as the source.
func (a *Adapter) HandleBatteryLevel(addr string, level int, rich bool) {
	a.registry.UpdateBatteryLevel(a.identityFor(addr), level, rich)
}

// CreateBond starts pairing with the device.
func (a *Adapter) CreateBond(id device.Identity) bool {
	return a.bonds.CreateBond(id)
}

// RemoveBond drops the bond with the device.
func (a *Adapter) RemoveBond(id device.Identity) bool {
	return a.bonds.RemoveBond(id)
}

// Connect starts an outgoing connection on the named service.
func (a *Adapter) Connect(profileName string, id device.Identity) bool {
	p, ok := a.Profile(profileName)
	return ok && p.Connect(id)
}

// Disconnect drops the device's link on the named service.
func (a *Adapter) Disconnect(profileName string, id device.Identity) bool {
	p, ok := a.Profile(profileName)
	return ok && p.Disconnect(id)
}

// SetPolicy stores the connection policy for (device, service).
func (a *Adapter) SetPolicy(id device.Identity, profileName string, policy storage.Policy) error {
	return a.store.SetPolicy(id.Key(), profileName, policy)
}

// SetDeviceMetadata stores a metadata blob in the cache and mirrors it
// durably.
func (a *Adapter) SetDeviceMetadata(id device.Identity, key device.MetadataKey, value []byte) error {
	if !a.registry.SetMetadata(id, key, value) {
		return storage.ErrUnknownMetadataKey
	}
	return a.store.SetMetadata(id.Key(), key, value)
}

// FactoryReset clears all device state, durable and cached. The local
// bookkeeping records survive.
func (a *Adapter) FactoryReset() {
	a.store.FactoryReset()
	a.registry.Reset()
	a.logger.Warn("Factory reset complete")
}

// collectGarbage drops stored records for devices that are no longer bonded.
func (a *Adapter) collectGarbage() {
	var bonded []string
	for _, id := range a.registry.Known() {
		if props, ok := a.registry.Get(id.Address); ok && props.BondState() == device.BondBonded {
			bonded = append(bonded, id.Key())
		}
	}
	if n := a.store.GarbageCollect(bonded); n > 0 {
		a.logger.WithField("removed", n).Info("Policy records collected")
	}
}

func (a *Adapter) identityFor(addr string) device.Identity {
	if props, ok := a.registry.Get(addr); ok {
		return props.Identity()
	}
	return device.Identity{Address: device.NormalizeAddress(addr)}
}
