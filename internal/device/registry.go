package device

import (
	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/btstate/internal/actor"
)

// LocalAddress keys the adapter's own bookkeeping pseudo-entry in the
// registry and in the durable store. It is never
// removed, not even by Reset.
const LocalAddress = "00:00:00:00:00:00"

// BatteryFunc receives externally visible battery level changes.
type BatteryFunc func(id Identity, level int)

// Registry is the in-memory cache of per-device observable properties.
//
// Lookup and lazy creation are lock-free and idempotent: concurrent first
// references to the same address observe the same Properties instance. All
// mutation runs on the registry's single actor; the mutating methods block
// until the mutation has been committed so callers read their own writes.
type Registry struct {
	logger *logrus.Logger
	act    *actor.Actor

	devices *hashmap.Map[string, *Properties]
	local   *Properties

	notifyBattery BatteryFunc
}

// NewRegistry creates a Registry and starts its actor. notifyBattery may be
// nil when no observer cares about battery changes.
func NewRegistry(logger *logrus.Logger, notifyBattery BatteryFunc) *Registry {
	r := &Registry{
		logger:        logger,
		act:           actor.New("device-registry", logger),
		devices:       hashmap.New[string, *Properties](),
		local:         newProperties(Identity{Address: LocalAddress, Type: TypeDual}),
		notifyBattery: notifyBattery,
	}
	return r
}

// Close stops the registry actor.
func (r *Registry) Close() {
	r.act.Close()
}

// Flush waits until every previously enqueued mutation has committed.
func (r *Registry) Flush() {
	r.act.PostWait(func() {})
}

// Local returns the registry's own bookkeeping pseudo-entry.
func (r *Registry) Local() *Properties {
	return r.local
}

// GetOrCreate returns the properties for id, creating them on first
// reference. Creation is race-free: concurrent callers get the same
// instance.
func (r *Registry) GetOrCreate(id Identity) *Properties {
	key := id.Key()
	if key == LocalAddress {
		return r.local
	}
	if p, ok := r.devices.Get(key); ok {
		return p
	}
	p, loaded := r.devices.GetOrInsert(key, newProperties(id))
	if !loaded && r.logger != nil {
		r.logger.WithField("address", id.Address).Debug("Device added to registry")
	}
	return p
}

// Get returns the properties for addr if the device is known.
func (r *Registry) Get(addr string) (*Properties, bool) {
	key := NormalizeAddress(addr)
	if key == LocalAddress {
		return r.local, true
	}
	return r.devices.Get(key)
}

// Known returns the identities of every cached device, the bookkeeping
// pseudo-entry excluded.
func (r *Registry) Known() []Identity {
	var out []Identity
	r.devices.Range(func(_ string, p *Properties) bool {
		out = append(out, p.Identity())
		return true
	})
	return out
}

// Remove drops a device from the cache. Called when a bond is explicitly
// removed.
func (r *Registry) Remove(addr string) {
	key := NormalizeAddress(addr)
	if key == LocalAddress {
		return
	}
	r.act.PostWait(func() {
		if r.devices.Del(key) && r.logger != nil {
			r.logger.WithField("address", addr).Debug("Device removed from registry")
		}
	})
}

// Reset clears every cached device except the bookkeeping pseudo-entry.
func (r *Registry) Reset() {
	r.act.PostWait(func() {
		r.devices.Range(func(key string, _ *Properties) bool {
			r.devices.Del(key)
			return true
		})
	})
}

// SetBondState commits a bond state for the device, creating it if unseen.
func (r *Registry) SetBondState(id Identity, state BondState) {
	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		p.bondState = state
		p.mu.Unlock()
	})
}

// SetServices replaces the discovered service identifier set.
func (r *Registry) SetServices(id Identity, services []uuid.UUID) {
	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		p.services = append([]uuid.UUID(nil), services...)
		p.mu.Unlock()
	})
}

// SetCoordinatedSetMember records coordinated-set membership.
func (r *Registry) SetCoordinatedSetMember(id Identity, member bool) {
	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		p.coordinatedSetMember = member
		p.mu.Unlock()
	})
}

// SetAudioPolicy stores the audio-routing policy snapshot.
func (r *Registry) SetAudioPolicy(id Identity, policy AudioPolicy) {
	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		p.audioPolicy = policy
		p.mu.Unlock()
	})
}

// SetMetadata stores a metadata blob. It reports false for a key outside
// the enumerated set, with no mutation.
func (r *Registry) SetMetadata(id Identity, key MetadataKey, value []byte) bool {
	if !key.Valid() {
		return false
	}
	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		if value == nil {
			delete(p.metadata, key)
		} else {
			p.metadata[key] = append([]byte(nil), value...)
		}
		p.mu.Unlock()
	})
	return true
}

// UpdateBatteryLevel applies a battery report for the device. fromRichSource
// marks the richer battery-reporting service; while such a source is
// attached, ordinary reports are cached but neither change the visible level
// nor fire a notification. Levels outside [0,100] are rejected with no
// mutation and no notification. Reports that do not change the visible level
// are silent.
func (r *Registry) UpdateBatteryLevel(id Identity, level int, fromRichSource bool) bool {
	if level < 0 || level > 100 {
		if r.logger != nil {
			r.logger.WithFields(logrus.Fields{
				"address": id.Address,
				"level":   level,
			}).Warn("Invalid battery level, ignored")
		}
		return false
	}

	p := r.GetOrCreate(id)
	r.act.PostWait(func() {
		p.mu.Lock()
		before := p.visibleBatteryLocked()
		if fromRichSource {
			p.richBatteryLevel = level
		} else {
			p.batteryLevel = level
		}
		after := p.visibleBatteryLocked()
		p.mu.Unlock()

		if before != after {
			r.publishBattery(id, after)
		}
	})
	return true
}

// ResetBatteryLevel forgets the battery value of one source. Resetting the
// richer source restores the last ordinary value if one exists. A visible
// change fires a notification.
func (r *Registry) ResetBatteryLevel(id Identity, fromRichSource bool) {
	p, ok := r.Get(id.Address)
	if !ok {
		return
	}
	r.act.PostWait(func() {
		p.mu.Lock()
		before := p.visibleBatteryLocked()
		if fromRichSource {
			p.richBatteryLevel = BatteryLevelUnknown
		} else {
			p.batteryLevel = BatteryLevelUnknown
		}
		after := p.visibleBatteryLocked()
		p.mu.Unlock()

		if before != after {
			r.publishBattery(id, after)
		}
	})
}

// Vendor battery indication tags as delivered by the call-control link.
const (
	VendorEventXEvent    = "+XEVENT"
	VendorEventAccessory = "+IPHONEACCEV"
)

// HandleVendorBatteryEvent decodes a tagged vendor battery indication and
// applies it as an ordinary-source update. Unknown tags and undecodable
// vectors are dropped without mutation.
func (r *Registry) HandleVendorBatteryEvent(id Identity, event string, args []interface{}) bool {
	level := BatteryLevelUnknown
	switch event {
	case VendorEventXEvent:
		// Layout: tag, level, numLevels, ...
		if len(args) >= 3 {
			if lvl, ok := asInt(args[1]); ok {
				if cnt, cok := asInt(args[2]); cok {
					level = DecodeXEventBattery(lvl, cnt)
				}
			}
		}
	case VendorEventAccessory:
		level = DecodeAccessoryBattery(args)
	}
	if level == BatteryLevelUnknown {
		return false
	}
	return r.UpdateBatteryLevel(id, level, false)
}

func (r *Registry) publishBattery(id Identity, level int) {
	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{
			"address": id.Address,
			"level":   level,
		}).Debug("Battery level changed")
	}
	if r.notifyBattery != nil {
		r.notifyBattery(id, level)
	}
}
