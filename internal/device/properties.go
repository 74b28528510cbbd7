package device

import (
	"sync"

	"github.com/google/uuid"
)

// MetadataKey enumerates the free-form metadata slots a device may carry.
// The set is closed: writes with any other key are rejected.
type MetadataKey int

const (
	MetadataManufacturerName MetadataKey = iota
	MetadataModelName
	MetadataHardwareVersion
	MetadataSoftwareVersion
	MetadataCompanionApp
	MetadataUntetheredCaseIcon
	metadataKeyCount
)

// Valid reports whether k is a member of the closed metadata key set.
func (k MetadataKey) Valid() bool {
	return k >= 0 && k < metadataKeyCount
}

// MetadataKeys lists every legal key in enumeration order.
func MetadataKeys() []MetadataKey {
	keys := make([]MetadataKey, 0, metadataKeyCount)
	for k := MetadataKey(0); k < metadataKeyCount; k++ {
		keys = append(keys, k)
	}
	return keys
}

// Audio routing policy values mirror the three-valued preference the
// call-control collaborator configures per remote.
const (
	AudioPolicyUnconfigured = 0
	AudioPolicyAllowed      = 1
	AudioPolicyNotAllowed   = 2
)

// AudioPolicy is the audio-routing preference snapshot for one remote.
type AudioPolicy struct {
	CallEstablish  int
	ConnectingTime int
	InBandRingtone int
}

// Properties holds the observable per-device state cached by the Registry.
// Reads are safe from any goroutine; mutation happens only on the registry
// actor.
type Properties struct {
	mu sync.RWMutex

	identity Identity

	bondState BondState
	services  []uuid.UUID

	// batteryLevel is the ordinary-source value; richBatteryLevel is the
	// richer battery service's value, which shadows the ordinary one while
	// attached.
	batteryLevel     int
	richBatteryLevel int

	coordinatedSetMember bool
	audioPolicy          AudioPolicy
	metadata             map[MetadataKey][]byte
}

func newProperties(id Identity) *Properties {
	return &Properties{
		identity:         id,
		batteryLevel:     BatteryLevelUnknown,
		richBatteryLevel: BatteryLevelUnknown,
		metadata:         make(map[MetadataKey][]byte),
	}
}

// Identity returns the immutable identity the properties belong to.
func (p *Properties) Identity() Identity {
	return p.identity
}

// BondState returns the committed bond state.
func (p *Properties) BondState() BondState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bondState
}

// Services returns the discovered service identifiers, empty until service
// discovery has completed.
func (p *Properties) Services() []uuid.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]uuid.UUID, len(p.services))
	copy(out, p.services)
	return out
}

// HasServices reports whether service discovery has produced identifiers.
func (p *Properties) HasServices() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.services) > 0
}

// BatteryLevel returns the externally visible battery level: the richer
// source's value while one is attached, the ordinary value otherwise.
func (p *Properties) BatteryLevel() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.visibleBatteryLocked()
}

func (p *Properties) visibleBatteryLocked() int {
	if p.richBatteryLevel != BatteryLevelUnknown {
		return p.richBatteryLevel
	}
	return p.batteryLevel
}

// IsCoordinatedSetMember reports coordinated-set membership.
func (p *Properties) IsCoordinatedSetMember() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.coordinatedSetMember
}

// AudioPolicy returns the audio-routing policy snapshot.
func (p *Properties) AudioPolicy() AudioPolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.audioPolicy
}

// Metadata returns the blob stored under key, or nil.
func (p *Properties) Metadata(key MetadataKey) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.metadata[key]
	if !ok {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
