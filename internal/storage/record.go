package storage

import (
	"errors"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/btstate/internal/device"
)

// Policy is the per-device per-profile connection preference.
type Policy int

const (
	PolicyUnknown   Policy = -1
	PolicyForbidden Policy = 0
	PolicyAllowed   Policy = 100
)

// Valid reports whether p is one of the three legal policy values. Nothing
// else is ever persisted.
func (p Policy) Valid() bool {
	switch p {
	case PolicyUnknown, PolicyForbidden, PolicyAllowed:
		return true
	default:
		return false
	}
}

func (p Policy) String() string {
	switch p {
	case PolicyUnknown:
		return "unknown"
	case PolicyForbidden:
		return "forbidden"
	case PolicyAllowed:
		return "allowed"
	default:
		return "invalid"
	}
}

// FeatureUnknown is the tri-state default for optional-feature flags.
const FeatureUnknown = -1

// Feature flag values besides FeatureUnknown.
const (
	FeatureNotSupported = 0
	FeatureSupported    = 1
	FeatureDisabled     = 0
	FeatureEnabled      = 1
)

func validFeature(v int) bool {
	return v >= FeatureUnknown && v <= FeatureSupported
}

// Sentinel errors reported for invalid writes.
var (
	ErrInvalidPolicy       = errors.New("storage: policy value outside the legal set")
	ErrUnknownMetadataKey  = errors.New("storage: metadata key outside the enumerated set")
	ErrInvalidFeatureValue = errors.New("storage: feature flag outside the tri-state set")
)

// FeatureFlags is the per-profile optional-feature support/enabled pair.
type FeatureFlags struct {
	Supported int
	Enabled   int
}

// Record is one device's durable state. Instances are owned by the Store;
// accessors hand out copies.
type Record struct {
	Address  string
	Policies map[string]Policy
	Features map[string]FeatureFlags
	Metadata *orderedmap.OrderedMap[device.MetadataKey, []byte]
}

func newRecord(addr string) *Record {
	return &Record{
		Address:  addr,
		Policies: make(map[string]Policy),
		Features: make(map[string]FeatureFlags),
		Metadata: orderedmap.New[device.MetadataKey, []byte](),
	}
}

// metadataKeys returns the set keys in insertion order.
func (r *Record) metadataKeys() []device.MetadataKey {
	keys := make([]device.MetadataKey, 0, r.Metadata.Len())
	for pair := r.Metadata.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}
