package device

import (
	"fmt"
	"strings"
)

// AddressType distinguishes how a remote address is interpreted by the
// lower layer. It is preserved verbatim on every bonding command.
type AddressType int

const (
	AddressTypePublic AddressType = iota
	AddressTypeRandom
)

func (t AddressType) String() string {
	switch t {
	case AddressTypePublic:
		return "public"
	case AddressTypeRandom:
		return "random"
	default:
		return fmt.Sprintf("address_type(%d)", int(t))
	}
}

// Type is the coarse transport capability of a remote device.
type Type int

const (
	TypeUnknown Type = iota
	TypeClassic
	TypeLowEnergy
	TypeDual
)

func (t Type) String() string {
	switch t {
	case TypeClassic:
		return "classic"
	case TypeLowEnergy:
		return "le"
	case TypeDual:
		return "dual"
	default:
		return "unknown"
	}
}

// BondState is the pairing lifecycle state of a remote device.
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

// Valid reports whether s is one of the three legal bond states. Anything
// else submitted by the lower layer is rejected as a complete no-op.
func (s BondState) Valid() bool {
	return s >= BondNone && s <= BondBonded
}

func (s BondState) String() string {
	switch s {
	case BondNone:
		return "none"
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return fmt.Sprintf("bond_state(%d)", int(s))
	}
}

// ConnectionState is the per-profile connection state of a remote device.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	// StateStreaming is Connected with an active media path. Only profiles
	// that carry a data stream ever report it.
	StateStreaming
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
}

// Identity is the immutable primary key for a remote device.
type Identity struct {
	Address     string
	AddressType AddressType
	Type        Type
}

// NormalizeAddress canonicalizes a hardware address for map lookup.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// Key returns the canonical map key for this identity.
func (id Identity) Key() string {
	return NormalizeAddress(id.Address)
}

func (id Identity) String() string {
	return id.Address
}
