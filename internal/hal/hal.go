// Package hal defines the contract with the lower hardware/transport layer.
// The transport itself lives outside this module; it is assumed to deliver
// discrete, ordered, per-device lifecycle events and to accept discrete
// commands. Commands report only whether the lower layer accepted them;
// outcomes arrive later as events.
package hal

import "github.com/srg/btstate/internal/device"

// Status codes reported with bond state change events.
const (
	StatusSuccess          = 0
	StatusFail             = 1
	StatusAuthFailure      = 2
	StatusRemoteDeviceDown = 3
)

// Commands is the outbound command surface of the lower layer.
type Commands interface {
	// CreateBond starts pairing. The address type is forwarded verbatim.
	CreateBond(addr string, addrType device.AddressType) bool
	// RemoveBond removes an established bond.
	RemoveBond(addr string) bool
	// ConnectProfile opens one profile's connection to the remote.
	ConnectProfile(profile string, addr string) bool
	// DisconnectProfile closes one profile's connection to the remote.
	DisconnectProfile(profile string, addr string) bool
}

// BondEvent is a pairing state change reported by the lower layer.
type BondEvent struct {
	Address string
	State   device.BondState
	Status  int
}

// ConnectionEvent is a per-profile connection state change reported by the
// lower layer. Only CONNECTING/CONNECTED events may create tracking state
// for a previously unseen device.
type ConnectionEvent struct {
	Profile string
	Address string
	State   device.ConnectionState
}

// ServicesDiscoveredEvent reports the completion of service discovery.
type ServicesDiscoveredEvent struct {
	Address  string
	Services []string
}

// VendorBatteryEvent is a tagged vendor battery indication vector.
type VendorBatteryEvent struct {
	Address string
	Event   string
	Args    []interface{}
}
