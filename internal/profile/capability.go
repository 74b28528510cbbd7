// Package profile implements the generic per-device connection state machine
// shared by every service adapter, and the per-service coordinator that owns
// the machine pool.
//
// The engine is one generic state machine parameterized by a Capability; each
// service supplies a capability value instead of subclassing anything. Lower
// layer events are the sole authority for state. Local requests only initiate
// commands and arm recovery timers.
package profile

import (
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
	"github.com/srg/btstate/internal/storage"
)

// Capability supplies the per-service behavior the generic machine needs:
// the policy gate for outgoing requests, the lower-layer command surface, and
// the event decoding rules.
type Capability interface {
	// Name is the stable service identifier used in policy records, commands
	// and notifications.
	Name() string

	// ConnectAllowed gates a local outgoing connect request.
	ConnectAllowed(bond device.BondState, policy storage.Policy) bool

	// Connect issues the lower-layer connect command.
	Connect(cmds hal.Commands, addr string) bool

	// Disconnect issues the lower-layer disconnect command.
	Disconnect(cmds hal.Commands, addr string) bool

	// DecodeEvent maps a raw lower-layer event to a machine state. ok=false
	// discards the event.
	DecodeEvent(ev hal.ConnectionEvent) (state device.ConnectionState, ok bool)

	// SupportsStreaming reports whether the service carries a media path and
	// therefore models the streaming state.
	SupportsStreaming() bool
}

// Definition is a declarative Capability for services whose behavior differs
// only in name, unbonded exemption and streaming support. Audio, call control
// and input are all expressed this way.
type Definition struct {
	// ProfileName is the service identifier.
	ProfileName string
	// AllowUnbonded exempts local outgoing requests from the bonded
	// requirement of the policy gate.
	AllowUnbonded bool
	// Streaming enables the streaming state for this service.
	Streaming bool
}

var _ Capability = Definition{}

func (d Definition) Name() string { return d.ProfileName }

func (d Definition) ConnectAllowed(bond device.BondState, policy storage.Policy) bool {
	if policy == storage.PolicyForbidden {
		return false
	}
	if bond != device.BondBonded && !d.AllowUnbonded {
		return false
	}
	return true
}

func (d Definition) Connect(cmds hal.Commands, addr string) bool {
	return cmds.ConnectProfile(d.ProfileName, addr)
}

func (d Definition) Disconnect(cmds hal.Commands, addr string) bool {
	return cmds.DisconnectProfile(d.ProfileName, addr)
}

func (d Definition) DecodeEvent(ev hal.ConnectionEvent) (device.ConnectionState, bool) {
	switch ev.State {
	case device.StateDisconnected, device.StateConnecting, device.StateConnected, device.StateDisconnecting:
		return ev.State, true
	case device.StateStreaming:
		if d.Streaming {
			return device.StateStreaming, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func (d Definition) SupportsStreaming() bool { return d.Streaming }

// Well-known service definitions.
var (
	Audio       = Definition{ProfileName: "audio", Streaming: true}
	CallControl = Definition{ProfileName: "callcontrol"}
	Input       = Definition{ProfileName: "input", AllowUnbonded: true}
)
