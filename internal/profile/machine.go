package profile

import (
	"github.com/srg/btstate/internal/actor"
	"github.com/srg/btstate/internal/device"
)

// machine tracks one (service, device) connection. It has no goroutine of its
// own; every field is owned by the coordinator's actor.
type machine struct {
	id    device.Identity
	state device.ConnectionState

	// connectTimer forces a synthetic disconnected event when an outgoing
	// connect is never confirmed by the lower layer.
	connectTimer *actor.Timer
}

func newMachine(id device.Identity) *machine {
	return &machine{id: id, state: device.StateDisconnected}
}

// linkUp reports whether the machine holds or is establishing a link.
func (m *machine) linkUp() bool {
	switch m.state {
	case device.StateConnecting, device.StateConnected, device.StateStreaming:
		return true
	default:
		return false
	}
}

// connected reports whether the link is fully established.
func (m *machine) connected() bool {
	return m.state == device.StateConnected || m.state == device.StateStreaming
}

func (m *machine) stopTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}
