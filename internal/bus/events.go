package bus

import "github.com/srg/btstate/internal/device"

// BondStateChanged reports a committed bond transition. Reason is attached
// only when the device reached BondNone.
type BondStateChanged struct {
	Device device.Identity
	Old    device.BondState
	New    device.BondState
	Reason int
}

// BatteryLevelChanged reports a change of the externally visible battery
// level, device.BatteryLevelUnknown included.
type BatteryLevelChanged struct {
	Device device.Identity
	Level  int
}

// ConnectionStateChanged reports a committed per-profile connection
// transition.
type ConnectionStateChanged struct {
	Profile string
	Device  device.Identity
	Old     device.ConnectionState
	New     device.ConnectionState
}

// ActiveDeviceChanged reports the device newly selected to carry a profile's
// data path. A zero-value Device means no device is active.
type ActiveDeviceChanged struct {
	Profile string
	Device  device.Identity
}

// AudioInterrupted signals an abrupt loss of the active audio device to the
// routing collaborator. Intentional handoffs suppress it.
type AudioInterrupted struct {
	Profile string
	Device  device.Identity
}

// MetadataChanged reports a durable metadata write. A nil Value means the
// key was cleared.
type MetadataChanged struct {
	Device device.Identity
	Key    device.MetadataKey
	Value  []byte
}
