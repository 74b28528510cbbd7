package profile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/srg/btstate/internal/bus"
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
	"github.com/srg/btstate/internal/storage"
)

func TestDefinitionPolicyGate(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		bond    device.BondState
		policy  storage.Policy
		allowed bool
	}{
		{
			name:    "bonded device with unknown policy passes",
			def:     Definition{ProfileName: "audio"},
			bond:    device.BondBonded,
			policy:  storage.PolicyUnknown,
			allowed: true,
		},
		{
			name:    "bonded device with allowed policy passes",
			def:     Definition{ProfileName: "audio"},
			bond:    device.BondBonded,
			policy:  storage.PolicyAllowed,
			allowed: true,
		},
		{
			name:    "forbidden policy blocks even bonded devices",
			def:     Definition{ProfileName: "audio"},
			bond:    device.BondBonded,
			policy:  storage.PolicyForbidden,
			allowed: false,
		},
		{
			name:    "unbonded device blocked by default",
			def:     Definition{ProfileName: "audio"},
			bond:    device.BondNone,
			policy:  storage.PolicyAllowed,
			allowed: false,
		},
		{
			name:    "unbonded exemption admits unbonded devices",
			def:     Definition{ProfileName: "input", AllowUnbonded: true},
			bond:    device.BondNone,
			policy:  storage.PolicyAllowed,
			allowed: true,
		},
		{
			name:    "unbonded exemption still honors forbidden",
			def:     Definition{ProfileName: "input", AllowUnbonded: true},
			bond:    device.BondNone,
			policy:  storage.PolicyForbidden,
			allowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.def.ConnectAllowed(tt.bond, tt.policy))
		})
	}
}

func TestDefinitionDecodeEvent(t *testing.T) {
	plain := Definition{ProfileName: "callcontrol"}
	media := Definition{ProfileName: "audio", Streaming: true}

	_, ok := plain.DecodeEvent(hal.ConnectionEvent{State: device.StateStreaming})
	assert.False(t, ok, "non-media service MUST discard streaming events")

	st, ok := media.DecodeEvent(hal.ConnectionEvent{State: device.StateStreaming})
	assert.True(t, ok)
	assert.Equal(t, device.StateStreaming, st)

	st, ok = plain.DecodeEvent(hal.ConnectionEvent{State: device.StateConnected})
	assert.True(t, ok)
	assert.Equal(t, device.StateConnected, st)

	_, ok = plain.DecodeEvent(hal.ConnectionEvent{State: device.ConnectionState(99)})
	assert.False(t, ok)
}

// ProfileCoordinatorTestSuite drives one coordinator through local requests
// and lower-layer events.
type ProfileCoordinatorTestSuite struct {
	suite.Suite
	logger   *logrus.Logger
	registry *device.Registry
	store    *storage.Store
	fake     *hal.Fake
	events   *bus.Bus
	coord    *Coordinator
}

func (s *ProfileCoordinatorTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.ErrorLevel)
	s.registry = device.NewRegistry(s.logger, nil)

	store, err := storage.Open(filepath.Join(s.T().TempDir(), "btstate.db"), s.logger)
	s.Require().NoError(err)
	s.store = store

	s.fake = hal.NewFake()
	s.events = bus.New(s.logger)
	s.coord = NewCoordinator(s.logger, Audio, s.registry, s.store, s.fake, s.events, Options{
		Ceiling:        2,
		ConnectTimeout: 40 * time.Millisecond,
	})
}

func (s *ProfileCoordinatorTestSuite) TearDownTest() {
	s.coord.Close()
	s.events.Close()
	s.store.Close()
	s.registry.Close()
}

func (s *ProfileCoordinatorTestSuite) bondedDevice(addr string) device.Identity {
	id := device.Identity{Address: addr, AddressType: device.AddressTypePublic}
	s.registry.SetBondState(id, device.BondBonded)
	return id
}

func (s *ProfileCoordinatorTestSuite) connectDevice(addr string) device.Identity {
	id := s.bondedDevice(addr)
	s.Require().True(s.coord.Connect(id))
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: addr, State: device.StateConnected})
	s.coord.Flush()
	return id
}

// TestConnectIssuesCommandAndTracksConnecting: GOAL verify the happy path of
// a local connect request through to lower-layer confirmation.
func (s *ProfileCoordinatorTestSuite) TestConnectIssuesCommandAndTracksConnecting() {
	id := s.bondedDevice("AA:BB:CC:DD:EE:01")

	s.Require().True(s.coord.Connect(id))
	s.Equal(device.StateConnecting, s.coord.State(id))

	cmds := s.fake.CommandsFor(hal.OpConnectProfile)
	s.Require().Len(cmds, 1)
	s.Equal("audio", cmds[0].Profile)

	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateConnected})
	s.coord.Flush()
	s.Equal(device.StateConnected, s.coord.State(id))
}

// TestConnectRejectedByPolicy: GOAL verify that a forbidden policy blocks the
// request with no lower-layer command and no machine.
func (s *ProfileCoordinatorTestSuite) TestConnectRejectedByPolicy() {
	id := s.bondedDevice("AA:BB:CC:DD:EE:02")
	s.Require().NoError(s.store.SetPolicy(id.Key(), "audio", storage.PolicyForbidden))

	s.False(s.coord.Connect(id))
	s.Empty(s.fake.CommandsFor(hal.OpConnectProfile))
	s.Equal(device.StateDisconnected, s.coord.State(id))
}

// TestConnectRejectedForUnbondedDevice: GOAL verify the bonded requirement of
// the policy gate for services without an unbonded exemption.
func (s *ProfileCoordinatorTestSuite) TestConnectRejectedForUnbondedDevice() {
	id := device.Identity{Address: "AA:BB:CC:DD:EE:03"}

	s.False(s.coord.Connect(id))
	s.Empty(s.fake.CommandsFor(hal.OpConnectProfile))
}

// TestCeilingRejectsWithoutSideEffects: GOAL verify that a connect at the
// link ceiling fails and creates no new machine.
func (s *ProfileCoordinatorTestSuite) TestCeilingRejectsWithoutSideEffects() {
	s.connectDevice("AA:BB:CC:DD:EE:04")
	s.connectDevice("AA:BB:CC:DD:EE:05")
	s.fake.Clear()

	extra := s.bondedDevice("AA:BB:CC:DD:EE:06")
	s.False(s.coord.Connect(extra))
	s.Empty(s.fake.CommandsFor(hal.OpConnectProfile))
	s.Equal(device.StateDisconnected, s.coord.State(extra))
}

// TestDisconnectFreesCeilingSlot: GOAL verify that a confirmed disconnect
// makes room for a new outgoing connect.
func (s *ProfileCoordinatorTestSuite) TestDisconnectFreesCeilingSlot() {
	first := s.connectDevice("AA:BB:CC:DD:EE:07")
	s.connectDevice("AA:BB:CC:DD:EE:08")

	s.Require().True(s.coord.Disconnect(first))
	// State is unchanged until the lower layer reports the disconnect.
	s.Equal(device.StateConnected, s.coord.State(first))
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: first.Address, State: device.StateDisconnected})
	s.coord.Flush()

	extra := s.bondedDevice("AA:BB:CC:DD:EE:09")
	s.True(s.coord.Connect(extra))
}

// TestDisconnectedEventForUnknownDeviceCreatesNoMachine: GOAL verify lazy
// machine creation ignores teardown events for unseen devices.
func (s *ProfileCoordinatorTestSuite) TestDisconnectedEventForUnknownDeviceCreatesNoMachine() {
	addr := "AA:BB:CC:DD:EE:0A"
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: addr, State: device.StateDisconnected})
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: addr, State: device.StateDisconnecting})
	s.coord.Flush()

	s.Empty(s.coord.ConnectedDevices())
	s.Equal(device.StateDisconnected, s.coord.State(device.Identity{Address: addr}))
}

// TestIncomingConnectionCreatesMachine: GOAL verify that a lower-layer
// connected event for an unseen device starts tracking it.
func (s *ProfileCoordinatorTestSuite) TestIncomingConnectionCreatesMachine() {
	addr := "AA:BB:CC:DD:EE:0B"
	s.bondedDevice(addr)
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: addr, State: device.StateConnected})
	s.coord.Flush()

	s.Len(s.coord.ConnectedDevices(), 1)
}

// TestConnectTimeoutForcesDisconnect: GOAL verify that an unconfirmed connect
// resolves to disconnected once the timeout fires.
func (s *ProfileCoordinatorTestSuite) TestConnectTimeoutForcesDisconnect() {
	id := s.bondedDevice("AA:BB:CC:DD:EE:0C")
	s.Require().True(s.coord.Connect(id))

	s.Eventually(func() bool {
		return s.coord.State(id) == device.StateDisconnected
	}, time.Second, 10*time.Millisecond, "timeout MUST resolve the attempt")
}

// TestConfirmationCancelsTimeout: GOAL verify that a confirmed connect stays
// connected past the timeout horizon.
func (s *ProfileCoordinatorTestSuite) TestConfirmationCancelsTimeout() {
	id := s.bondedDevice("AA:BB:CC:DD:EE:0D")
	s.Require().True(s.coord.Connect(id))
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateConnected})
	s.coord.Flush()

	time.Sleep(100 * time.Millisecond)
	s.Equal(device.StateConnected, s.coord.State(id))
}

// TestStreamingTransitions: GOAL verify media path transitions on top of an
// established link.
func (s *ProfileCoordinatorTestSuite) TestStreamingTransitions() {
	id := s.connectDevice("AA:BB:CC:DD:EE:0E")

	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateStreaming})
	s.coord.Flush()
	s.Equal(device.StateStreaming, s.coord.State(id))
	s.Len(s.coord.ConnectedDevices(), 1, "streaming still counts as connected")

	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateConnected})
	s.coord.Flush()
	s.Equal(device.StateConnected, s.coord.State(id))
}

// TestActiveDeviceHandoffSuppressesInterruption: GOAL verify that moving the
// active status between connected devices raises no interruption signal.
func (s *ProfileCoordinatorTestSuite) TestActiveDeviceHandoffSuppressesInterruption() {
	sub, err := s.events.Subscribe("t")
	s.Require().NoError(err)
	first := s.connectDevice("AA:BB:CC:DD:EE:0F")
	second := s.connectDevice("AA:BB:CC:DD:EE:10")

	s.Require().True(s.coord.SetActive(first))
	s.Require().True(s.coord.SetActive(second))

	active, ok := s.coord.ActiveDevice()
	s.Require().True(ok)
	s.Equal(second.Address, active.Address)

	s.events.Close()
	interruptions := 0
	for ev := range sub.Events() {
		if _, isInterruption := ev.(bus.AudioInterrupted); isInterruption {
			interruptions++
		}
	}
	s.Zero(interruptions, "handoff MUST NOT raise an interruption")
}

// TestActiveDeviceAbruptLossRaisesInterruption: GOAL verify that the active
// holder disconnecting raises the interruption signal and clears the status.
func (s *ProfileCoordinatorTestSuite) TestActiveDeviceAbruptLossRaisesInterruption() {
	sub, err := s.events.Subscribe("t")
	s.Require().NoError(err)
	id := s.connectDevice("AA:BB:CC:DD:EE:11")
	s.Require().True(s.coord.SetActive(id))

	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateDisconnected})
	s.coord.Flush()

	_, ok := s.coord.ActiveDevice()
	s.False(ok, "active status MUST be cleared")

	s.events.Close()
	interruptions := 0
	for ev := range sub.Events() {
		if got, isInterruption := ev.(bus.AudioInterrupted); isInterruption {
			interruptions++
			s.Equal(id.Address, got.Device.Address)
		}
	}
	s.Equal(1, interruptions, "abrupt loss MUST raise exactly one interruption")
}

// TestSetActiveRequiresConnection: GOAL verify active status is restricted to
// connected devices.
func (s *ProfileCoordinatorTestSuite) TestSetActiveRequiresConnection() {
	id := s.bondedDevice("AA:BB:CC:DD:EE:12")
	s.False(s.coord.SetActive(id))

	s.Require().True(s.coord.Connect(id))
	s.False(s.coord.SetActive(id), "connecting is not connected")
}

// TestUnbondTearsDownMachineWithFinalNotification: GOAL verify that losing
// the bond while connected emits one final synthetic disconnected transition
// and forgets the machine.
func (s *ProfileCoordinatorTestSuite) TestUnbondTearsDownMachineWithFinalNotification() {
	sub, err := s.events.Subscribe("t")
	s.Require().NoError(err)
	id := s.connectDevice("AA:BB:CC:DD:EE:13")

	s.registry.SetBondState(id, device.BondNone)
	s.registry.Remove(id.Address)
	s.coord.OnBondStateChanged(id, device.BondBonded, device.BondNone)
	s.coord.Flush()

	s.Empty(s.coord.ConnectedDevices())
	s.Equal(device.StateDisconnected, s.coord.State(id))

	s.events.Close()
	var final *bus.ConnectionStateChanged
	for ev := range sub.Events() {
		if got, isConn := ev.(bus.ConnectionStateChanged); isConn {
			final = &got
		}
	}
	s.Require().NotNil(final)
	s.Equal(device.StateConnected, final.Old)
	s.Equal(device.StateDisconnected, final.New)
}

// TestDisconnectedMachineRetainedWhileBonded: GOAL verify that a bonded
// device's machine survives a disconnect so its history does not restart.
func (s *ProfileCoordinatorTestSuite) TestDisconnectedMachineRetainedWhileBonded() {
	id := s.connectDevice("AA:BB:CC:DD:EE:14")

	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: id.Address, State: device.StateDisconnected})
	s.coord.Flush()

	// A fresh connect is accepted; the retained machine is reused.
	s.True(s.coord.Connect(id))
	s.Equal(device.StateConnecting, s.coord.State(id))
}

// TestEventsForOtherServicesIgnored: GOAL verify strict per-service routing.
func (s *ProfileCoordinatorTestSuite) TestEventsForOtherServicesIgnored() {
	addr := "AA:BB:CC:DD:EE:15"
	s.coord.HandleConnectionEvent(hal.ConnectionEvent{Profile: "input", Address: addr, State: device.StateConnected})
	s.coord.Flush()

	s.Empty(s.coord.ConnectedDevices())
}

func TestProfileCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(ProfileCoordinatorTestSuite))
}
