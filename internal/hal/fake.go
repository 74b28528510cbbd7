package hal

import (
	"sync"

	"github.com/srg/btstate/internal/device"
)

// Command records one command issued to the Fake.
type Command struct {
	Op          string
	Profile     string
	Address     string
	AddressType device.AddressType
}

// Command op names recorded by the Fake.
const (
	OpCreateBond        = "create_bond"
	OpRemoveBond        = "remove_bond"
	OpConnectProfile    = "connect"
	OpDisconnectProfile = "disconnect"
)

// Fake is an in-memory Commands implementation. Tests and the demo run loop
// use it to observe issued commands and to script acceptance.
type Fake struct {
	mu       sync.Mutex
	commands []Command

	// RejectAll makes every command report failure.
	RejectAll bool
}

var _ Commands = (*Fake)(nil)

// NewFake creates a Fake that accepts every command.
func NewFake() *Fake {
	return &Fake{}
}

func (f *Fake) record(c Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectAll {
		return false
	}
	f.commands = append(f.commands, c)
	return true
}

func (f *Fake) CreateBond(addr string, addrType device.AddressType) bool {
	return f.record(Command{Op: OpCreateBond, Address: addr, AddressType: addrType})
}

func (f *Fake) RemoveBond(addr string) bool {
	return f.record(Command{Op: OpRemoveBond, Address: addr})
}

func (f *Fake) ConnectProfile(profile, addr string) bool {
	return f.record(Command{Op: OpConnectProfile, Profile: profile, Address: addr})
}

func (f *Fake) DisconnectProfile(profile, addr string) bool {
	return f.record(Command{Op: OpDisconnectProfile, Profile: profile, Address: addr})
}

// Commands returns a snapshot of every recorded command in issue order.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.commands))
	copy(out, f.commands)
	return out
}

// CommandsFor filters recorded commands by op name.
func (f *Fake) CommandsFor(op string) []Command {
	var out []Command
	for _, c := range f.Commands() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Clear forgets recorded commands.
func (f *Fake) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}
