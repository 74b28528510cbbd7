package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/btstate/internal/adapter"
	"github.com/srg/btstate/internal/bus"
	"github.com/srg/btstate/internal/device"
	"github.com/srg/btstate/internal/hal"
	"github.com/srg/btstate/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the lifecycle daemon against a simulated lower layer",
	Long: `Start the subsystem, print the notification stream, and keep running
until interrupted.

Without a real transport attached, --demo drives a scripted pairing and
connection scenario through the simulated lower layer so the event flow can
be observed end to end.`,
	RunE: runDaemon,
}

var (
	runConfigPath string
	runDatabase   string
	runDemo       bool
)

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to YAML configuration file")
	runCmd.Flags().StringVar(&runDatabase, "db", "", "Override the policy database path")
	runCmd.Flags().BoolVar(&runDemo, "demo", false, "Drive a scripted device scenario")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if runConfigPath != "" {
		loaded, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if runDatabase != "" {
		cfg.DatabasePath = runDatabase
	}

	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	color.New(color.FgCyan, color.Bold).Printf("btstated %s\n", formatVersion(version))
	color.New(color.Faint).Printf("policy database: %s\n", cfg.DatabasePath)

	fake := hal.NewFake()
	a := adapter.New(cfg, logger, fake)
	if err := a.Start(); err != nil {
		return err
	}
	defer a.Stop()

	sub, err := a.Events().Subscribe("btstated")
	if err != nil {
		return err
	}
	go printEvents(sub)

	if runDemo {
		go demoScenario(a)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println()
	return nil
}

// printEvents renders the notification stream for humans.
func printEvents(sub *bus.Subscription) {
	bondColor := color.New(color.FgGreen)
	connColor := color.New(color.FgCyan)
	batteryColor := color.New(color.FgYellow)
	metaColor := color.New(color.FgMagenta)
	activeColor := color.New(color.FgBlue)

	for ev := range sub.Events() {
		switch e := ev.(type) {
		case bus.BondStateChanged:
			bondColor.Printf("bond       %s  %s -> %s\n", e.Device.Address, e.Old, e.New)
		case bus.ConnectionStateChanged:
			connColor.Printf("%-10s %s  %s -> %s\n", e.Profile, e.Device.Address, e.Old, e.New)
		case bus.BatteryLevelChanged:
			if e.Level == device.BatteryLevelUnknown {
				batteryColor.Printf("battery    %s  unknown\n", e.Device.Address)
			} else {
				batteryColor.Printf("battery    %s  %d%%\n", e.Device.Address, e.Level)
			}
		case bus.MetadataChanged:
			if e.Value == nil {
				metaColor.Printf("metadata   %s  key %d cleared\n", e.Device.Address, e.Key)
			} else {
				metaColor.Printf("metadata   %s  key %d = %q\n", e.Device.Address, e.Key, e.Value)
			}
		case bus.ActiveDeviceChanged:
			if e.Device.Address == "" {
				activeColor.Printf("active     %s  none\n", e.Profile)
			} else {
				activeColor.Printf("active     %s  %s\n", e.Profile, e.Device.Address)
			}
		case bus.AudioInterrupted:
			activeColor.Printf("interrupt  %s  %s\n", e.Profile, e.Device.Address)
		}
	}
}

// demoScenario walks one headset through pairing, discovery, connection and
// an abrupt drop, then unpairs it.
func demoScenario(a *adapter.Adapter) {
	headset := device.Identity{Address: "F4:12:96:00:AA:01", AddressType: device.AddressTypePublic}
	step := func(d time.Duration) { time.Sleep(d) }

	step(500 * time.Millisecond)
	a.CreateBond(headset)

	step(time.Second)
	a.HandleBondEvent(hal.BondEvent{Address: headset.Address, State: device.BondBonded, Status: hal.StatusSuccess})

	step(time.Second)
	a.HandleServicesDiscovered(hal.ServicesDiscoveredEvent{
		Address: headset.Address,
		Services: []string{
			"0000110b-0000-1000-8000-00805f9b34fb",
			"0000111e-0000-1000-8000-00805f9b34fb",
		},
	})

	step(time.Second)
	a.Connect("audio", headset)
	step(300 * time.Millisecond)
	a.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: headset.Address, State: device.StateConnected})
	if p, ok := a.Profile("audio"); ok {
		p.SetActive(headset)
	}

	step(time.Second)
	a.HandleVendorBatteryEvent(hal.VendorBatteryEvent{
		Address: headset.Address,
		Event:   device.VendorEventXEvent,
		Args:    []interface{}{"BATTERY", 5, 8},
	})

	step(2 * time.Second)
	a.HandleConnectionEvent(hal.ConnectionEvent{Profile: "audio", Address: headset.Address, State: device.StateDisconnected})

	step(time.Second)
	a.HandleBondEvent(hal.BondEvent{Address: headset.Address, State: device.BondNone, Status: hal.StatusSuccess})
}
