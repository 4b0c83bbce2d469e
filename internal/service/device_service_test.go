package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/model"
	"parking-service/internal/protocol"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func simulatedDevice(id string) config.SerialDeviceConfig {
	return config.SerialDeviceConfig{
		ID:                id,
		Driver:            "simulated",
		BaudRate:          9600,
		AckTimeout:        time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Version: "test"},
		Devices: config.DevicesConfig{
			Simulated: true,
			Gate:      simulatedDevice("GATE_01"),
			Scanner:   simulatedDevice("SCANNER_01"),
			Printer:   simulatedDevice("PRINTER_01"),
		},
		Gate: config.GateConfig{OpenTime: 5, BuzzerVolume: 128},
		Health: config.HealthConfig{
			Interval:           time.Hour,
			PollCommand:        "STATUS",
			PushConfigOnStart:  true,
			ScannerTimeout:     5 * time.Second,
			GateCommandTimeout: 10 * time.Second,
		},
	}
}

func simulator(t *testing.T, ds *DeviceService, id string) *protocol.SimulatedDevice {
	t.Helper()
	d, err := ds.Get(id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return d.Device.Simulator
}

func TestDeviceServiceConnectsAndPushesConfig(t *testing.T) {
	var mu sync.Mutex
	states := make(map[string][]protocol.ConnectionState)
	ds := NewDeviceService(testConfig(), DeviceHooks{
		State: func(deviceID string) protocol.StateListener {
			return func(from, to protocol.ConnectionState) {
				mu.Lock()
				states[deviceID] = append(states[deviceID], to)
				mu.Unlock()
			}
		},
	}, nil, zap.NewNop())
	ds.Start(context.Background())
	defer ds.Close()

	waitFor(t, time.Second, ds.AllConnected)

	gate := simulator(t, ds, "GATE_01")
	waitFor(t, time.Second, func() bool {
		for _, cmd := range gate.Commands() {
			if strings.HasPrefix(cmd, protocol.PrefixConfig+":") {
				return true
			}
		}
		return false
	})
	for _, cmd := range simulator(t, ds, "SCANNER_01").Commands() {
		if strings.HasPrefix(cmd, protocol.PrefixConfig) {
			t.Fatalf("config pushed to scanner: %q", cmd)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if got := states["GATE_01"]; len(got) == 0 || got[len(got)-1] != protocol.StateConnected {
		t.Fatalf("gate states = %v", got)
	}
}

func TestDeviceServiceList(t *testing.T) {
	ds := NewDeviceService(testConfig(), DeviceHooks{}, nil, zap.NewNop())

	infos := ds.List()
	if len(infos) != 3 {
		t.Fatalf("devices = %d, want 3", len(infos))
	}
	want := []string{"GATE_01", "PRINTER_01", "SCANNER_01"}
	for i, info := range infos {
		if info.DeviceID != want[i] {
			t.Fatalf("device %d = %s, want %s", i, info.DeviceID, want[i])
		}
		if !info.Simulated {
			t.Fatalf("%s should be simulated", info.DeviceID)
		}
		if info.Link.State != protocol.StateDisconnected {
			t.Fatalf("%s state = %s before Start", info.DeviceID, info.Link.State)
		}
	}
	if ds.Link(model.DeviceKindPrinter).DeviceID() != "PRINTER_01" {
		t.Fatal("printer link not found by kind")
	}
	if _, err := ds.Describe("NOPE"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Describe unknown: %v", err)
	}
}

func TestDeviceServiceTestDevice(t *testing.T) {
	ds := NewDeviceService(testConfig(), DeviceHooks{}, nil, zap.NewNop())
	ds.Start(context.Background())
	defer ds.Close()
	waitFor(t, time.Second, ds.AllConnected)

	result, err := ds.TestDevice(context.Background(), "GATE_01")
	if err != nil {
		t.Fatalf("TestDevice: %v", err)
	}
	if !result.Success {
		t.Fatalf("test failed: %s", result.ErrorMessage)
	}

	d, _ := ds.Get("GATE_01")
	waitFor(t, time.Second, func() bool { return d.Health.Snapshot().LastTest == "OK" })

	result, err = ds.TestDevice(context.Background(), "PRINTER_01")
	if err != nil || result.Success {
		t.Fatalf("printer test = %+v, %v; want unsupported", result, err)
	}

	if _, err := ds.TestDevice(context.Background(), "NOPE"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("unknown device: %v", err)
	}
}

func TestDeviceServiceReconnectAfterExhaustion(t *testing.T) {
	exhausted := make(chan string, 4)
	cfg := testConfig()
	ds := NewDeviceService(cfg, DeviceHooks{
		Exhausted: func(deviceID string, err error) {
			if errors.Is(err, protocol.ErrReconnectExhausted) {
				exhausted <- deviceID
			}
		},
	}, nil, zap.NewNop())
	scanner := simulator(t, ds, "SCANNER_01")
	scanner.FailOpens(cfg.Devices.Scanner.ReconnectAttempts)

	ds.Start(context.Background())
	defer ds.Close()

	select {
	case id := <-exhausted:
		if id != "SCANNER_01" {
			t.Fatalf("exhausted device = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scanner never gave up")
	}

	d, _ := ds.Get("SCANNER_01")
	if d.Device.Link.State() == protocol.StateConnected {
		t.Fatal("scanner should be down")
	}

	if err := ds.Reconnect("SCANNER_01"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitFor(t, time.Second, func() bool { return d.Device.Link.State() == protocol.StateConnected })

	if err := ds.Reconnect("NOPE"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("Reconnect unknown: %v", err)
	}
}

func TestDeviceServiceReconnectsDroppedLink(t *testing.T) {
	ds := NewDeviceService(testConfig(), DeviceHooks{}, nil, zap.NewNop())
	ds.Start(context.Background())
	defer ds.Close()
	waitFor(t, time.Second, ds.AllConnected)

	gate := simulator(t, ds, "GATE_01")
	gate.Drop()

	waitFor(t, time.Second, func() bool { return gate.Opens() >= 2 })
	waitFor(t, time.Second, ds.AllConnected)
}

func TestSettingsFromConfig(t *testing.T) {
	ds := NewDeviceService(testConfig(), DeviceHooks{}, nil, zap.NewNop())
	settings := ds.Settings()
	if settings.GateOpenTime != 5 || settings.BuzzerVolume != 128 {
		t.Fatalf("settings = %+v", settings)
	}
	if settings.ScannerTimeout != 5000 || settings.GateTimeout != 10000 {
		t.Fatalf("timeouts = %d/%d, want milliseconds", settings.ScannerTimeout, settings.GateTimeout)
	}
}

func TestPushConfigRejectsPrinter(t *testing.T) {
	ds := NewDeviceService(testConfig(), DeviceHooks{}, nil, zap.NewNop())
	if err := ds.PushConfig(context.Background(), "PRINTER_01"); !errors.Is(err, ErrUnsupportedCommand) {
		t.Fatalf("PushConfig(printer) = %v", err)
	}
}
