// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/internal/config"
	"parking-service/internal/model"
	"parking-service/internal/protocol"
	"parking-service/internal/utils"
)

var (
	// ErrDeviceNotFound is returned for an id that is not attached to this lane
	ErrDeviceNotFound = errors.New("device not found")
	// ErrUnsupportedCommand is returned for line commands sent to a printer
	ErrUnsupportedCommand = errors.New("device does not accept line commands")
)

// DeviceHooks receives device level notifications. Every hook is optional
// and must not block.
type DeviceHooks struct {
	State     func(deviceID string) protocol.StateListener
	Health    protocol.HealthReporter
	Exhausted func(deviceID string, err error)
}

// LaneDevice is one configured device with everything that keeps it alive
type LaneDevice struct {
	Config     config.SerialDeviceConfig
	Device     *protocol.Device
	Supervisor *protocol.Supervisor
	Health     *protocol.HealthMonitor
}

// DeviceService owns the serial devices of a lane: one link per device, the
// reconnect supervisor layered on it and its health monitor
type DeviceService struct {
	cfg    *config.Config
	clock  clockwork.Clock
	logger *utils.ServiceLogger

	mu      sync.RWMutex
	devices map[string]*LaneDevice
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDeviceService builds the gate, scanner and printer links from cfg. The
// links stay disconnected until Start.
func NewDeviceService(cfg *config.Config, hooks DeviceHooks, clk clockwork.Clock, logger *zap.Logger) *DeviceService {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	ds := &DeviceService{
		cfg:     cfg,
		clock:   clk,
		logger:  utils.NewServiceLogger(logger, "device-service"),
		devices: make(map[string]*LaneDevice),
	}

	ds.add(model.DeviceKindGate, cfg.Devices.Gate, hooks)
	ds.add(model.DeviceKindScanner, cfg.Devices.Scanner, hooks)
	ds.add(model.DeviceKindPrinter, cfg.Devices.Printer, hooks)
	return ds
}

func (ds *DeviceService) add(kind model.DeviceKind, dc config.SerialDeviceConfig, hooks DeviceHooks) {
	device := protocol.NewDevice(dc, kind, ds.cfg.Devices.Simulated, ds.logger.Logger)
	link := device.Link
	deviceID := dc.ID

	if hooks.State != nil {
		link.OnStateChange(hooks.State(deviceID))
	}

	port := dc.Port
	if device.Simulator != nil {
		port = "simulated"
	}
	monitor := protocol.NewHealthMonitor(link, kind, protocol.HealthOptions{
		Interval:          ds.cfg.Health.Interval,
		VoltageThreshold:  ds.cfg.Health.VoltageThreshold,
		MemoryWarnPercent: ds.cfg.Health.MemoryWarnPercent,
		PollCommand:       pollCommand(kind, ds.cfg.Health.PollCommand),
		PollTimeout:       dc.AckTimeout,
		Clock:             ds.clock,
		Logger:            utils.NewDeviceLogger(ds.logger.Logger, deviceID, string(kind), port),
		Report:            hooks.Health,
	})

	supervisor := protocol.NewSupervisor(link, protocol.SupervisorOptions{
		MaxAttempts: dc.ReconnectAttempts,
		Delay:       dc.ReconnectDelay,
		Clock:       ds.clock,
		Logger:      ds.logger.Logger,
		OnConnected: func(ctx context.Context) {
			if kind == model.DeviceKindGate && ds.cfg.Health.PushConfigOnStart {
				ds.pushConfig(ctx, link)
			}
		},
		OnExhausted: func(err error) {
			if hooks.Exhausted != nil {
				hooks.Exhausted(deviceID, err)
			}
		},
	})

	ds.devices[deviceID] = &LaneDevice{
		Config:     dc,
		Device:     device,
		Supervisor: supervisor,
		Health:     monitor,
	}
}

// Printers only take raw ESC/POS bytes and never answer polls
func pollCommand(kind model.DeviceKind, configured string) string {
	if kind == model.DeviceKindPrinter {
		return ""
	}
	return configured
}

// Settings returns the runtime configuration pushed to the gate controller
func (ds *DeviceService) Settings() protocol.DeviceSettings {
	return protocol.DeviceSettings{
		GateOpenTime:     ds.cfg.Gate.OpenTime,
		BuzzerVolume:     ds.cfg.Gate.BuzzerVolume,
		ScannerTimeout:   ds.cfg.Health.ScannerTimeout.Milliseconds(),
		GateTimeout:      ds.cfg.Health.GateCommandTimeout.Milliseconds(),
		VoltageThreshold: ds.cfg.Health.VoltageThreshold,
		AutoRetry:        true,
		MaxRetries:       ds.cfg.Devices.Gate.ReconnectAttempts,
	}
}

func (ds *DeviceService) pushConfig(ctx context.Context, link protocol.Link) {
	if err := protocol.PushConfig(ctx, link, ds.Settings()); err != nil {
		ds.logger.Warn("Failed to push device configuration",
			zap.String("device_id", link.DeviceID()),
			zap.Error(err),
		)
		return
	}
	ds.logger.Info("Device configuration pushed", zap.String("device_id", link.DeviceID()))
}

// Link returns the link of the device with the given kind
func (ds *DeviceService) Link(kind model.DeviceKind) *protocol.LineLink {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, d := range ds.devices {
		if d.Device.Kind == kind {
			return d.Device.Link
		}
	}
	return nil
}

// Get returns one lane device
func (ds *DeviceService) Get(deviceID string) (*LaneDevice, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	d, ok := ds.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return d, nil
}

// Start connects every device in the background and starts health reporting
func (ds *DeviceService) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	ds.cancel = cancel

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, d := range ds.devices {
		d.Supervisor.Start(ctx)

		ds.wg.Add(1)
		go func(m *protocol.HealthMonitor) {
			defer ds.wg.Done()
			m.Run(ctx)
		}(d.Health)
	}
	ds.logger.LogServiceStart(ds.cfg.App.Version, map[string]interface{}{
		"devices":   len(ds.devices),
		"simulated": ds.cfg.Devices.Simulated,
	})
}

// Close stops reconnects and health reporting, then releases every link
func (ds *DeviceService) Close() {
	if ds.cancel != nil {
		ds.cancel()
	}

	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, d := range ds.devices {
		d.Supervisor.Close()
	}
	ds.wg.Wait()
	for id, d := range ds.devices {
		if err := d.Device.Link.Disconnect(); err != nil {
			ds.logger.Warn("Failed to disconnect device", zap.String("device_id", id), zap.Error(err))
		}
	}
	ds.logger.LogServiceStop("shutdown")
}

// DeviceInfo is the API view of a lane device
type DeviceInfo struct {
	DeviceID  string             `json:"device_id"`
	Kind      model.DeviceKind   `json:"kind"`
	Port      string             `json:"port"`
	BaudRate  int                `json:"baud_rate"`
	Simulated bool               `json:"simulated"`
	Link      protocol.Stats     `json:"link"`
	Health    model.HealthStatus `json:"health"`
}

// List returns every lane device ordered by id
func (ds *DeviceService) List() []DeviceInfo {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(ds.devices))
	for _, d := range ds.devices {
		infos = append(infos, d.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DeviceID < infos[j].DeviceID })
	return infos
}

// Describe returns one device
func (ds *DeviceService) Describe(deviceID string) (*DeviceInfo, error) {
	d, err := ds.Get(deviceID)
	if err != nil {
		return nil, err
	}
	info := d.info()
	return &info, nil
}

func (d *LaneDevice) info() DeviceInfo {
	return DeviceInfo{
		DeviceID:  d.Config.ID,
		Kind:      d.Device.Kind,
		Port:      d.Config.Port,
		BaudRate:  d.Config.BaudRate,
		Simulated: d.Device.Simulator != nil,
		Link:      d.Device.Link.Stats(),
		Health:    d.Health.Snapshot(),
	}
}

// HealthSnapshots returns the advisory health of every device
func (ds *DeviceService) HealthSnapshots() []model.HealthStatus {
	infos := ds.List()
	snapshots := make([]model.HealthStatus, 0, len(infos))
	for _, info := range infos {
		snapshots = append(snapshots, info.Health)
	}
	return snapshots
}

// AllConnected reports whether every link is up
func (ds *DeviceService) AllConnected() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	for _, d := range ds.devices {
		if d.Device.Link.State() != protocol.StateConnected {
			return false
		}
	}
	return true
}

// TestResult represents device test result
type TestResult struct {
	DeviceID     string `json:"device_id"`
	Success      bool   `json:"success"`
	Duration     string `json:"duration"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TestDevice sends a TEST command and reports whether it was acknowledged.
// The device answers with a TEST frame picked up by its health monitor.
func (ds *DeviceService) TestDevice(ctx context.Context, deviceID string) (*TestResult, error) {
	d, err := ds.Get(deviceID)
	if err != nil {
		return nil, err
	}

	result := &TestResult{DeviceID: deviceID}
	if d.Device.Kind == model.DeviceKindPrinter {
		result.ErrorMessage = ErrUnsupportedCommand.Error()
		return result, nil
	}

	start := ds.clock.Now()
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = d.Device.Link.SendCommand(testCtx, protocol.CommandTest)
	result.Duration = ds.clock.Now().Sub(start).String()
	if err != nil {
		result.ErrorMessage = err.Error()
		ds.logger.Warn("Device test failed", zap.String("device_id", deviceID), zap.Error(err))
		return result, nil
	}
	result.Success = true
	return result, nil
}

// Reconnect re-arms the reconnect policy of a device after it gave up
func (ds *DeviceService) Reconnect(deviceID string) error {
	d, err := ds.Get(deviceID)
	if err != nil {
		return err
	}
	ds.logger.Info("Manual reconnect requested", zap.String("device_id", deviceID))
	d.Supervisor.Reconnect()
	return nil
}

// PushConfig sends the runtime configuration to a device now
func (ds *DeviceService) PushConfig(ctx context.Context, deviceID string) error {
	d, err := ds.Get(deviceID)
	if err != nil {
		return err
	}
	if d.Device.Kind == model.DeviceKindPrinter {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, deviceID)
	}
	return protocol.PushConfig(ctx, d.Device.Link, ds.Settings())
}

// Ports lists the serial ports of the host
func (ds *DeviceService) Ports() ([]string, error) {
	return protocol.ListPorts()
}
