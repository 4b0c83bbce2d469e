package protocol

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"parking-service/internal/model"
	"parking-service/internal/utils"
)

// faultNames maps controller ERROR codes to names
var faultNames = map[int]string{
	1: "SCANNER_ERROR",
	2: "GATE_ERROR",
	3: "COMMUNICATION_ERROR",
	4: "CONFIG_ERROR",
	5: "VOLTAGE_ERROR",
	6: "TIMEOUT_ERROR",
	7: "HARDWARE_ERROR",
	8: "MEMORY_ERROR",
}

// FaultName returns the name of a controller error code
func FaultName(code int) string {
	if name, ok := faultNames[code]; ok {
		return name
	}
	return "UNKNOWN_ERROR"
}

// maxFaults bounds the fault history kept per device
const maxFaults = 20

// HealthReporter receives health snapshots. It must not block.
type HealthReporter func(deviceID string, status model.HealthStatus)

// HealthOptions configures a HealthMonitor
type HealthOptions struct {
	Interval          time.Duration
	VoltageThreshold  float64
	MemoryWarnPercent float64
	PollCommand       string
	PollTimeout       time.Duration
	Clock             clockwork.Clock
	Logger            *utils.DeviceLogger
	Report            HealthReporter
}

// HealthMonitor tracks the advisory health frames of one device and reports
// a snapshot on a fixed schedule. It never blocks command traffic.
type HealthMonitor struct {
	link    Link
	kind    model.DeviceKind
	opts    HealthOptions
	started time.Time

	mu     sync.Mutex
	status model.HealthStatus
}

// NewHealthMonitor subscribes to the health frames of link
func NewHealthMonitor(link Link, kind model.DeviceKind, opts HealthOptions) *HealthMonitor {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.VoltageThreshold == 0 {
		opts.VoltageThreshold = 4.5
	}
	if opts.MemoryWarnPercent == 0 {
		opts.MemoryWarnPercent = 80
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultAckTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDeviceLogger(zap.NewNop(), link.DeviceID(), string(kind), "")
	}

	m := &HealthMonitor{
		link:    link,
		kind:    kind,
		opts:    opts,
		started: opts.Clock.Now(),
		status: model.HealthStatus{
			DeviceID: link.DeviceID(),
			Kind:     kind,
			Status:   model.HealthUnknown,
			Errors:   []model.DeviceFault{},
		},
	}

	link.OnMessage(PrefixStatus, m.handleStatus)
	link.OnMessage(PrefixError, m.handleError)
	link.OnMessage(PrefixVoltage, m.handleVoltage)
	link.OnMessage(PrefixMemory, m.handleMemory)
	link.OnMessage(PrefixTest, m.handleTest)
	return m
}

// Snapshot returns the current health of the device
func (m *HealthMonitor) Snapshot() model.HealthStatus {
	m.mu.Lock()
	status := m.status
	status.Errors = append([]model.DeviceFault(nil), m.status.Errors...)
	m.mu.Unlock()

	status.State = string(m.link.State())
	status.Uptime = m.opts.Clock.Now().Sub(m.started).Truncate(time.Second)
	status.ReportedAt = m.opts.Clock.Now()
	return status
}

// Run reports health every interval until ctx is done
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := m.opts.Clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.opts.Logger.Info("Device health monitoring started",
		zap.Duration("interval", m.opts.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.poll(ctx)
			m.report()
		}
	}
}

// poll asks the device for fresh health frames without waiting on the answer
func (m *HealthMonitor) poll(ctx context.Context) {
	if m.opts.PollCommand == "" || m.link.State() != StateConnected {
		return
	}
	go func() {
		pollCtx, cancel := context.WithTimeout(ctx, m.opts.PollTimeout)
		defer cancel()
		if _, err := m.link.SendCommand(pollCtx, m.opts.PollCommand); err != nil {
			m.opts.Logger.Warn("Health poll failed", zap.Error(err))
		}
	}()
}

func (m *HealthMonitor) report() {
	snapshot := m.Snapshot()

	var memFree, memTotal int
	if snapshot.Memory != nil {
		memFree, memTotal = snapshot.Memory.Free, snapshot.Memory.Total
	}
	m.opts.Logger.LogHealth(string(snapshot.Status), snapshot.State, snapshot.Voltage, memFree, memTotal, len(snapshot.Errors))

	if m.opts.Report != nil {
		m.opts.Report(snapshot.DeviceID, snapshot)
	}
}

func (m *HealthMonitor) handleStatus(payload string) {
	now := m.opts.Clock.Now()
	switch payload {
	case "HEALTH:OK":
		m.mu.Lock()
		m.status.Status = model.HealthOK
		m.status.LastCheck = &now
		m.status.Errors = []model.DeviceFault{}
		m.mu.Unlock()
	case "CRITICAL_ERROR":
		m.mu.Lock()
		m.status.Status = model.HealthCriticalError
		m.status.LastCheck = &now
		m.mu.Unlock()
		m.opts.Logger.Error("Device reported critical error")
		m.report()
	}
}

func (m *HealthMonitor) handleError(payload string) {
	code, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		code = 0
	}
	fault := model.DeviceFault{Code: code, Name: FaultName(code), Timestamp: m.opts.Clock.Now()}

	m.mu.Lock()
	m.status.Errors = append(m.status.Errors, fault)
	if len(m.status.Errors) > maxFaults {
		m.status.Errors = m.status.Errors[len(m.status.Errors)-maxFaults:]
	}
	if m.status.Status != model.HealthCriticalError {
		m.status.Status = model.HealthDegraded
	}
	m.mu.Unlock()

	m.opts.Logger.Error("Device error", zap.Int("code", code), zap.String("fault", fault.Name))
}

func (m *HealthMonitor) handleVoltage(payload string) {
	voltage, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		m.opts.Logger.Debug("Ignoring malformed voltage frame", zap.String("payload", payload))
		return
	}

	m.mu.Lock()
	m.status.Voltage = &voltage
	m.mu.Unlock()

	if voltage < m.opts.VoltageThreshold {
		m.opts.Logger.Warn("Low voltage detected", zap.Float64("voltage", voltage))
	}
}

func (m *HealthMonitor) handleMemory(payload string) {
	parts := strings.Split(payload, ",")
	if len(parts) != 2 {
		m.opts.Logger.Debug("Ignoring malformed memory frame", zap.String("payload", payload))
		return
	}
	free, errFree := strconv.Atoi(strings.TrimSpace(parts[0]))
	total, errTotal := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errFree != nil || errTotal != nil || total <= 0 {
		m.opts.Logger.Debug("Ignoring malformed memory frame", zap.String("payload", payload))
		return
	}

	memory := model.MemoryInfo{Free: free, Total: total}
	m.mu.Lock()
	m.status.Memory = &memory
	m.mu.Unlock()

	if usage := memory.UsagePercent(); usage > m.opts.MemoryWarnPercent {
		m.opts.Logger.Warn("High memory usage", zap.Float64("usage_percent", usage))
	}
}

func (m *HealthMonitor) handleTest(payload string) {
	m.mu.Lock()
	m.status.LastTest = payload
	m.mu.Unlock()
	m.opts.Logger.Info("Device test result", zap.String("result", payload))
}
