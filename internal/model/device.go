// internal/model/device.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// DeviceKind represents the role of a device at a lane
type DeviceKind string

const (
	DeviceKindGate    DeviceKind = "gate"
	DeviceKindScanner DeviceKind = "scanner"
	DeviceKindPrinter DeviceKind = "printer"
)

// HealthLevel summarizes device health
type HealthLevel string

const (
	HealthUnknown       HealthLevel = "UNKNOWN"
	HealthOK            HealthLevel = "OK"
	HealthDegraded      HealthLevel = "DEGRADED"
	HealthCriticalError HealthLevel = "CRITICAL_ERROR"
)

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// MemoryInfo is the free/total memory reported by device firmware
type MemoryInfo struct {
	Free  int `json:"free"`
	Total int `json:"total"`
}

// UsagePercent returns used memory as a percentage
func (m MemoryInfo) UsagePercent() float64 {
	if m.Total <= 0 {
		return 0
	}
	return float64(m.Total-m.Free) / float64(m.Total) * 100
}

// DeviceFault is one ERROR frame reported by a device
type DeviceFault struct {
	Code      int       `json:"code"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthStatus is the advisory health of a device. It never gates command flow.
type HealthStatus struct {
	DeviceID   string        `json:"device_id"`
	Kind       DeviceKind    `json:"kind"`
	State      string        `json:"connection_state"`
	Status     HealthLevel   `json:"status"`
	LastCheck  *time.Time    `json:"last_check,omitempty"`
	Voltage    *float64      `json:"voltage,omitempty"`
	Memory     *MemoryInfo   `json:"memory,omitempty"`
	Errors     []DeviceFault `json:"errors"`
	LastTest   string        `json:"last_test,omitempty"`
	Uptime     time.Duration `json:"uptime"`
	ReportedAt time.Time     `json:"reported_at"`
}
