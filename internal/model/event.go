// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event broadcast to dashboards
type EventType string

const (
	EventScan             EventType = "SCAN"
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventSessionCompleted EventType = "SESSION_COMPLETED"
	EventGateChanged      EventType = "GATE_CHANGED"
	EventHealthUpdate     EventType = "HEALTH_UPDATE"
	EventDeviceError      EventType = "DEVICE_ERROR"
	EventDeviceState      EventType = "DEVICE_STATE"
	EventSequence         EventType = "SEQUENCE"
	EventChannelExhausted EventType = "CHANNEL_EXHAUSTED"
)

// Event represents an event in the system
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Type      EventType   `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
	Severity  string      `json:"severity"` // INFO, WARNING, ERROR, CRITICAL
}

// NewEvent creates an INFO event stamped now
func NewEvent(eventType EventType, deviceID string, data interface{}) Event {
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now(),
		Severity:  "INFO",
	}
}

// ScanEvent is a normalized barcode read
type ScanEvent struct {
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// TicketCompletedData is sent to the exit-point client after payment
type TicketCompletedData struct {
	TicketID    string    `json:"ticketId"`
	PlateNumber string    `json:"plateNumber"`
	ExitTime    time.Time `json:"exitTime"`
	Fee         int64     `json:"fee"`
}

// TicketCreatedData is sent to the entry client after a ticket is issued
type TicketCreatedData struct {
	TicketID    string      `json:"ticketId"`
	PlateNumber string      `json:"plateNumber"`
	VehicleType VehicleType `json:"vehicleType"`
	EntryTime   time.Time   `json:"entryTime"`
}

// TicketRequestData is received from the entry client
type TicketRequestData struct {
	PlateNumber string `json:"plateNumber"`
	VehicleType string `json:"vehicleType"`
}

// TicketExitData is received from the exit client
type TicketExitData struct {
	TicketID string `json:"ticketId"`
}

// TicketResultData answers a ticket request or exit from the remote client
type TicketResultData struct {
	Flow        string `json:"flow"`
	TicketID    string `json:"ticketId,omitempty"`
	PlateNumber string `json:"plateNumber,omitempty"`
	Stage       string `json:"stage"`
	OK          bool   `json:"ok"`
	Fee         *int64 `json:"fee,omitempty"`
	Error       string `json:"error,omitempty"`
}
