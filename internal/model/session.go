// internal/model/session.go
package model

import (
	"fmt"
	"strings"
	"time"
)

// VehicleType represents the billing class of a vehicle
type VehicleType string

const (
	VehicleMotorcycle VehicleType = "MOTORCYCLE"
	VehicleCar        VehicleType = "CAR"
	VehicleTruck      VehicleType = "TRUCK"
	VehicleBus        VehicleType = "BUS"
	VehicleVan        VehicleType = "VAN"
)

// VehicleTypes lists every supported vehicle type
var VehicleTypes = []VehicleType{VehicleMotorcycle, VehicleCar, VehicleTruck, VehicleBus, VehicleVan}

// ParseVehicleType normalizes and validates a vehicle type
func ParseVehicleType(s string) (VehicleType, error) {
	candidate := VehicleType(strings.ToUpper(strings.TrimSpace(s)))
	for _, vt := range VehicleTypes {
		if vt == candidate {
			return vt, nil
		}
	}
	return "", fmt.Errorf("unknown vehicle type %q", s)
}

// SessionStatus represents the lifecycle state of a parking session
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionCancelled SessionStatus = "CANCELLED"
)

// Session is one parked-vehicle visit, printed on the entry ticket.
// ExitTime and Fee are set together, exactly once, when the session completes.
type Session struct {
	ID          string        `json:"id" db:"id"`
	PlateNumber string        `json:"plate_number" db:"plate_number"`
	VehicleType VehicleType   `json:"vehicle_type" db:"vehicle_type"`
	EntryTime   time.Time     `json:"entry_time" db:"entry_time"`
	ExitTime    *time.Time    `json:"exit_time,omitempty" db:"exit_time"`
	Fee         *int64        `json:"fee,omitempty" db:"fee"`
	Status      SessionStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the vehicle is still parked
func (s *Session) IsActive() bool {
	return s.Status == SessionActive
}

// Duration returns the billed stay, or the stay so far for active sessions
func (s *Session) Duration(now time.Time) time.Duration {
	end := now
	if s.ExitTime != nil {
		end = *s.ExitTime
	}
	return end.Sub(s.EntryTime)
}

// Clone returns a copy that shares no pointers with s
func (s *Session) Clone() *Session {
	c := *s
	if s.ExitTime != nil {
		t := *s.ExitTime
		c.ExitTime = &t
	}
	if s.Fee != nil {
		f := *s.Fee
		c.Fee = &f
	}
	return &c
}

// NormalizePlate uppercases a plate and strips whitespace so "b 1234 cd"
// and "B1234CD" address the same vehicle
func NormalizePlate(plate string) string {
	return strings.ToUpper(strings.Join(strings.Fields(plate), ""))
}

// Rate is the tariff for one vehicle type in integer minor units
type Rate struct {
	VehicleType VehicleType `json:"vehicle_type" db:"vehicle_type"`
	BaseRate    int64       `json:"base_rate" db:"base_rate"`
	HourlyRate  int64       `json:"hourly_rate" db:"hourly_rate"`
}
