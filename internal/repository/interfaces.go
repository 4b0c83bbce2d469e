// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"parking-service/internal/model"
)

var (
	// ErrNotFound is returned when no row matches
	ErrNotFound = errors.New("not found")
	// ErrNotActive is returned when a session transition finds the session
	// already completed or cancelled
	ErrNotActive = errors.New("session is not active")
	// ErrDuplicateActive is returned when the plate already has an active session
	ErrDuplicateActive = errors.New("plate already has an active session")
	// ErrDuplicateID is returned when a generated session id collides
	ErrDuplicateID = errors.New("session id already exists")
)

// SessionRepository defines session data access operations. Complete and
// Cancel are compare-and-set on status ACTIVE.
type SessionRepository interface {
	Create(ctx context.Context, session *model.Session) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	GetActiveByPlate(ctx context.Context, plate string) (*model.Session, error)

	// Complete sets exit time and fee on an active session. It returns the
	// stored session together with ErrNotActive if the session was already
	// closed.
	Complete(ctx context.Context, id string, exitTime time.Time, fee int64) (*model.Session, error)
	Cancel(ctx context.Context, id string, at time.Time) (*model.Session, error)

	List(ctx context.Context, filter *SessionFilter) ([]*model.Session, int, error)
}

// RateRepository reads the tariff table
type RateRepository interface {
	GetRate(ctx context.Context, vehicleType model.VehicleType) (*model.Rate, error)
	ListRates(ctx context.Context) ([]*model.Rate, error)
}

// AuditRepository stores the append-only audit trail
type AuditRepository interface {
	Record(ctx context.Context, record *model.AuditRecord) error
	List(ctx context.Context, filter *AuditFilter) ([]*model.AuditRecord, error)
}

// SessionFilter represents session listing filters
type SessionFilter struct {
	Status      *model.SessionStatus `json:"status,omitempty"`
	PlateNumber *string              `json:"plate_number,omitempty"`
	From        *time.Time           `json:"from,omitempty"`
	To          *time.Time           `json:"to,omitempty"`
	Page        int                  `json:"page"`
	PerPage     int                  `json:"per_page"`
}

// AuditFilter represents audit listing filters
type AuditFilter struct {
	EntityType *model.EntityType `json:"entity_type,omitempty"`
	EntityID   *string           `json:"entity_id,omitempty"`
	Limit      int               `json:"limit"`
}

func (f *SessionFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 200 {
		f.PerPage = 50
	}
}

func (f *AuditFilter) limit() int {
	if f == nil || f.Limit < 1 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}
