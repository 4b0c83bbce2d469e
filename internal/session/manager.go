// Package session owns the ticket lifecycle: issue on entry, lookup, and
// exactly-once completion with fee computation.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/moby/locker"
	"go.uber.org/zap"

	"parking-service/internal/cache"
	"parking-service/internal/model"
	"parking-service/internal/repository"
	"parking-service/internal/utils"
)

const maxCodeAttempts = 5

// Cache is an optional fast path for active sessions
type Cache interface {
	Put(ctx context.Context, session *model.Session) error
	Get(ctx context.Context, code string) (*model.Session, error)
	Evict(ctx context.Context, session *model.Session) error
}

// Options configures a Manager
type Options struct {
	Clock  clockwork.Clock
	Logger *zap.Logger
	Audit  repository.AuditRepository
	Cache  Cache
	// Location is the time zone of the date part of ticket codes
	Location *time.Location
	// NewCode overrides ticket code generation
	NewCode func(at time.Time) string
}

// Quote is what a session would be charged if it exited at At
type Quote struct {
	Session  *model.Session `json:"session"`
	Rate     model.Rate     `json:"rate"`
	Hours    int64          `json:"hours"`
	Fee      int64          `json:"fee"`
	Duration time.Duration  `json:"duration"`
	At       time.Time      `json:"at"`
}

// Manager coordinates session storage, rates and the audit trail
type Manager struct {
	sessions repository.SessionRepository
	rates    repository.RateRepository
	opts     Options
	audit    *utils.AuditLogger

	// Per-plate and per-code locks, dropped once nobody holds them
	plates *locker.Locker
	codes  *locker.Locker
}

// Completion is a closed session and the tariff it was charged at
type Completion struct {
	Session *model.Session
	Rate    model.Rate
}

// NewManager creates a session manager
func NewManager(sessions repository.SessionRepository, rates repository.RateRepository, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.NewCode == nil {
		loc := opts.Location
		opts.NewCode = func(at time.Time) string { return NewTicketCode(at.In(loc)) }
	}
	opts.Logger = opts.Logger.With(zap.String("component", "session_manager"))

	return &Manager{
		sessions: sessions,
		rates:    rates,
		opts:     opts,
		audit:    utils.NewAuditLogger(opts.Logger),
		plates:   locker.New(),
		codes:    locker.New(),
	}
}

// NewTicketCode returns a code of the form YYYYMMDD-XXXXXXXX
func NewTicketCode(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))[:8]
	return at.Format("20060102") + "-" + suffix
}

// CreateSession issues a ticket for plate. If the plate already has an
// active session that session is returned unchanged.
func (m *Manager) CreateSession(ctx context.Context, plate string, vehicleType model.VehicleType) (*model.Session, error) {
	plate = model.NormalizePlate(plate)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate number is required", ErrInvalidRequest)
	}
	vt, err := model.ParseVehicleType(string(vehicleType))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	m.plates.Lock(plate)
	defer m.plates.Unlock(plate)

	existing, err := m.sessions.GetActiveByPlate(ctx, plate)
	if err == nil {
		m.opts.Logger.Info("Plate already parked, reusing ticket",
			zap.String("plate_number", plate), zap.String("ticket_id", existing.ID))
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up plate %s: %w", plate, err)
	}

	now := m.opts.Clock.Now()
	session := &model.Session{
		PlateNumber: plate,
		VehicleType: vt,
		EntryTime:   now,
		Status:      model.SessionActive,
	}

	for attempt := 1; ; attempt++ {
		session.ID = m.opts.NewCode(now)
		err = m.sessions.Create(ctx, session)
		if !errors.Is(err, repository.ErrDuplicateID) || attempt == maxCodeAttempts {
			break
		}
		m.opts.Logger.Warn("Ticket code collision, regenerating", zap.String("ticket_id", session.ID))
	}

	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateActive):
		// Another instance won the race past the plate lock
		winner, gerr := m.sessions.GetActiveByPlate(ctx, plate)
		if gerr != nil {
			return nil, &SessionError{Kind: ErrDuplicateActive, Plate: plate}
		}
		return winner, nil
	default:
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.record(ctx, model.AuditTicketCreate, session, "", model.JSONObject{
		"plate_number": plate,
		"vehicle_type": string(vt),
	})
	m.audit.LogSessionEvent(string(model.AuditTicketCreate), session.ID, plate, model.ActorSystem, nil)
	m.cachePut(ctx, session)

	return session.Clone(), nil
}

// LookupSession returns the session of a ticket code
func (m *Manager) LookupSession(ctx context.Context, code string) (*model.Session, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, notFound(code)
	}

	if m.opts.Cache != nil {
		cached, err := m.opts.Cache.Get(ctx, code)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			m.opts.Logger.Warn("Session cache read failed", zap.Error(err), zap.String("ticket_id", code))
		}
	}

	session, err := m.sessions.GetByID(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(code)
		}
		return nil, fmt.Errorf("failed to look up session %s: %w", code, err)
	}
	return session, nil
}

// CompleteSession charges and closes an active session. It succeeds at most
// once per code; later calls get ErrAlreadyCompleted and change nothing.
func (m *Manager) CompleteSession(ctx context.Context, code string) (*Completion, error) {
	code = strings.TrimSpace(code)
	m.codes.Lock(code)
	defer m.codes.Unlock(code)

	current, err := m.sessions.GetByID(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(code)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", code, err)
	}
	if !current.IsActive() {
		return nil, alreadyCompleted(code, current)
	}

	rate, err := m.rate(ctx, current.VehicleType)
	if err != nil {
		return nil, err
	}

	exit := m.opts.Clock.Now()
	if exit.Before(current.EntryTime) {
		exit = current.EntryTime
	}
	fee := ComputeFee(*rate, current.EntryTime, exit)

	done, err := m.sessions.Complete(ctx, code, exit, fee)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotActive):
		// Lost the store-level compare-and-set to another instance
		return nil, alreadyCompleted(code, done)
	case errors.Is(err, repository.ErrNotFound):
		return nil, notFound(code)
	default:
		return nil, fmt.Errorf("failed to complete session %s: %w", code, err)
	}

	m.record(ctx, model.AuditPaymentComplete, done, "", model.JSONObject{
		"plate_number": done.PlateNumber,
		"fee":          fee,
		"hours":        BillableHours(done.EntryTime, exit),
	})
	m.audit.LogSessionEvent(string(model.AuditPaymentComplete), done.ID, done.PlateNumber, model.ActorSystem, done.Fee)
	m.cacheEvict(ctx, done)

	return &Completion{Session: done, Rate: *rate}, nil
}

// CancelSession voids an active session without charging it
func (m *Manager) CancelSession(ctx context.Context, code, actor, reason string) (*model.Session, error) {
	code = strings.TrimSpace(code)
	m.codes.Lock(code)
	defer m.codes.Unlock(code)

	cancelled, err := m.sessions.Cancel(ctx, code, m.opts.Clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotActive):
		return nil, alreadyCompleted(code, cancelled)
	case errors.Is(err, repository.ErrNotFound):
		return nil, notFound(code)
	default:
		return nil, fmt.Errorf("failed to cancel session %s: %w", code, err)
	}

	detail := model.JSONObject{"plate_number": cancelled.PlateNumber}
	if reason != "" {
		detail["reason"] = reason
	}
	m.record(ctx, model.AuditTicketCancel, cancelled, actor, detail)
	m.audit.LogSessionEvent(string(model.AuditTicketCancel), cancelled.ID, cancelled.PlateNumber, actor, nil)
	m.cacheEvict(ctx, cancelled)

	return cancelled, nil
}

// QuoteSession returns the fee a session would be charged now
func (m *Manager) QuoteSession(ctx context.Context, code string) (*Quote, error) {
	session, err := m.LookupSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, alreadyCompleted(session.ID, session)
	}

	rate, err := m.rate(ctx, session.VehicleType)
	if err != nil {
		return nil, err
	}
	now := m.opts.Clock.Now()
	return &Quote{
		Session:  session,
		Rate:     *rate,
		Hours:    BillableHours(session.EntryTime, now),
		Fee:      ComputeFee(*rate, session.EntryTime, now),
		Duration: session.Duration(now),
		At:       now,
	}, nil
}

// ListSessions pages through stored sessions
func (m *Manager) ListSessions(ctx context.Context, filter *repository.SessionFilter) ([]*model.Session, int, error) {
	return m.sessions.List(ctx, filter)
}

// Rates returns the tariff table
func (m *Manager) Rates(ctx context.Context) ([]*model.Rate, error) {
	return m.rates.ListRates(ctx)
}

func (m *Manager) rate(ctx context.Context, vehicleType model.VehicleType) (*model.Rate, error) {
	rate, err := m.rates.GetRate(ctx, vehicleType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRateUnavailable, vehicleType)
		}
		return nil, fmt.Errorf("failed to load rate for %s: %w", vehicleType, err)
	}
	return rate, nil
}

func (m *Manager) record(ctx context.Context, action model.AuditAction, s *model.Session, actor string, detail model.JSONObject) {
	if m.opts.Audit == nil {
		return
	}
	rec := model.NewAuditRecord(action, model.EntityTicket, s.ID, actor, model.AuditSuccess, m.opts.Clock.Now())
	rec.Detail = detail

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.opts.Audit.Record(auditCtx, rec); err != nil {
		m.opts.Logger.Error("Failed to record session audit", zap.Error(err),
			zap.String("action", string(action)), zap.String("ticket_id", s.ID))
	}
}

func (m *Manager) cachePut(ctx context.Context, s *model.Session) {
	if m.opts.Cache == nil {
		return
	}
	if err := m.opts.Cache.Put(ctx, s); err != nil {
		m.opts.Logger.Warn("Failed to cache session", zap.Error(err), zap.String("ticket_id", s.ID))
	}
}

func (m *Manager) cacheEvict(ctx context.Context, s *model.Session) {
	if m.opts.Cache == nil {
		return
	}
	if err := m.opts.Cache.Evict(context.WithoutCancel(ctx), s); err != nil {
		m.opts.Logger.Warn("Failed to evict cached session", zap.Error(err), zap.String("ticket_id", s.ID))
	}
}
