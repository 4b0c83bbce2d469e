// internal/repository/memory_repository.go
package repository

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"parking-service/internal/model"
)

// MemorySessionRepository keeps sessions in process. It backs simulated
// installations without a database and tests.
type MemorySessionRepository struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	active   map[string]string // plate -> id
}

// NewMemorySessionRepository creates an empty repository
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*model.Session),
		active:   make(map[string]string),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[session.ID]; ok {
		return ErrDuplicateID
	}
	if session.Status == model.SessionActive {
		if _, ok := r.active[session.PlateNumber]; ok {
			return ErrDuplicateActive
		}
		r.active[session.PlateNumber] = session.ID
	}

	now := time.Now()
	session.CreatedAt, session.UpdatedAt = now, now
	r.sessions[session.ID] = session.Clone()
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

func (r *MemorySessionRepository) GetActiveByPlate(ctx context.Context, plate string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[plate]
	if !ok {
		return nil, ErrNotFound
	}
	return r.sessions[id].Clone(), nil
}

func (r *MemorySessionRepository) Complete(ctx context.Context, id string, exitTime time.Time, fee int64) (*model.Session, error) {
	return r.transition(id, func(s *model.Session) {
		s.ExitTime = &exitTime
		s.Fee = &fee
		s.Status = model.SessionCompleted
		s.UpdatedAt = time.Now()
	})
}

func (r *MemorySessionRepository) Cancel(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	return r.transition(id, func(s *model.Session) {
		s.Status = model.SessionCancelled
		s.UpdatedAt = at
	})
}

func (r *MemorySessionRepository) transition(id string, apply func(*model.Session)) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Status != model.SessionActive {
		return session.Clone(), ErrNotActive
	}
	apply(session)
	delete(r.active, session.PlateNumber)
	return session.Clone(), nil
}

func (r *MemorySessionRepository) List(ctx context.Context, filter *SessionFilter) ([]*model.Session, int, error) {
	if filter == nil {
		filter = &SessionFilter{}
	}
	filter.normalize()

	r.mu.Lock()
	var matched []*model.Session
	for _, s := range r.sessions {
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if filter.PlateNumber != nil && s.PlateNumber != *filter.PlateNumber {
			continue
		}
		if filter.From != nil && s.EntryTime.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !s.EntryTime.Before(*filter.To) {
			continue
		}
		matched = append(matched, s.Clone())
	}
	r.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].EntryTime.After(matched[j].EntryTime) })

	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start >= total {
		return []*model.Session{}, total, nil
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

// MemoryRateRepository serves a fixed rate table
type MemoryRateRepository struct {
	mu    sync.RWMutex
	rates map[model.VehicleType]model.Rate
}

// NewMemoryRateRepository creates a repository holding rates
func NewMemoryRateRepository(rates ...model.Rate) *MemoryRateRepository {
	r := &MemoryRateRepository{rates: make(map[model.VehicleType]model.Rate)}
	for _, rate := range rates {
		r.rates[rate.VehicleType] = rate
	}
	return r
}

// SetRate replaces the tariff of one vehicle type
func (r *MemoryRateRepository) SetRate(rate model.Rate) {
	r.mu.Lock()
	r.rates[rate.VehicleType] = rate
	r.mu.Unlock()
}

func (r *MemoryRateRepository) GetRate(ctx context.Context, vehicleType model.VehicleType) (*model.Rate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rate, ok := r.rates[vehicleType]
	if !ok {
		return nil, ErrNotFound
	}
	return &rate, nil
}

func (r *MemoryRateRepository) ListRates(ctx context.Context) ([]*model.Rate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rates := make([]*model.Rate, 0, len(r.rates))
	for _, rate := range r.rates {
		rate := rate
		rates = append(rates, &rate)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i].VehicleType < rates[j].VehicleType })
	return rates, nil
}

type rateFile struct {
	Rates []struct {
		VehicleType string `yaml:"vehicle_type"`
		BaseRate    int64  `yaml:"base_rate"`
		HourlyRate  int64  `yaml:"hourly_rate"`
	} `yaml:"rates"`
}

// LoadRateFile reads a YAML rate table in minor units:
//
//	rates:
//	  - vehicle_type: CAR
//	    base_rate: 5000
//	    hourly_rate: 2000
func LoadRateFile(path string) (*MemoryRateRepository, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate file: %w", err)
	}

	var file rateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate file: %w", err)
	}

	repo := NewMemoryRateRepository()
	for _, entry := range file.Rates {
		vt, err := model.ParseVehicleType(entry.VehicleType)
		if err != nil {
			return nil, fmt.Errorf("rate file %s: %w", path, err)
		}
		if entry.BaseRate < 0 || entry.HourlyRate < 0 {
			return nil, fmt.Errorf("rate file %s: negative rate for %s", path, vt)
		}
		repo.SetRate(model.Rate{VehicleType: vt, BaseRate: entry.BaseRate, HourlyRate: entry.HourlyRate})
	}
	return repo, nil
}

// MemoryAuditRepository keeps the audit trail in process
type MemoryAuditRepository struct {
	mu      sync.Mutex
	records []*model.AuditRecord
}

// NewMemoryAuditRepository creates an empty audit trail
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{}
}

func (r *MemoryAuditRepository) Record(ctx context.Context, record *model.AuditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *record
	r.records = append(r.records, &copied)
	return nil
}

func (r *MemoryAuditRepository) List(ctx context.Context, filter *AuditFilter) ([]*model.AuditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := filter.limit()
	var out []*model.AuditRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		rec := r.records[i]
		if filter != nil && filter.EntityType != nil && rec.EntityType != *filter.EntityType {
			continue
		}
		if filter != nil && filter.EntityID != nil && rec.EntityID != *filter.EntityID {
			continue
		}
		copied := *rec
		out = append(out, &copied)
	}
	return out, nil
}
