// internal/repository/session_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"parking-service/internal/database"
	"parking-service/internal/model"
)

const (
	sessionColumns = `id, plate_number, vehicle_type, entry_time, exit_time, fee, status, created_at, updated_at`

	activePlateConstraint = "sessions_active_plate_idx"
)

// sessionRepository implements SessionRepository on Postgres
type sessionRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *database.DB, logger *zap.Logger) SessionRepository {
	return &sessionRepository{
		db:     db,
		logger: logger,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*model.Session, error) {
	session := &model.Session{}
	var exitTime sql.NullTime
	var fee sql.NullInt64
	err := row.Scan(
		&session.ID, &session.PlateNumber, &session.VehicleType, &session.EntryTime,
		&exitTime, &fee, &session.Status, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitTime.Valid {
		t := exitTime.Time
		session.ExitTime = &t
	}
	if fee.Valid {
		f := fee.Int64
		session.Fee = &f
	}
	return session, nil
}

// Create inserts a new active session
func (r *sessionRepository) Create(ctx context.Context, session *model.Session) error {
	query := `
		INSERT INTO sessions (id, plate_number, vehicle_type, entry_time, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowContext(ctx, query,
		session.ID, session.PlateNumber, session.VehicleType, session.EntryTime, session.Status,
	).Scan(&session.CreatedAt, &session.UpdatedAt)

	if err != nil {
		if constraint, ok := database.UniqueViolation(err); ok {
			if constraint == activePlateConstraint {
				return ErrDuplicateActive
			}
			return ErrDuplicateID
		}
		r.logger.Error("Failed to create session", zap.Error(err), zap.String("ticket_id", session.ID))
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

// GetByID retrieves a session by its ticket code
func (r *sessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get session", zap.Error(err), zap.String("ticket_id", id))
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// GetActiveByPlate retrieves the active session of a plate
func (r *sessionRepository) GetActiveByPlate(ctx context.Context, plate string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE plate_number = $1 AND status = 'ACTIVE'`

	session, err := scanSession(r.db.QueryRowContext(ctx, query, plate))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get active session", zap.Error(err), zap.String("plate", plate))
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	return session, nil
}

// Complete closes an active session in a single conditional update
func (r *sessionRepository) Complete(ctx context.Context, id string, exitTime time.Time, fee int64) (*model.Session, error) {
	query := `
		UPDATE sessions SET
			exit_time = $2, fee = $3, status = 'COMPLETED', updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING ` + sessionColumns

	return r.transition(ctx, "complete", id, query, id, exitTime, fee)
}

// Cancel voids an active session
func (r *sessionRepository) Cancel(ctx context.Context, id string, at time.Time) (*model.Session, error) {
	query := `
		UPDATE sessions SET status = 'CANCELLED', updated_at = $2
		WHERE id = $1 AND status = 'ACTIVE'
		RETURNING ` + sessionColumns

	return r.transition(ctx, "cancel", id, query, id, at)
}

func (r *sessionRepository) transition(ctx context.Context, op, id, query string, args ...interface{}) (*model.Session, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.Error("Failed to "+op+" session", zap.Error(err), zap.String("ticket_id", id))
		return nil, fmt.Errorf("failed to %s session: %w", op, err)
	}

	// Nothing updated: either unknown or no longer active
	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return current, ErrNotActive
}

// List retrieves sessions matching filter, newest first
func (r *sessionRepository) List(ctx context.Context, filter *SessionFilter) ([]*model.Session, int, error) {
	if filter == nil {
		filter = &SessionFilter{}
	}
	filter.normalize()

	var conditions []string
	var args []interface{}
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.PlateNumber != nil {
		add("plate_number = $%d", *filter.PlateNumber)
	}
	if filter.From != nil {
		add("entry_time >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("entry_time < $%d", *filter.To)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions"+where, args...).Scan(&total); err != nil {
		r.logger.Error("Failed to count sessions", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to count sessions: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM sessions%s ORDER BY entry_time DESC LIMIT $%d OFFSET $%d",
		sessionColumns, where, len(args)+1, len(args)+2)
	args = append(args, filter.PerPage, (filter.Page-1)*filter.PerPage)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list sessions", zap.Error(err))
		return nil, 0, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, total, nil
}
