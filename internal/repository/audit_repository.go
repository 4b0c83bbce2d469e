// internal/repository/audit_repository.go
package repository

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"parking-service/internal/database"
	"parking-service/internal/model"
)

type auditRepository struct {
	db     *database.DB
	logger *zap.Logger
}

// NewAuditRepository creates a Postgres audit trail
func NewAuditRepository(db *database.DB, logger *zap.Logger) AuditRepository {
	return &auditRepository{db: db, logger: logger}
}

// Record appends one audit record
func (r *auditRepository) Record(ctx context.Context, record *model.AuditRecord) error {
	query := `
		INSERT INTO audit_logs (id, action, entity_type, entity_id, actor, result, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		record.ID, record.Action, record.EntityType, record.EntityID,
		record.Actor, record.Result, record.Detail, record.Timestamp,
	)
	if err != nil {
		r.logger.Error("Failed to record audit", zap.Error(err), zap.String("action", string(record.Action)))
		return fmt.Errorf("failed to record audit: %w", err)
	}
	return nil
}

// List returns the newest records matching filter
func (r *auditRepository) List(ctx context.Context, filter *AuditFilter) ([]*model.AuditRecord, error) {
	var conditions []string
	var args []interface{}
	if filter != nil && filter.EntityType != nil {
		args = append(args, *filter.EntityType)
		conditions = append(conditions, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if filter != nil && filter.EntityID != nil {
		args = append(args, *filter.EntityID)
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, filter.limit())
	query := fmt.Sprintf(`
		SELECT id, action, entity_type, entity_id, actor, result, detail, created_at
		FROM audit_logs%s ORDER BY created_at DESC LIMIT $%d`, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list audit records", zap.Error(err))
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []*model.AuditRecord
	for rows.Next() {
		record := &model.AuditRecord{}
		if err := rows.Scan(
			&record.ID, &record.Action, &record.EntityType, &record.EntityID,
			&record.Actor, &record.Result, &record.Detail, &record.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
