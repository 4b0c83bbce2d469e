// internal/repository/rate_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"parking-service/internal/database"
	"parking-service/internal/model"
)

// rateRepository reads NUMERIC rates and converts them to minor units
type rateRepository struct {
	db     *database.DB
	digits int32
	logger *zap.Logger
}

// NewRateRepository creates a rate repository. digits is the number of minor
// unit digits of the currency.
func NewRateRepository(db *database.DB, digits int32, logger *zap.Logger) RateRepository {
	return &rateRepository{db: db, digits: digits, logger: logger}
}

// ToMinorUnits converts a major-unit amount, rounding half away from zero
func ToMinorUnits(amount decimal.Decimal, digits int32) int64 {
	return amount.Shift(digits).Round(0).IntPart()
}

func (r *rateRepository) scan(row rowScanner) (*model.Rate, error) {
	var rate model.Rate
	var base, hourly decimal.Decimal
	if err := row.Scan(&rate.VehicleType, &base, &hourly); err != nil {
		return nil, err
	}
	rate.BaseRate = ToMinorUnits(base, r.digits)
	rate.HourlyRate = ToMinorUnits(hourly, r.digits)
	return &rate, nil
}

// GetRate returns the tariff of one vehicle type
func (r *rateRepository) GetRate(ctx context.Context, vehicleType model.VehicleType) (*model.Rate, error) {
	query := `SELECT vehicle_type, base_rate, hourly_rate FROM rates WHERE vehicle_type = $1`

	rate, err := r.scan(r.db.QueryRowContext(ctx, query, vehicleType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.Error("Failed to get rate", zap.Error(err), zap.String("vehicle_type", string(vehicleType)))
		return nil, fmt.Errorf("failed to get rate: %w", err)
	}
	return rate, nil
}

// ListRates returns every tariff
func (r *rateRepository) ListRates(ctx context.Context) ([]*model.Rate, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT vehicle_type, base_rate, hourly_rate FROM rates ORDER BY vehicle_type`)
	if err != nil {
		r.logger.Error("Failed to list rates", zap.Error(err))
		return nil, fmt.Errorf("failed to list rates: %w", err)
	}
	defer rows.Close()

	var rates []*model.Rate
	for rows.Next() {
		rate, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		rates = append(rates, rate)
	}
	return rates, rows.Err()
}
