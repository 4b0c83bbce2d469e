// internal/database/db.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"parking-service/internal/config"
)

const (
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"

	pingTimeout = 5 * time.Second

	// uniqueViolation is the SQLSTATE of a unique constraint failure
	uniqueViolation = "23505"
)

// DB wraps the connection pool
type DB struct {
	*sql.DB
	driver string
	logger *zap.Logger
}

// NewConnection opens a pool with the configured driver and verifies it with
// a ping
func NewConnection(cfg *config.Config, logger *zap.Logger) (*DB, error) {
	driver := cfg.Database.Driver
	if driver == "" {
		driver = DriverPostgres
	}
	if driver != DriverPostgres && driver != DriverPGX {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connected",
		zap.String("driver", driver),
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.DBName),
	)

	return Wrap(sqlDB, driver, logger), nil
}

// Wrap adopts an already opened pool
func Wrap(sqlDB *sql.DB, driver string, logger *zap.Logger) *DB {
	return &DB{DB: sqlDB, driver: driver, logger: logger}
}

// Driver returns the database/sql driver name in use
func (db *DB) Driver() string {
	return db.driver
}

// HealthCheck pings the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

// GetStats returns pool statistics
func (db *DB) GetStats() sql.DBStats {
	return db.Stats()
}

// Close closes the pool
func (db *DB) Close() error {
	db.logger.Info("Closing database connection")
	return db.DB.Close()
}

// UniqueViolation reports whether err is a unique constraint failure and
// which constraint fired. Both drivers are understood.
func UniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return pqErr.Constraint, true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
