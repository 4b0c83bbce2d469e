// internal/database/migration.go
package database

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"parking-service/internal/config"
)

const defaultMigrationsPath = "migrations"

// Migrator applies the schema in MigrationsPath with the migrate driver that
// matches the pool's database/sql driver
type Migrator struct {
	db     *DB
	logger *zap.Logger
	config *config.DatabaseConfig
}

// NewMigrator creates a new migrator instance
func NewMigrator(db *DB, logger *zap.Logger, config *config.DatabaseConfig) *Migrator {
	return &Migrator{
		db:     db,
		logger: logger,
		config: config,
	}
}

// Up applies every pending migration. A dirty schema is reported, not forced.
func (m *Migrator) Up() error {
	migrator, err := m.open()
	if err != nil {
		return err
	}
	defer migrator.Close()

	if version, dirty, err := migrator.Version(); err == nil && dirty {
		return fmt.Errorf("schema is dirty at version %d, fix it by hand", version)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	version, _, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	m.logger.Info("Database schema is up to date",
		zap.Uint("version", version),
		zap.String("driver", m.db.Driver()),
	)
	return nil
}

func (m *Migrator) open() (*migrate.Migrate, error) {
	var (
		driver database.Driver
		err    error
	)
	switch m.db.Driver() {
	case DriverPGX:
		driver, err = pgx.WithInstance(m.db.DB, &pgx.Config{})
	default:
		driver, err = postgres.WithInstance(m.db.DB, &postgres.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migrate driver: %w", m.db.Driver(), err)
	}

	path := m.config.MigrationsPath
	if path == "" {
		path = defaultMigrationsPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	migrator, err := migrate.NewWithDatabaseInstance("file://"+abs, m.db.Driver(), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	return migrator, nil
}
