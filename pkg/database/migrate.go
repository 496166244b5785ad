package database

import (
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/taskmesh/taskmesh/pkg/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func newMigrator(db *sqlx.DB, dbType config.DatabaseType) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch dbType {
	case config.DatabaseSQLite:
		driver, derr := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
		if derr != nil {
			return nil, fmt.Errorf("sqlite migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "sqlite", driver)
	default:
		driver, derr := migratepg.WithInstance(db.DB, &migratepg.Config{})
		if derr != nil {
			return nil, fmt.Errorf("postgres migrate driver: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", source, "postgres", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// Migrate applies all pending schema migrations embedded in the binary.
func Migrate(db *sqlx.DB, dbType config.DatabaseType) error {
	m, err := newMigrator(db, dbType)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration
func MigrateDown(db *sqlx.DB, dbType config.DatabaseType) error {
	m, err := newMigrator(db, dbType)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("roll back migration: %w", err)
	}
	return nil
}

// MigrationVersion reports the current schema version and whether the last
// run left the schema dirty.
func MigrationVersion(db *sqlx.DB, dbType config.DatabaseType) (uint, bool, error) {
	m, err := newMigrator(db, dbType)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	return version, dirty, err
}
