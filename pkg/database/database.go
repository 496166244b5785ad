// Package database opens sqlx connections for the configured engine and
// applies the embedded schema migrations.
package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/taskmesh/taskmesh/pkg/config"
)

// Connect opens a database handle for the configured engine and applies
// pool settings. SQLite is only reachable when config validation allowed it
// (test mode).
func Connect(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := "postgres"
	if cfg.Type == config.DatabaseSQLite {
		driver = "sqlite"
	}

	db, err := sqlx.Connect(driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Type, err)
	}

	db.SetMaxOpenConns(cfg.PoolSize + cfg.MaxOverflow)
	db.SetMaxIdleConns(cfg.PoolSize)
	if cfg.PoolRecycle > 0 {
		db.SetConnMaxLifetime(cfg.PoolRecycle)
	}

	if cfg.PrePing {
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping %s: %w", cfg.Type, err)
		}
	}

	// sqlite serialises writers; a single connection avoids table locks in
	// test runs
	if cfg.Type == config.DatabaseSQLite {
		db.SetMaxOpenConns(1)
	}

	return db, nil
}
