package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository"
)

// txManager implements repository.TxManager over sqlx transactions. The
// open transaction travels in the context; repository methods detect it and
// join instead of opening their own connection.
type txManager struct {
	db     *sqlx.DB
	logger observability.Logger
}

// NewTxManager creates the transaction manager
func NewTxManager(db *sqlx.DB, logger observability.Logger) repository.TxManager {
	return &txManager{db: db, logger: logger.WithPrefix("tx")}
}

// WithinTx runs fn inside a transaction. A nested call joins the outer
// transaction rather than opening a second one.
func (m *txManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := txFrom(ctx); ok {
		return fn(ctx)
	}

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			m.logger.Error("rollback failed", map[string]interface{}{
				"error":          rbErr.Error(),
				"original_error": err.Error(),
			})
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	m.logger.Debug("transaction committed", map[string]interface{}{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}
