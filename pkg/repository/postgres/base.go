// Package postgres implements the repository contracts over sqlx. The same
// SQL runs against postgres in production and sqlite in test mode, so
// statements stay on the portable subset: JSON documents and id lists are
// TEXT columns, upserts use ON CONFLICT.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sony/gobreaker"

	apperrors "github.com/taskmesh/taskmesh/pkg/errors"
	"github.com/taskmesh/taskmesh/pkg/observability"
)

// querier is the subset of sqlx satisfied by both *sqlx.DB and *sqlx.Tx,
// letting repository methods join a caller-managed transaction.
type querier interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type txKey struct{}

// txFrom extracts the transaction installed by the TxManager, if any
func txFrom(ctx context.Context) (*sqlx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sqlx.Tx)
	return tx, ok
}

// BaseRepository carries the shared plumbing of every repository: the
// connection, structured logging, metrics, a circuit breaker, and the
// retry policy for transient failures.
type BaseRepository struct {
	db           *sqlx.DB
	logger       observability.Logger
	metrics      observability.MetricsClient
	breaker      *gobreaker.CircuitBreaker
	queryTimeout time.Duration
	maxRetries   uint64
}

// NewBaseRepository wires the shared repository plumbing. The breaker trips
// after five consecutive infrastructure failures; classified domain errors
// (NOT_FOUND, CONFLICT, ...) never count against it.
func NewBaseRepository(db *sqlx.DB, logger observability.Logger, metrics observability.MetricsClient, name string) *BaseRepository {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.CodeOf(err) != apperrors.CodeInternal
		},
	}
	return &BaseRepository{
		db:           db,
		logger:       logger.WithPrefix(name),
		metrics:      metrics,
		breaker:      gobreaker.NewCircuitBreaker(settings),
		queryTimeout: 30 * time.Second,
		maxRetries:   3,
	}
}

// execute runs fn through the circuit breaker with exponential-backoff
// retries on transient failures. Inside a caller-managed transaction the
// statement runs exactly once: retrying mid-transaction would desync the
// connection state.
func (r *BaseRepository) execute(ctx context.Context, op string, fn func(ctx context.Context, q querier) error) error {
	start := time.Now()
	_, err := r.breaker.Execute(func() (interface{}, error) {
		if tx, ok := txFrom(ctx); ok {
			cctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
			defer cancel()
			return nil, fn(cctx, tx)
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
		return nil, backoff.Retry(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
			defer cancel()
			if err := fn(cctx, r.db); err != nil {
				if isRetryable(err) {
					r.logger.Warn("retrying transient failure", map[string]interface{}{
						"operation": op,
						"error":     err.Error(),
					})
					return err
				}
				return backoff.Permanent(err)
			}
			return nil
		}, policy)
	})

	r.metrics.RecordDuration("repository_query_duration", time.Since(start).Seconds(),
		map[string]string{"operation": op})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.metrics.IncrementCounterWithLabels("repository_circuit_open", 1,
			map[string]string{"operation": op})
		return apperrors.Internal(err, true)
	}
	return err
}

// rebind converts ?-placeholders to the driver's bindvar style
func (r *BaseRepository) rebind(query string) string {
	return r.db.Rebind(query)
}

// isRetryable reports whether the failure is transient: connection loss,
// serialization failures, deadlocks, or resource exhaustion.
func isRetryable(err error) bool {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01", "53300", "57P03":
			return true
		}
		// Class 08: connection exceptions
		return pqErr.Code.Class() == "08"
	}
	return false
}

// requireRow turns a zero-row write into NOT_FOUND. Scoped updates and
// deletes rely on this: a row owned by another user matches no rows.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound(kind, id)
	}
	return nil
}

// notFound maps sql.ErrNoRows onto the classified NOT_FOUND error
func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(kind, id)
	}
	return err
}

// scopeAnd returns the user filter clause for non-system scopes. Queries
// embed it after their own WHERE conditions.
func scopeAnd(system bool) string {
	if system {
		return ""
	}
	return " AND user_id = ?"
}

// scopeArgs appends the user id argument when the scope filters
func scopeArgs(args []interface{}, userID string, system bool) []interface{} {
	if system {
		return args
	}
	return append(args, userID)
}
