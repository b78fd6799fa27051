// Package postgres implements the ledger, alert and settings stores on
// PostgreSQL through pgx. Row locks (SELECT ... FOR UPDATE) give
// MutateAccount its exclusivity across gateway replicas.
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ncecere/metering_gateway/internal/ledger"
)

const foreignKeyViolation = "23503"

// Store implements ledger.Store, alerts.Store and settings.Store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// mapError translates driver errors into domain errors.
func mapError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrAccountNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ledger.ErrAccountNotFound
	}
	return err
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
