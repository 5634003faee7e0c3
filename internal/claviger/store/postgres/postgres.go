// Package postgres implements the store contracts on PostgreSQL via pgx.
// All queries are plain SQL; no ORM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/policy"
	"github.com/BrandonDHaskell/Claviger/server/internal/claviger/store"
	dbpkg "github.com/BrandonDHaskell/Claviger/server/internal/db"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so queries can run inside
// or outside a transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles every contract over one pool.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// inTx runs fn in a transaction, retrying the whole transaction on
// serialization failures and deadlocks.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second

	op := func() error {
		err := s.runTx(ctx, fn)
		if err != nil && !dbpkg.IsRetryablePg(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 5), ctx))
}

func (s *Store) runTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func mapWriteErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return err
	case dbpkg.IsForeignKeyViolation(err):
		return fmt.Errorf("%s: referenced record: %w", op, store.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func timeOfDay(n *int16) *policy.TimeOfDay {
	if n == nil {
		return nil
	}
	t := policy.TimeOfDay(*n)
	return &t
}

func minutes(t *policy.TimeOfDay) *int16 {
	if t == nil {
		return nil
	}
	m := int16(*t)
	return &m
}
