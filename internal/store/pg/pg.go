// Package pg persists grants, identity links and audit records in
// PostgreSQL through database/sql and the pgx stdlib driver. One Store
// implements every storage interface the engine consumes.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"warden.gg/internal/audit"
	"warden.gg/internal/grant"
	"warden.gg/internal/identity"
)

const (
	pgErrUniqueViolation  = "23505"
	pgErrSerialization    = "40001"
	pgErrDeadlockDetected = "40P01"
	pgErrLockNotAvailable = "55P03"
)

// Store is the PostgreSQL backend.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var (
	_ grant.Store    = (*Store)(nil)
	_ identity.Store = (*Store)(nil)
	_ audit.Recorder = (*Store)(nil)
)

// Open connects to the database and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing connection pool. Tests hand in a sqlmock db.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// withTx runs fn inside a READ COMMITTED transaction, rolling back on any
// error so no partial write survives a failed attempt. Transient contention
// surfaces as grant.ErrStoreBusy for the caller's retry loop.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// classify maps deadlock, lock-timeout and serialization failures to the
// retryable sentinel. Everything else passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrDeadlockDetected, pgErrLockNotAvailable, pgErrSerialization:
			return fmt.Errorf("%w: pg %s: %s", grant.ErrStoreBusy, pgErr.Code, pgErr.Message)
		}
	}
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
