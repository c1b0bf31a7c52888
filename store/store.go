// Package store is the canonical relational store and the sole source of
// truth for order lifecycle. It speaks Postgres in production (via the pgx
// stdlib driver) and SQLite in tests; every query is written against the
// shared dialect subset and rebound per driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" for database/sql
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // register "sqlite3" for tests
	log "github.com/sirupsen/logrus"
)

// NotFoundError reports a missing entity. Non-retryable.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.Key) }

func (e *NotFoundError) Retryable() bool { return false }

// TransientIO wraps database errors that are worth retrying: serialization
// failures, deadlocks, lost connections, timeouts.
type TransientIO struct {
	Err error
}

func (e *TransientIO) Error() string   { return fmt.Sprintf("transient database error: %v", e.Err) }
func (e *TransientIO) Unwrap() error   { return e.Err }
func (e *TransientIO) Retryable() bool { return true }

// Store wraps the shared connection pool.
type Store struct {
	db     *sqlx.DB
	driver string
}

// sqliteOpenMu serializes raced opens of a fresh SQLite database, which
// go-sqlite3 otherwise answers with spurious "database is locked" errors.
var sqliteOpenMu sync.Mutex

// Open connects to the database at url. URLs with a postgres scheme use the
// pgx driver; anything else (file:, :memory:) is treated as SQLite, which
// only tests do.
func Open(ctx context.Context, url string) (*Store, error) {
	var driver = "pgx"
	if !strings.HasPrefix(url, "postgres://") && !strings.HasPrefix(url, "postgresql://") {
		driver = "sqlite3"
	}

	var db *sqlx.DB
	var err error
	if driver == "sqlite3" {
		sqliteOpenMu.Lock()
		db, err = sqlx.Open(driver, url)
		if err == nil {
			// A pooled second connection to :memory: would see an empty
			// database; one connection keeps all readers on the same handle.
			db.SetMaxOpenConns(1)
			err = db.PingContext(ctx)
		}
		sqliteOpenMu.Unlock()
	} else {
		db, err = sqlx.Open(driver, url)
		if err == nil {
			db.SetMaxOpenConns(20)
			db.SetMaxIdleConns(5)
			db.SetConnMaxIdleTime(5 * time.Minute)
			err = db.PingContext(ctx)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	log.WithFields(log.Fields{"driver": driver}).Info("database opened")
	return &Store{db: db, driver: driver}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB exposes the underlying handle to sibling packages that share the pool
// (the durable queue). External callers go through the typed API.
func (s *Store) DB() *sqlx.DB { return s.db }

// EnsureSchema applies the embedded DDL. Statements are individually
// idempotent, so re-running on every startup is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside a transaction. Multi-row write paths must use it.
// Serialization failures surface as *TransientIO so the queue retries them.
func (s *Store) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var tx, err = s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	if err = fn(tx); err != nil {
		return classify(err)
	}
	if err = tx.Commit(); err != nil {
		return classify(fmt.Errorf("committing transaction: %w", err))
	}
	return nil
}

// rebind converts `?` placeholders to the driver's bind style.
func (s *Store) rebind(query string) string { return s.db.Rebind(query) }

// classify wraps retry-worthy database errors in *TransientIO and leaves
// every other error untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var already *TransientIO
	if errors.As(err, &already) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", // serialization, deadlock, lock_not_available
			"53300", "57P03": // too_many_connections, cannot_connect_now
			return &TransientIO{Err: err}
		}
		if strings.HasPrefix(pgErr.Code, "08") { // connection exceptions
			return &TransientIO{Err: err}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &TransientIO{Err: err}
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return &TransientIO{Err: err}
	}
	return err
}

// nowUTC is the single clock for persisted timestamps. Microsecond precision
// matches what Postgres will give back.
func nowUTC() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// nullJSON binds raw JSON as text; pgx would otherwise send []byte as bytea.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
