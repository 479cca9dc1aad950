// Package store provides the transactional SQLite-backed persistence layer
// for groups, tasks, dependencies, agent instances, events, usage and
// scheduled goals. It owns the single writer connection and a small pool of
// read connections; every other package reaches the database only through
// this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Clock abstracts wall-clock time so tests can control it. Production uses
// realClock, which returns UTC wall time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock is the production Clock.
var RealClock Clock = realClock{}

// Store is the persistence layer. Writes are serialized through a single
// connection guarded by a mutex; reads use a separate pooled connection.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	writeMu sync.Mutex
	clock   Clock
	logger  func(msg string, args ...any)
}

const busyTimeoutMS = 5000

// Option configures a Store at Open time.
type Option func(*Store)

// WithClock overrides the Store's time source; intended for tests.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger attaches a structured logging sink used for recoverable
// warnings (busy retries, idempotent no-ops).
func WithLogger(fn func(msg string, args ...any)) Option {
	return func(s *Store) { s.logger = fn }
}

// Open creates or opens the database file at path, configures pragmas and
// applies all pending migrations. readPoolSize is the number of concurrent
// read connections (default 5 when <= 0).
func Open(path string, readPoolSize int, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("store: create db dir: %w", err)
			}
		}
	}
	if readPoolSize <= 0 {
		readPoolSize = 5
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", path, busyTimeoutMS)

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("store: open read pool: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)
	readDB.SetMaxIdleConns(readPoolSize)

	s := &Store{writeDB: writeDB, readDB: readDB, clock: RealClock}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.configurePragmas(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	for _, conn := range []*sql.DB{s.writeDB, s.readDB} {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA synchronous=FULL",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := conn.Exec(pragma); err != nil {
				return fmt.Errorf("store: %s: %w", pragma, err)
			}
		}
	}
	return nil
}

// Close closes both the read pool and the write connection.
func (s *Store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Now returns the store's current time, routed through the injected Clock.
func (s *Store) Now() time.Time {
	return s.clock.Now()
}

func (s *Store) logf(msg string, args ...any) {
	if s.logger != nil {
		s.logger(msg, args...)
	}
}

// ReadDB exposes the pooled read connection for non-transactional,
// read-only queries (listing, search, filters).
func (s *Store) ReadDB() *sql.DB {
	return s.readDB
}

// Transaction runs fn inside a single serialized write transaction. Calls
// never nest: the write mutex is held for the lifetime of fn, matching the
// single-writer-connection discipline the rest of the package assumes.
// Transient SQLITE_BUSY/SQLITE_LOCKED errors from beginning the transaction
// are retried with jittered exponential backoff before giving up.
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.beginWithRetry(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *Store) beginWithRetry(ctx context.Context) (*sql.Tx, error) {
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.writeDB.BeginTx(ctx, nil)
		if err == nil {
			return tx, nil
		}
		if !isBusyErr(err) {
			return nil, fmt.Errorf("store: begin tx: %w", err)
		}
		lastErr = err
		backoff := time.Duration(10*(1<<attempt)) * time.Millisecond
		backoff += time.Duration(rand.IntN(10)) * time.Millisecond
		s.logf("store: write connection busy, retrying", "attempt", attempt, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("store: begin tx: exhausted retries: %w", lastErr)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return containsSub(msg, "database is locked") || containsSub(msg, "SQLITE_BUSY") || containsSub(msg, "SQLITE_LOCKED")
}

func containsSub(s, sub string) bool {
	n, m := len(s), len(sub)
	if m == 0 {
		return true
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return true
		}
	}
	return false
}
