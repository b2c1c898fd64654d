// Package store persists policies, their immutable numbered versions, the
// rule rows of each version and deployment attempts in SQLite.
//
// Every operation checks out its own connection from the pool and releases
// it on return; no connection, cursor or transaction outlives a call.
// Version creation runs in a single IMMEDIATE transaction so the
// read-max-then-insert of version numbers is serialized per database, with
// UNIQUE(policy_id, version) as the backstop.
//
// The driver is modernc.org/sqlite (pure Go, no CGO).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"grimm.is/ruleledger/internal/clock"
	"grimm.is/ruleledger/internal/logging"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("persistence conflict")
	ErrInvalidTransition = errors.New("invalid deployment status transition")
	ErrStoreClosed       = errors.New("store is closed")
)

// Options configures the SQLite store.
type Options struct {
	Path        string        // Database file path (":memory:" for in-memory)
	BusyTimeout time.Duration // How long a writer waits for the write lock
	Clock       clock.Clock   // Optional: time source (defaults to RealClock)
	Logger      *logging.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:        path,
		BusyTimeout: 5 * time.Second,
	}
}

// Store is the SQLite-backed version store and deployment table.
type Store struct {
	db     *sql.DB
	clock  clock.Clock
	logger *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// Open opens (creating if needed) the database at opts.Path and applies the
// schema.
func Open(opts Options) (*Store, error) {
	memory := opts.Path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn(opts))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// Each pooled connection to ":memory:" would see its own database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Store{
		db:     db,
		clock:  clk,
		logger: logger.WithComponent("store"),
	}

	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func dsn(opts Options) string {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if opts.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	// BEGIN IMMEDIATE takes the write lock up front, which is what
	// serializes concurrent version numbering.
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")
	return opts.Path + "?" + q.Encode()
}

const schema = `
	CREATE TABLE IF NOT EXISTS policies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS policy_versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		policy_id INTEGER NOT NULL REFERENCES policies(id),
		version INTEGER NOT NULL,
		author TEXT,
		message TEXT,
		source_text TEXT NOT NULL,
		checksum TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (policy_id, version)
	);

	CREATE TABLE IF NOT EXISTS policy_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL REFERENCES policy_versions(id),
		position INTEGER NOT NULL,
		rule_key TEXT NOT NULL,
		table_name TEXT NOT NULL,
		chain TEXT NOT NULL,
		priority INTEGER NOT NULL,
		target TEXT NOT NULL,
		protocol TEXT,
		src TEXT,
		dst TEXT,
		sport TEXT,
		dport TEXT,
		in_iface TEXT,
		out_iface TEXT,
		state_match TEXT,
		comment TEXT,
		extras TEXT,
		state TEXT NOT NULL CHECK (state IN ('present', 'absent')),
		UNIQUE (version_id, position)
	);

	CREATE TABLE IF NOT EXISTS deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		version_id INTEGER NOT NULL REFERENCES policy_versions(id),
		host TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		applied_at DATETIME,
		log_text TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_rules_order ON policy_rules(version_id, priority, position);
	CREATE INDEX IF NOT EXISTS idx_versions_policy ON policy_versions(policy_id, version);
	CREATE INDEX IF NOT EXISTS idx_deployments_version ON deployments(version_id);
	CREATE INDEX IF NOT EXISTS idx_deployments_host ON deployments(host);
`

func (s *Store) initSchema(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, schema)
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping checks that a connection can be acquired and answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withConn checks a connection out of the pool for the duration of fn.
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapError(fmt.Errorf("acquire connection: %w", err))
	}
	defer conn.Close()

	return mapError(fn(conn))
}

// withTx runs fn in a transaction on a dedicated connection. The
// transaction is rolled back unless fn returns nil and the commit succeeds.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// mapError turns lock contention and uniqueness violations into ErrConflict
// so callers can tell a retryable race from a hard failure.
func mapError(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	code := se.Code()
	switch {
	case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED,
		code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
