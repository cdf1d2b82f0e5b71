// Package store provides the embedded relational store: one SQLite file
// holding raw traces for both platforms, session records, workspace
// mapping cache rows, and the local durable overflow queue. It is the
// single Store handle the process passes around (spec.md §9's "one
// process-wide Store handle" note).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps a pooled SQLite connection with a prepared-statement cache,
// the same reuse pattern the teacher's db layer used for its own
// statement-heavy query surface.
type Store struct {
	db        *sql.DB
	stmtCache map[string]*sql.Stmt
	stmtMu    sync.RWMutex
}

// Config controls how the embedded database is opened.
type Config struct {
	Path             string
	MaxConns         int
	WAL              bool
	BusyTimeoutMs    int
	CompressionLevel int
}

// Open creates (or attaches to) the embedded database at cfg.Path, applies
// WAL/synchronous pragmas, and runs all pending migrations.
func Open(cfg Config) (*Store, error) {
	connStr := buildConnString(cfg)

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &Store{db: db, stmtCache: make(map[string]*sql.Stmt)}

	mgr := NewMigrationManager(db)
	if err := mgr.RunMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func buildConnString(cfg Config) string {
	journalMode := "DELETE"
	if cfg.WAL {
		journalMode = "WAL"
	}
	busyTimeout := cfg.BusyTimeoutMs
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	return fmt.Sprintf(
		"%s?_pragma=journal_mode(%s)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		cfg.Path, journalMode, busyTimeout,
	)
}

// Close closes every cached statement and the underlying connection pool.
// Idempotent: calling Close twice is safe (spec.md §9 resource-scoping
// invariant).
func (s *Store) Close() error {
	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	for _, stmt := range s.stmtCache {
		_ = stmt.Close()
	}
	s.stmtCache = nil

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetStmt returns a cached prepared statement, preparing and caching it on
// first use.
func (s *Store) GetStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	s.stmtMu.RLock()
	stmt, ok := s.stmtCache[query]
	s.stmtMu.RUnlock()
	if ok {
		return stmt, nil
	}

	s.stmtMu.Lock()
	defer s.stmtMu.Unlock()

	if stmt, ok := s.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmtCache[query] = stmt
	return stmt, nil
}

// DB returns the underlying *sql.DB for components (migrations, batch
// writer transactions) that need direct access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks the connection is alive.
func (s *Store) Ping() error {
	return s.db.Ping()
}
