// Package state implements the persistence layer: SQLite open/migrate and
// the repositories for users, nodes, ASN records and sync metadata.
package state

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// OpenDB opens (or creates) a SQLite database at path with recommended
// pragmas: WAL journal mode, synchronous=NORMAL, foreign_keys=ON,
// busy_timeout=5000. minConns/maxConns map onto the sql.DB pool.
func OpenDB(path string, minConns, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}

	if maxConns < 1 {
		maxConns = 1
	}
	if minConns < 0 {
		minConns = 0
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q on %s: %w", p, path, err)
		}
	}
	return db, nil
}

// Store bundles the identity-side repositories over one database handle.
// A nil Store is a valid degraded mode: callers treat it as not connected.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for the connection ledger.
func (s *Store) DB() *sql.DB { return s.db }

// Ping reports database connectivity for the health endpoint.
func (s *Store) Ping() error {
	if s == nil || s.db == nil {
		return ErrNotConnected
	}
	return s.db.Ping()
}

// Connected reports whether the store is usable.
func (s *Store) Connected() bool {
	return s != nil && s.db != nil && s.db.Ping() == nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
