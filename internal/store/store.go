// Package store owns the local sqlite database backing the message cache:
// schema versioning, drift detection, legacy migration and change
// notification. Higher-level caches go through a *Store and never open the
// database themselves.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// Options configures Open.
type Options struct {
	// Version is the declared schema version. It must be at least 1.
	Version int

	// Tables are the auxiliary tables contributed by content-type
	// configurations. The core tables are always included.
	Tables []TableSchema

	// LegacyPath points at a pre-versioned database. If it exists when the
	// store is opened its records are migrated and the file is removed.
	LegacyPath string
}

// Store wraps the sqlite database and the declared schema.
type Store struct {
	db      *sql.DB
	path    string
	version int
	tables  []TableSchema
	log     waLog.Logger

	subMu  sync.RWMutex
	subs   map[int]subscription
	nextID int
}

// Open opens (creating if needed) the store at path and installs or verifies
// its schema. Opening an existing store whose schema differs from the declared
// one at the same version fails with ErrSchemaDrift.
func Open(ctx context.Context, path string, opts Options, log waLog.Logger) (*Store, error) {
	if opts.Version < 1 {
		return nil, fmt.Errorf("invalid schema version %d: must be at least 1", opts.Version)
	}
	tables, err := mergeTables(CoreTables(), opts.Tables)
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; sqlite serializes writes anyway.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		path:    path,
		version: opts.Version,
		tables:  tables,
		log:     log.Sub("Store"),
		subs:    make(map[int]subscription),
	}

	if err := s.install(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if opts.LegacyPath != "" {
		if _, err := os.Stat(opts.LegacyPath); err == nil {
			if err := s.MigrateLegacy(ctx, opts.LegacyPath); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to migrate legacy store: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			s.log.Warnf("Cannot inspect legacy store %s: %v", opts.LegacyPath, err)
		}
	}

	return s, nil
}

func mergeTables(core, extra []TableSchema) ([]TableSchema, error) {
	seen := make(map[string]bool, len(core)+len(extra))
	out := make([]TableSchema, 0, len(core)+len(extra))
	for _, t := range append(append([]TableSchema(nil), core...), extra...) {
		if t.Name == "" || t.Name == metaTable {
			return nil, fmt.Errorf("invalid table name %q", t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("table %q declared more than once", t.Name)
		}
		seen[t.Name] = true
		out = append(out, t)
	}
	return out, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Version returns the installed schema version.
func (s *Store) Version() int {
	return s.version
}

// Tables returns the declared tables.
func (s *Store) Tables() []TableSchema {
	return append([]TableSchema(nil), s.tables...)
}

// HasTable reports whether name is part of the declared schema.
func (s *Store) HasTable(name string) bool {
	for _, t := range s.tables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exec executes a query without returning rows.
func (s *Store) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

// Query executes a query that returns rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryRow executes a query that returns a single row.
func (s *Store) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// InTx runs fn inside a transaction, committing on success. fn must only use
// tx: the store keeps a single connection.
func (s *Store) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Clear truncates every declared table.
func (s *Store) Clear(ctx context.Context) error {
	err := s.InTx(ctx, func(tx *sql.Tx) error {
		for _, t := range s.tables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.Name); err != nil {
				return fmt.Errorf("failed to clear %s: %w", t.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Infof("Cleared %d tables", len(s.tables))
	s.Notify(s.tableNames()...)
	return nil
}

// RewriteMessageID replaces oldID with newID in every column declared as
// holding protocol message ids, except the messages table itself.
func (s *Store) RewriteMessageID(ctx context.Context, tx *sql.Tx, oldID, newID string) error {
	for _, t := range s.tables {
		for _, col := range t.MessageIDColumns {
			q := fmt.Sprintf("UPDATE OR IGNORE %s SET %s = ? WHERE %s = ?", t.Name, col, col)
			if _, err := tx.ExecContext(ctx, q, newID, oldID); err != nil {
				return fmt.Errorf("failed to rewrite %s.%s: %w", t.Name, col, err)
			}
		}
	}
	return nil
}

// MessageIDTables returns the messages table plus every table declaring
// message id columns.
func (s *Store) MessageIDTables() []string {
	names := []string{TableMessages}
	for _, t := range s.tables {
		if len(t.MessageIDColumns) > 0 && t.Name != TableMessages {
			names = append(names, t.Name)
		}
	}
	return names
}

func (s *Store) tableNames() []string {
	names := make([]string, len(s.tables))
	for i, t := range s.tables {
		names[i] = t.Name
	}
	return names
}
