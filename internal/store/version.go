package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const definitionKey = "schema_definition"

var (
	// ErrSchemaDrift means the declared schema differs from the installed one
	// while the version stayed the same.
	ErrSchemaDrift = errors.New("schema drift")

	// ErrSchemaDowngrade means the declared version is older than the installed one.
	ErrSchemaDowngrade = errors.New("schema downgrade")
)

// install creates, verifies or upgrades the schema.
func (s *Store) install(ctx context.Context) error {
	return s.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, metaSchema); err != nil {
			return fmt.Errorf("failed to create meta table: %w", err)
		}

		var installed int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&installed); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var definition string
		err := tx.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = ?`, definitionKey).Scan(&definition)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("failed to read schema definition: %w", err)
		}

		declared := Definition(s.tables)
		switch {
		case installed == 0:
			s.log.Infof("Creating schema version %d", s.version)
			if err := s.createTables(ctx, tx); err != nil {
				return err
			}
		case installed == s.version:
			if definition != declared {
				return fmt.Errorf("%w: store %s has a different schema installed at version %d; "+
					"bump the schema version to change the schema", ErrSchemaDrift, s.path, installed)
			}
			return nil
		case installed > s.version:
			return fmt.Errorf("%w: store %s is at version %d, declared version is %d",
				ErrSchemaDowngrade, s.path, installed, s.version)
		default:
			s.log.Infof("Upgrading schema from version %d to %d", installed, s.version)
			if err := s.upgradeTables(ctx, tx); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cache_meta (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, definitionKey, declared); err != nil {
			return fmt.Errorf("failed to record schema definition: %w", err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", s.version)); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
		return nil
	})
}

func (s *Store) createTables(ctx context.Context, tx *sql.Tx) error {
	for _, t := range s.tables {
		if _, err := tx.ExecContext(ctx, t.CreateSQL()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		for _, stmt := range t.IndexSQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

// upgradeTables applies additive changes: new tables, new columns, new
// indexes. Added columns must be nullable or carry a default.
func (s *Store) upgradeTables(ctx context.Context, tx *sql.Tx) error {
	for _, t := range s.tables {
		existing, err := tableColumns(ctx, tx, t.Name)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if _, err := tx.ExecContext(ctx, t.CreateSQL()); err != nil {
				return fmt.Errorf("failed to create table %s: %w", t.Name, err)
			}
		} else {
			for _, c := range t.Columns {
				if existing[c.Name] {
					continue
				}
				s.log.Infof("Adding column %s.%s", t.Name, c.Name)
				q := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t.Name, c.Name, c.Type)
				if _, err := tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("failed to add column %s.%s: %w", t.Name, c.Name, err)
				}
			}
		}
		for _, stmt := range t.IndexSQL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// tableColumns returns the column names of a table, or an empty set when the
// table does not exist.
func tableColumns(ctx context.Context, q queryer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
