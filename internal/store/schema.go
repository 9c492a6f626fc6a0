package store

import (
	"fmt"
	"sort"
	"strings"
)

// Column is a single column declaration. Type carries the SQL type and any
// column constraints ("TEXT NOT NULL").
type Column struct {
	Name string
	Type string
}

// Index is a secondary index over a table.
type Index struct {
	Name    string
	Columns []string
	Unique  bool
}

// TableSchema declares one table of the cache. Content-type configurations
// contribute their own schemas for auxiliary tables.
type TableSchema struct {
	Name        string
	Columns     []Column
	Constraints []string
	Indexes     []Index

	// MessageIDColumns lists columns that hold protocol message ids. They are
	// rewritten when an optimistic message receives its network id.
	MessageIDColumns []string
}

// CreateSQL returns the CREATE TABLE statement.
func (t TableSchema) CreateSQL() string {
	parts := make([]string, 0, len(t.Columns)+len(t.Constraints))
	for _, c := range t.Columns {
		parts = append(parts, c.Name+" "+c.Type)
	}
	parts = append(parts, t.Constraints...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n    %s\n)", t.Name, strings.Join(parts, ",\n    "))
}

// IndexSQL returns the CREATE INDEX statements.
func (t TableSchema) IndexSQL() []string {
	stmts := make([]string, 0, len(t.Indexes))
	for _, idx := range t.Indexes {
		unique := ""
		if idx.Unique {
			unique = "UNIQUE "
		}
		stmts = append(stmts, fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s(%s)",
			unique, idx.Name, t.Name, strings.Join(idx.Columns, ", ")))
	}
	return stmts
}

// Definition returns the canonical DDL of a set of tables. Two schema sets are
// considered identical when their definitions are equal.
func Definition(tables []TableSchema) string {
	sorted := append([]TableSchema(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var b strings.Builder
	for _, t := range sorted {
		b.WriteString(t.CreateSQL())
		b.WriteString(";\n")
		for _, stmt := range t.IndexSQL() {
			b.WriteString(stmt)
			b.WriteString(";\n")
		}
	}
	return b.String()
}

// Table names of the core schema.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
	TableConsent       = "consent"

	metaTable = "cache_meta"
)

// CoreTables returns the tables every cache has regardless of registered
// content types.
//
// Tables:
//   - conversations - one row per (owner_address, topic)
//   - messages - one row per protocol message id
//   - consent - one row per (owner_address, entity_type, entity_value)
func CoreTables() []TableSchema {
	return []TableSchema{
		{
			Name: TableConversations,
			Columns: []Column{
				{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
				{"owner_address", "TEXT NOT NULL"},
				{"topic", "TEXT NOT NULL"},
				{"peer_address", "TEXT NOT NULL"},
				{"created_at", "INTEGER NOT NULL"},
				{"updated_at", "INTEGER NOT NULL"},
				{"is_ready", "INTEGER NOT NULL DEFAULT 0"},
				{"last_synced_at", "INTEGER"},
				{"metadata", "TEXT"},
			},
			Constraints: []string{"UNIQUE(owner_address, topic)"},
			Indexes: []Index{
				{Name: "idx_conversations_peer", Columns: []string{"owner_address", "peer_address"}},
				{Name: "idx_conversations_updated", Columns: []string{"owner_address", "updated_at"}},
			},
		},
		{
			Name: TableMessages,
			Columns: []Column{
				{"id", "INTEGER PRIMARY KEY AUTOINCREMENT"},
				{"protocol_id", "TEXT NOT NULL"},
				{"local_uuid", "TEXT"},
				{"owner_address", "TEXT NOT NULL"},
				{"conversation_topic", "TEXT NOT NULL"},
				{"content", "BLOB"},
				{"content_bytes", "BLOB"},
				{"content_type", "TEXT NOT NULL"},
				{"content_fallback", "TEXT"},
				{"status", "TEXT NOT NULL"},
				{"is_sending", "INTEGER NOT NULL DEFAULT 0"},
				{"has_send_error", "INTEGER NOT NULL DEFAULT 0"},
				{"has_load_error", "INTEGER NOT NULL DEFAULT 0"},
				{"sent_at", "INTEGER NOT NULL"},
				{"sender_address", "TEXT NOT NULL"},
				{"metadata", "TEXT"},
				{"send_options", "TEXT"},
			},
			Constraints: []string{"UNIQUE(protocol_id)"},
			Indexes: []Index{
				{Name: "idx_messages_local_uuid", Columns: []string{"local_uuid"}},
				{Name: "idx_messages_topic_sent", Columns: []string{"conversation_topic", "sent_at"}},
				{Name: "idx_messages_status", Columns: []string{"status"}},
			},
		},
		{
			Name: TableConsent,
			Columns: []Column{
				{"owner_address", "TEXT NOT NULL"},
				{"entity_type", "TEXT NOT NULL"},
				{"entity_value", "TEXT NOT NULL"},
				{"state", "TEXT NOT NULL"},
				{"updated_at", "INTEGER NOT NULL"},
			},
			Constraints: []string{"PRIMARY KEY(owner_address, entity_type, entity_value)"},
		},
	}
}

const metaSchema = `CREATE TABLE IF NOT EXISTS cache_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`
