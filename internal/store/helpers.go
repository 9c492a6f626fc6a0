package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Helper functions for null-safe SQL operations, shared with the caches.

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// NullTime maps the zero time to NULL and stores everything else as unix millis.
func NullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// Millis converts t to unix millis.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix millis back to a time. Zero stays the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// FromNullMillis converts a nullable millis column.
func FromNullMillis(ns sql.NullInt64) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return FromMillis(ns.Int64)
}

// BoolToInt converts a bool to a sqlite integer.
func BoolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// NullJSON encodes v as JSON, storing nil and empty values as NULL.
func NullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(b) == "null" || string(b) == "{}" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
