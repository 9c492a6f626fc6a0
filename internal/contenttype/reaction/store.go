package reaction

import (
	"context"
	"fmt"
	"time"

	"msgcache/internal/model"
	"msgcache/internal/store"
)

// Table holds one row per distinct reaction.
const Table = "reactions"

// Schema declares the reactions table.
func Schema() store.TableSchema {
	return store.TableSchema{
		Name: Table,
		Columns: []store.Column{
			{Name: "id", Type: "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{Name: "protocol_id", Type: "TEXT NOT NULL"},
			{Name: "reference_message_id", Type: "TEXT NOT NULL"},
			{Name: "content", Type: "TEXT NOT NULL"},
			{Name: "schema", Type: "TEXT NOT NULL"},
			{Name: "sender_address", Type: "TEXT NOT NULL"},
			{Name: "sent_at", Type: "INTEGER NOT NULL"},
		},
		Constraints: []string{"UNIQUE(content, reference_message_id, schema, sender_address)"},
		Indexes: []store.Index{
			{Name: "idx_reactions_reference", Columns: []string{"reference_message_id"}},
		},
		MessageIDColumns: []string{"protocol_id", "reference_message_id"},
	}
}

// Reaction is a stored reaction.
type Reaction struct {
	ID                 int64
	ProtocolID         string
	ReferenceMessageID string
	Content            string
	Schema             model.ReactionSchema
	SenderAddress      string
	SentAt             time.Time
}

// Store reads and writes the reactions table.
type Store struct {
	store *store.Store
}

// NewStore creates a Store.
func NewStore(s *store.Store) *Store {
	return &Store{store: s}
}

// Add records r unless the same sender already reacted with the same content.
func (s *Store) Add(ctx context.Context, r Reaction) error {
	_, err := s.store.Exec(ctx, `
		INSERT OR IGNORE INTO reactions
			(protocol_id, reference_message_id, content, schema, sender_address, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ProtocolID, r.ReferenceMessageID, r.Content, string(r.Schema), r.SenderAddress, store.Millis(r.SentAt))
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	s.store.Notify(Table)
	return nil
}

// Remove deletes the reaction matching r's content, reference, schema and sender.
func (s *Store) Remove(ctx context.Context, r Reaction) error {
	_, err := s.store.Exec(ctx, `
		DELETE FROM reactions
		WHERE content = ? AND reference_message_id = ? AND schema = ? AND sender_address = ?
	`, r.Content, r.ReferenceMessageID, string(r.Schema), r.SenderAddress)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	s.store.Notify(Table)
	return nil
}

// Count returns the number of reactions to a message.
func (s *Store) Count(ctx context.Context, referenceID string) (int, error) {
	var n int
	err := s.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM reactions WHERE reference_message_id = ?`, referenceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count reactions: %w", err)
	}
	return n, nil
}

// ListByMessage returns the reactions to a message, oldest first.
func (s *Store) ListByMessage(ctx context.Context, referenceID string) ([]Reaction, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, protocol_id, reference_message_id, content, schema, sender_address, sent_at
		FROM reactions WHERE reference_message_id = ? ORDER BY sent_at, id
	`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	var out []Reaction
	for rows.Next() {
		var (
			r      Reaction
			schema string
			sentAt int64
		)
		if err := rows.Scan(&r.ID, &r.ProtocolID, &r.ReferenceMessageID, &r.Content, &schema,
			&r.SenderAddress, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan reaction: %w", err)
		}
		r.Schema = model.ReactionSchema(schema)
		r.SentAt = store.FromMillis(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
