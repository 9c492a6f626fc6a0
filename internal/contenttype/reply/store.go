package reply

import (
	"context"
	"fmt"

	"msgcache/internal/store"
)

// Table links replies to the messages they answer.
const Table = "replies"

// Schema declares the replies table.
func Schema() store.TableSchema {
	return store.TableSchema{
		Name: Table,
		Columns: []store.Column{
			{Name: "id", Type: "INTEGER PRIMARY KEY AUTOINCREMENT"},
			{Name: "reference_message_id", Type: "TEXT NOT NULL"},
			{Name: "reply_message_id", Type: "TEXT NOT NULL"},
		},
		Constraints: []string{"UNIQUE(reference_message_id, reply_message_id)"},
		Indexes: []store.Index{
			{Name: "idx_replies_reply", Columns: []string{"reply_message_id"}},
		},
		MessageIDColumns: []string{"reference_message_id", "reply_message_id"},
	}
}

// Reply is a stored reply link.
type Reply struct {
	ID                 int64
	ReferenceMessageID string
	ReplyMessageID     string
}

// Store reads and writes the replies table.
type Store struct {
	store *store.Store
}

// NewStore creates a Store.
func NewStore(s *store.Store) *Store {
	return &Store{store: s}
}

// Add links replyID to referenceID. Adding the same link twice is a no-op.
func (s *Store) Add(ctx context.Context, referenceID, replyID string) error {
	_, err := s.store.Exec(ctx, `
		INSERT OR IGNORE INTO replies (reference_message_id, reply_message_id) VALUES (?, ?)
	`, referenceID, replyID)
	if err != nil {
		return fmt.Errorf("failed to add reply: %w", err)
	}
	s.store.Notify(Table)
	return nil
}

// ListByMessage returns the replies to a message.
func (s *Store) ListByMessage(ctx context.Context, referenceID string) ([]Reply, error) {
	rows, err := s.store.Query(ctx, `
		SELECT id, reference_message_id, reply_message_id FROM replies
		WHERE reference_message_id = ? ORDER BY id
	`, referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list replies: %w", err)
	}
	defer rows.Close()

	var out []Reply
	for rows.Next() {
		var r Reply
		if err := rows.Scan(&r.ID, &r.ReferenceMessageID, &r.ReplyMessageID); err != nil {
			return nil, fmt.Errorf("failed to scan reply: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
