// Package cache implements the typed caches over the local store:
// conversations, messages and consent. Each cache serializes its
// create-if-absent and read-modify-write paths so concurrent callers cannot
// produce duplicate rows or lose metadata updates.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

// ConversationKey selects the column GetByKey matches on.
type ConversationKey string

const (
	KeyTopic       ConversationKey = "topic"
	KeyPeerAddress ConversationKey = "peer_address"
	KeyID          ConversationKey = "id"
)

// MetadataUpdater computes a new namespace value from the current one. It
// returns false when nothing should be written.
type MetadataUpdater func(current json.RawMessage) (value any, changed bool, err error)

// ConversationUpdate lists the fields Update may change. Nil fields are left
// as they are.
type ConversationUpdate struct {
	UpdatedAt    *time.Time
	IsReady      *bool
	LastSyncedAt *time.Time
	Metadata     model.Metadata
}

// ConversationCache stores conversations per owner.
type ConversationCache struct {
	store   *store.Store
	log     waLog.Logger
	metrics *metrics.Metrics

	saveMu sync.Mutex
	metaMu sync.Mutex
}

// NewConversationCache creates a ConversationCache.
func NewConversationCache(s *store.Store, m *metrics.Metrics, log waLog.Logger) *ConversationCache {
	return &ConversationCache{store: s, metrics: m, log: log.Sub("Conversations")}
}

const conversationColumns = `id, owner_address, topic, peer_address, created_at, updated_at,
	is_ready, last_synced_at, metadata`

// GetByKey returns the owner's conversation whose key column equals value, or
// nil when there is none.
func (c *ConversationCache) GetByKey(ctx context.Context, owner string, key ConversationKey, value string) (*model.Conversation, error) {
	var where string
	switch key {
	case KeyTopic:
		where = "topic = ?"
	case KeyPeerAddress:
		where = "peer_address = ?"
	case KeyID:
		where = "id = ?"
	default:
		return nil, fmt.Errorf("unknown conversation key %q", key)
	}

	row := c.store.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE owner_address = ? AND `+where+`
		ORDER BY updated_at DESC LIMIT 1`, owner, value)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return conv, nil
}

// HasTopic reports whether the owner has a cached conversation for topic.
func (c *ConversationCache) HasTopic(ctx context.Context, owner, topic string) (bool, error) {
	var n int
	err := c.store.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE owner_address = ? AND topic = ?`, owner, topic).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check conversation: %w", err)
	}
	return n > 0, nil
}

// ListByOwner returns the owner's conversations, most recently updated first.
func (c *ConversationCache) ListByOwner(ctx context.Context, owner string) ([]*model.Conversation, error) {
	rows, err := c.store.Query(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE owner_address = ? ORDER BY updated_at DESC`, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Save inserts conv unless a row for (owner, topic) exists, and returns the
// stored row either way. Concurrent saves of the same conversation produce one
// row.
func (c *ConversationCache) Save(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	existing, err := c.GetByKey(ctx, conv.OwnerAddress, KeyTopic, conv.Topic)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.metrics.Save(store.TableConversations, true)
		return existing, nil
	}

	metadata, err := store.NullJSON(conv.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode conversation metadata: %w", err)
	}
	updatedAt := conv.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = conv.CreatedAt
	}
	res, err := c.store.Exec(ctx, `
		INSERT INTO conversations (owner_address, topic, peer_address, created_at, updated_at,
			is_ready, last_synced_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, conv.OwnerAddress, conv.Topic, conv.PeerAddress, store.Millis(conv.CreatedAt), store.Millis(updatedAt),
		store.BoolToInt(conv.IsReady), store.NullTime(conv.LastSyncedAt), metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to save conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}
	c.metrics.Save(store.TableConversations, false)
	c.store.Notify(store.TableConversations)

	saved := conv.Clone()
	saved.ID = id
	saved.UpdatedAt = updatedAt
	return saved, nil
}

// Update applies the non-nil fields of u to the owner's conversation.
func (c *ConversationCache) Update(ctx context.Context, owner, topic string, u ConversationUpdate) error {
	set := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if u.UpdatedAt != nil {
		set = append(set, "updated_at = ?")
		args = append(args, store.Millis(*u.UpdatedAt))
	}
	if u.IsReady != nil {
		set = append(set, "is_ready = ?")
		args = append(args, store.BoolToInt(*u.IsReady))
	}
	if u.LastSyncedAt != nil {
		set = append(set, "last_synced_at = ?")
		args = append(args, store.NullTime(*u.LastSyncedAt))
	}
	if u.Metadata != nil {
		metadata, err := store.NullJSON(u.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode conversation metadata: %w", err)
		}
		set = append(set, "metadata = ?")
		args = append(args, metadata)
	}
	if len(set) == 0 {
		return nil
	}

	if u.Metadata != nil {
		c.metaMu.Lock()
		defer c.metaMu.Unlock()
	}

	args = append(args, owner, topic)
	q := "UPDATE conversations SET " + strings.Join(set, ", ") + " WHERE owner_address = ? AND topic = ?"
	if _, err := c.store.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	c.store.Notify(store.TableConversations)
	return nil
}

// SetUpdatedAt moves updated_at forward to t. It never moves it backwards and
// reports whether the row changed.
func (c *ConversationCache) SetUpdatedAt(ctx context.Context, owner, topic string, t time.Time) (bool, error) {
	res, err := c.store.Exec(ctx, `
		UPDATE conversations SET updated_at = ?
		WHERE owner_address = ? AND topic = ? AND updated_at < ?
	`, store.Millis(t), owner, topic, store.Millis(t))
	if err != nil {
		return false, fmt.Errorf("failed to update conversation time: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.store.Notify(store.TableConversations)
	}
	return n > 0, nil
}

// UpdateMetadata merges value into the conversation's metadata namespace.
func (c *ConversationCache) UpdateMetadata(ctx context.Context, owner, topic, namespace string, value any) error {
	_, err := c.UpdateMetadataWith(ctx, owner, topic, namespace, func(json.RawMessage) (any, bool, error) {
		return value, true, nil
	})
	return err
}

// UpdateMetadataWith reads the namespace, lets fn compute the new value and
// merges it back. The read and the write happen in one transaction under the
// metadata lock, so updaters never see stale state.
func (c *ConversationCache) UpdateMetadataWith(ctx context.Context, owner, topic, namespace string, fn MetadataUpdater) (bool, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	changed := false
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT metadata FROM conversations WHERE owner_address = ? AND topic = ?`, owner, topic).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("conversation %s not cached", topic)
		}
		if err != nil {
			return fmt.Errorf("failed to read conversation metadata: %w", err)
		}
		current, err := decodeMetadata(raw)
		if err != nil {
			return err
		}

		value, ok, err := fn(current[namespace])
		if err != nil || !ok {
			return err
		}
		merged, err := current.Merge(namespace, value)
		if err != nil {
			return err
		}
		encoded, err := store.NullJSON(merged)
		if err != nil {
			return fmt.Errorf("failed to encode conversation metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET metadata = ? WHERE owner_address = ? AND topic = ?`,
			encoded, owner, topic); err != nil {
			return fmt.Errorf("failed to update conversation metadata: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if changed {
		c.store.Notify(store.TableConversations)
	}
	return changed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var (
		conv         model.Conversation
		createdAt    int64
		updatedAt    int64
		isReady      int
		lastSyncedAt sql.NullInt64
		metadata     sql.NullString
	)
	if err := row.Scan(&conv.ID, &conv.OwnerAddress, &conv.Topic, &conv.PeerAddress, &createdAt, &updatedAt,
		&isReady, &lastSyncedAt, &metadata); err != nil {
		return nil, err
	}
	conv.CreatedAt = store.FromMillis(createdAt)
	conv.UpdatedAt = store.FromMillis(updatedAt)
	conv.IsReady = isReady == 1
	conv.LastSyncedAt = store.FromNullMillis(lastSyncedAt)

	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	conv.Metadata = md
	return &conv, nil
}

func decodeMetadata(raw sql.NullString) (model.Metadata, error) {
	if !raw.Valid || raw.String == "" {
		return model.Metadata{}, nil
	}
	var md model.Metadata
	if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	if md == nil {
		md = model.Metadata{}
	}
	return md, nil
}
