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

	"github.com/google/uuid"
	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/codec"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

// PendingPrefix marks the temporary protocol id of an optimistic message.
const PendingPrefix = "pending-"

// MessageUpdate lists the mutable message fields. Nil fields are left as they
// are; SendOptions is only written when SetSendOptions is true so it can be
// cleared.
type MessageUpdate struct {
	Status         *model.MessageStatus
	IsSending      *bool
	SentAt         *time.Time
	ProtocolID     *string
	Metadata       model.Metadata
	HasSendError   *bool
	SetSendOptions bool
	SendOptions    *model.SendOptions
}

// Apply copies the set fields of u onto m.
func (u MessageUpdate) Apply(m *model.Message) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.IsSending != nil {
		m.IsSending = *u.IsSending
	}
	if u.SentAt != nil {
		m.SentAt = *u.SentAt
	}
	if u.ProtocolID != nil {
		m.ProtocolID = *u.ProtocolID
	}
	if u.Metadata != nil {
		m.Metadata = u.Metadata.Clone()
	}
	if u.HasSendError != nil {
		m.HasSendError = *u.HasSendError
	}
	if u.SetSendOptions {
		m.SendOptions = u.SendOptions
	}
}

// MessageCache stores messages. Content is kept in its encoded form and
// decoded with the injected codecs when loaded.
type MessageCache struct {
	store   *store.Store
	codecs  *codec.Set
	log     waLog.Logger
	metrics *metrics.Metrics

	saveMu sync.Mutex
	metaMu sync.Mutex
}

// NewMessageCache creates a MessageCache.
func NewMessageCache(s *store.Store, codecs *codec.Set, m *metrics.Metrics, log waLog.Logger) *MessageCache {
	return &MessageCache{store: s, codecs: codecs, metrics: m, log: log.Sub("Messages")}
}

const messageColumns = `id, protocol_id, local_uuid, owner_address, conversation_topic, content, content_bytes,
	content_type, content_fallback, status, is_sending, has_send_error, has_load_error, sent_at,
	sender_address, metadata, send_options`

// GetByProtocolID returns the message with the given network id, or nil.
func (c *MessageCache) GetByProtocolID(ctx context.Context, protocolID string) (*model.Message, error) {
	row := c.store.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE protocol_id = ?`, protocolID)
	msg, err := c.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetByLocalUUID returns the optimistic message created with localUUID, or nil.
func (c *MessageCache) GetByLocalUUID(ctx context.Context, localUUID string) (*model.Message, error) {
	row := c.store.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE local_uuid = ?`, localUUID)
	msg, err := c.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// GetLast returns the most recent message of a conversation, or nil.
func (c *MessageCache) GetLast(ctx context.Context, topic string) (*model.Message, error) {
	row := c.store.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_topic = ? ORDER BY sent_at DESC, id DESC LIMIT 1`, topic)
	msg, err := c.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last message: %w", err)
	}
	return msg, nil
}

// GetUnprocessed returns every message still waiting for its processors.
func (c *MessageCache) GetUnprocessed(ctx context.Context) ([]*model.Message, error) {
	return c.list(ctx, `SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY sent_at`,
		model.StatusUnprocessed)
}

// ListByTopic returns messages of a conversation, newest first.
func (c *MessageCache) ListByTopic(ctx context.Context, topic string, limit, offset int) ([]*model.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	return c.list(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE conversation_topic = ? ORDER BY sent_at DESC, id DESC LIMIT ? OFFSET ?`, topic, limit, offset)
}

func (c *MessageCache) list(ctx context.Context, query string, args ...any) ([]*model.Message, error) {
	rows, err := c.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		msg, err := c.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// Save inserts msg unless its protocol id is already cached, and returns the
// stored row either way. Concurrent saves of the same id produce one row.
func (c *MessageCache) Save(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg.ProtocolID == "" {
		return nil, errors.New("message has no protocol id")
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	existing, err := c.GetByProtocolID(ctx, msg.ProtocolID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.metrics.Save(store.TableMessages, true)
		return existing, nil
	}

	var saved *model.Message
	err = c.store.InTx(ctx, func(tx *sql.Tx) error {
		saved, err = c.insert(ctx, tx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.metrics.Save(store.TableMessages, false)
	c.store.Notify(store.TableMessages)
	return saved, nil
}

// Replace swaps the cached row with msg's protocol id for msg in one
// transaction and returns the stored row. The old row is left in place if the
// insert fails.
func (c *MessageCache) Replace(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if msg.ProtocolID == "" {
		return nil, errors.New("message has no protocol id")
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	var saved *model.Message
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE protocol_id = ?`, msg.ProtocolID); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		var err error
		saved, err = c.insert(ctx, tx, msg)
		return err
	})
	if err != nil {
		return nil, err
	}
	c.metrics.Save(store.TableMessages, false)
	c.store.Notify(store.TableMessages)
	return saved, nil
}

func (c *MessageCache) insert(ctx context.Context, tx *sql.Tx, msg *model.Message) (*model.Message, error) {
	saved := msg.Clone()
	content, fallback, err := c.encodeContent(saved.Content)
	if err != nil {
		return nil, err
	}
	if saved.ContentFallback == "" {
		saved.ContentFallback = fallback
	}
	if saved.Content != nil {
		saved.ContentBytes = nil
	}
	if saved.Status == "" {
		saved.Status = model.StatusUnprocessed
	}
	metadata, err := store.NullJSON(saved.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message metadata: %w", err)
	}
	sendOptions, err := store.NullJSON(saved.SendOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode send options: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (protocol_id, local_uuid, owner_address, conversation_topic, content, content_bytes,
			content_type, content_fallback, status, is_sending, has_send_error, has_load_error, sent_at,
			sender_address, metadata, send_options)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, saved.ProtocolID, store.NullString(saved.LocalUUID), saved.OwnerAddress, saved.ConversationTopic,
		content, saved.ContentBytes, string(saved.ContentType), store.NullString(saved.ContentFallback),
		string(saved.Status), store.BoolToInt(saved.IsSending), store.BoolToInt(saved.HasSendError),
		store.BoolToInt(saved.HasLoadError), store.Millis(saved.SentAt), saved.SenderAddress, metadata, sendOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	if saved.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}
	return saved, nil
}

// Delete removes a message by protocol id.
func (c *MessageCache) Delete(ctx context.Context, msg *model.Message) error {
	if _, err := c.store.Exec(ctx, `DELETE FROM messages WHERE protocol_id = ?`, msg.ProtocolID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	c.store.Notify(store.TableMessages)
	return nil
}

// Update writes the set fields of u to the cached row of msg and returns the
// updated message.
func (c *MessageCache) Update(ctx context.Context, msg *model.Message, u MessageUpdate) (*model.Message, error) {
	set := make([]string, 0, 7)
	args := make([]any, 0, 8)
	if u.Status != nil {
		set = append(set, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.IsSending != nil {
		set = append(set, "is_sending = ?")
		args = append(args, store.BoolToInt(*u.IsSending))
	}
	if u.SentAt != nil {
		set = append(set, "sent_at = ?")
		args = append(args, store.Millis(*u.SentAt))
	}
	if u.ProtocolID != nil {
		set = append(set, "protocol_id = ?")
		args = append(args, *u.ProtocolID)
	}
	if u.Metadata != nil {
		metadata, err := store.NullJSON(u.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode message metadata: %w", err)
		}
		set = append(set, "metadata = ?")
		args = append(args, metadata)
	}
	if u.HasSendError != nil {
		set = append(set, "has_send_error = ?")
		args = append(args, store.BoolToInt(*u.HasSendError))
	}
	if u.SetSendOptions {
		opts, err := store.NullJSON(u.SendOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode send options: %w", err)
		}
		set = append(set, "send_options = ?")
		args = append(args, opts)
	}

	updated := msg.Clone()
	u.Apply(updated)
	if len(set) == 0 {
		return updated, nil
	}

	args = append(args, msg.ProtocolID)
	q := "UPDATE messages SET " + strings.Join(set, ", ") + " WHERE protocol_id = ?"
	if _, err := c.store.Exec(ctx, q, args...); err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	c.store.Notify(store.TableMessages)
	return updated, nil
}

// UpdateMetadata merges value into the message's metadata namespace and
// returns the updated message. It returns nil when the message is not cached.
func (c *MessageCache) UpdateMetadata(ctx context.Context, msg *model.Message, namespace string, value any) (*model.Message, error) {
	metadata, ok, err := c.UpdateMetadataByProtocolID(ctx, msg.ProtocolID, namespace, value)
	if err != nil || !ok {
		return nil, err
	}
	updated := msg.Clone()
	updated.Metadata = metadata
	return updated, nil
}

// UpdateMetadataByProtocolID merges value into the namespace of the cached
// message with protocolID. It reports false when no such message is cached.
func (c *MessageCache) UpdateMetadataByProtocolID(ctx context.Context, protocolID, namespace string, value any) (model.Metadata, bool, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	var merged model.Metadata
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE protocol_id = ?`, protocolID).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read message metadata: %w", err)
		}
		current, err := decodeMetadata(raw)
		if err != nil {
			return err
		}
		if merged, err = current.Merge(namespace, value); err != nil {
			return err
		}
		encoded, err := store.NullJSON(merged)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET metadata = ? WHERE protocol_id = ?`,
			encoded, protocolID); err != nil {
			return fmt.Errorf("failed to update message metadata: %w", err)
		}
		return nil
	})
	if err != nil || merged == nil {
		return nil, false, err
	}
	c.store.Notify(store.TableMessages)
	return merged, true, nil
}

// PrepareForSending stores an optimistic placeholder for content about to be
// sent to conv. The placeholder carries a temporary protocol id until
// FinalizeAfterSending.
func (c *MessageCache) PrepareForSending(ctx context.Context, owner string, content model.Content, contentType model.ContentTypeID, conv *model.Conversation) (*model.Message, error) {
	if conv == nil {
		return nil, errors.New("cannot prepare a message without a conversation")
	}
	now := time.Now()
	msg := &model.Message{
		ProtocolID:        fmt.Sprintf("%s%d", PendingPrefix, now.UnixNano()),
		LocalUUID:         uuid.NewString(),
		OwnerAddress:      owner,
		ConversationTopic: conv.Topic,
		Content:           content,
		ContentType:       contentType,
		Status:            model.StatusUnprocessed,
		IsSending:         true,
		SentAt:            now,
		SenderAddress:     owner,
	}
	return c.Save(ctx, msg)
}

// FinalizeAfterSending swaps the temporary id and time of an optimistic
// message for the network-confirmed ones and clears its sending state. Rows
// in auxiliary tables that reference the temporary id are rewritten in the
// same transaction. If the confirmed message was already cached, for example
// because a stream delivered it first, the placeholder is dropped in favor of
// it.
func (c *MessageCache) FinalizeAfterSending(ctx context.Context, msg *model.Message, sentAt time.Time, protocolID string) (*model.Message, error) {
	oldID := msg.ProtocolID
	finalized := msg.Clone()
	finalized.ProtocolID = protocolID
	finalized.SentAt = sentAt
	finalized.IsSending = false
	finalized.HasSendError = false
	finalized.SendOptions = nil

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	duplicate := false
	err := c.store.InTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE protocol_id = ?`, protocolID).Scan(&n); err != nil {
			return fmt.Errorf("failed to check confirmed message: %w", err)
		}
		if n > 0 && oldID != protocolID {
			duplicate = true
			if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE protocol_id = ?`, oldID); err != nil {
				return fmt.Errorf("failed to drop optimistic message: %w", err)
			}
		} else if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET protocol_id = ?, sent_at = ?, is_sending = 0, has_send_error = 0, send_options = NULL
			WHERE protocol_id = ?
		`, protocolID, store.Millis(sentAt), oldID); err != nil {
			return fmt.Errorf("failed to finalize message: %w", err)
		}
		return c.store.RewriteMessageID(ctx, tx, oldID, protocolID)
	})
	if err != nil {
		return nil, err
	}
	c.store.Notify(c.store.MessageIDTables()...)

	if duplicate {
		c.log.Debugf("Message %s was cached before send confirmation, dropped placeholder %s", protocolID, oldID)
		existing, err := c.GetByProtocolID(ctx, protocolID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	return finalized, nil
}

func (c *MessageCache) encodeContent(content model.Content) ([]byte, string, error) {
	if content == nil {
		return nil, "", nil
	}
	ec, err := c.codecs.Encode(content)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode message content: %w", err)
	}
	data, err := codec.Marshal(ec)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode message content: %w", err)
	}
	return data, ec.Fallback, nil
}

func (c *MessageCache) decodeContent(data []byte) (model.Content, error) {
	ec, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return c.codecs.Decode(ec)
}

func (c *MessageCache) scanMessage(row scanner) (*model.Message, error) {
	var (
		msg          model.Message
		localUUID    sql.NullString
		content      []byte
		contentType  string
		fallback     sql.NullString
		status       string
		isSending    int
		hasSendError int
		hasLoadError int
		sentAt       int64
		metadata     sql.NullString
		sendOptions  sql.NullString
	)
	if err := row.Scan(&msg.ID, &msg.ProtocolID, &localUUID, &msg.OwnerAddress, &msg.ConversationTopic,
		&content, &msg.ContentBytes, &contentType, &fallback, &status, &isSending, &hasSendError,
		&hasLoadError, &sentAt, &msg.SenderAddress, &metadata, &sendOptions); err != nil {
		return nil, err
	}
	msg.LocalUUID = localUUID.String
	msg.ContentType = model.ContentTypeID(contentType)
	msg.ContentFallback = fallback.String
	msg.Status = model.MessageStatus(status)
	msg.IsSending = isSending == 1
	msg.HasSendError = hasSendError == 1
	msg.HasLoadError = hasLoadError == 1
	msg.SentAt = store.FromMillis(sentAt)

	if len(content) > 0 {
		decoded, err := c.decodeContent(content)
		if err != nil {
			c.log.Warnf("Failed to load content of message %s: %v", msg.ProtocolID, err)
			msg.HasLoadError = true
		} else {
			msg.Content = decoded
		}
	}

	md, err := decodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	msg.Metadata = md

	if sendOptions.Valid {
		var opts model.SendOptions
		if err := json.Unmarshal([]byte(sendOptions.String), &opts); err != nil {
			return nil, fmt.Errorf("failed to decode send options: %w", err)
		}
		msg.SendOptions = &opts
	}
	return &msg, nil
}
