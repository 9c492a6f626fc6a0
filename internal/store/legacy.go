package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
)

// legacyCopy describes how one table of the pre-versioned store maps onto the
// current schema.
type legacyCopy struct {
	from   string
	to     string
	insert string
}

// The pre-versioned store used camelCase columns, "walletAddress" for the
// owner and "xmtpID" for the network message id.
var legacyCopies = []legacyCopy{
	{
		from: "conversations",
		to:   TableConversations,
		insert: `INSERT OR IGNORE INTO conversations
			(owner_address, topic, peer_address, created_at, updated_at, is_ready, metadata)
			SELECT walletAddress, topic, peerAddress, createdAt, updatedAt, COALESCE(isReady, 0), metadata
			FROM legacy.conversations`,
	},
	{
		from: "messages",
		to:   TableMessages,
		insert: `INSERT OR IGNORE INTO messages
			(protocol_id, owner_address, conversation_topic, content, content_bytes, content_type,
			 content_fallback, status, sent_at, sender_address, metadata)
			SELECT xmtpID, walletAddress, conversationTopic, content, contentBytes, contentType,
			 contentFallback, COALESCE(status, 'unprocessed'), sentAt, senderAddress, metadata
			FROM legacy.messages WHERE xmtpID IS NOT NULL`,
	},
	{
		from: "reactions",
		to:   "reactions",
		insert: `INSERT OR IGNORE INTO reactions
			(protocol_id, reference_message_id, content, schema, sender_address, sent_at)
			SELECT xmtpID, referenceXmtpID, content, schema, senderAddress, sentAt
			FROM legacy.reactions`,
	},
	{
		from: "replies",
		to:   "replies",
		insert: `INSERT OR IGNORE INTO replies (reference_message_id, reply_message_id)
			SELECT referenceXmtpID, xmtpID FROM legacy.replies`,
	},
	{
		from: "consent",
		to:   TableConsent,
		insert: `INSERT OR REPLACE INTO consent (owner_address, entity_type, entity_value, state, updated_at)
			SELECT walletAddress, 'address', peerAddress, state, CAST(strftime('%s', 'now') AS INTEGER) * 1000
			FROM legacy.consent`,
	},
}

// MigrateLegacy copies the records of a pre-versioned store at legacyPath into
// s and deletes the legacy files afterwards. Each table is copied
// independently; a table that is missing on either side or fails to copy is
// logged and skipped.
func (s *Store) MigrateLegacy(ctx context.Context, legacyPath string) error {
	s.log.Infof("Migrating legacy store %s", legacyPath)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS legacy", legacyPath); err != nil {
		return fmt.Errorf("failed to attach legacy store: %w", err)
	}

	migrated := make([]string, 0, len(legacyCopies))
	for _, c := range legacyCopies {
		if !s.HasTable(c.to) {
			s.log.Debugf("Skipping legacy %s: table not in schema", c.from)
			continue
		}
		exists, err := legacyTableExists(ctx, conn, c.from)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		res, err := conn.ExecContext(ctx, c.insert)
		if err != nil {
			s.log.Warnf("Failed to migrate legacy %s: %v", c.from, err)
			continue
		}
		n, _ := res.RowsAffected()
		s.log.Infof("Migrated %d legacy %s", n, c.from)
		migrated = append(migrated, c.to)
	}

	if _, err := conn.ExecContext(ctx, "DETACH DATABASE legacy"); err != nil {
		return fmt.Errorf("failed to detach legacy store: %w", err)
	}

	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(legacyPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete legacy store: %w", err)
		}
	}
	s.log.Infof("Deleted legacy store %s", legacyPath)

	s.Notify(migrated...)
	return nil
}

func legacyTableExists(ctx context.Context, conn *sql.Conn, table string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM legacy.sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to inspect legacy store: %w", err)
	}
	return n > 0, nil
}
