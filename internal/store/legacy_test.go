package store_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgcache/internal/contenttype/reaction"
	"msgcache/internal/contenttype/reply"
	"msgcache/internal/infra/logger"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

func createLegacy(t *testing.T, path string) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	for _, stmt := range []string{
		`CREATE TABLE conversations (topic TEXT, peerAddress TEXT, walletAddress TEXT, createdAt INTEGER,
			updatedAt INTEGER, isReady INTEGER, metadata TEXT)`,
		`INSERT INTO conversations VALUES ('t1', 'bob', 'alice', 1000, 2000, 1, NULL)`,
		`CREATE TABLE messages (xmtpID TEXT, walletAddress TEXT, conversationTopic TEXT, content BLOB,
			contentBytes BLOB, contentType TEXT, contentFallback TEXT, status TEXT, sentAt INTEGER,
			senderAddress TEXT, metadata TEXT)`,
		`INSERT INTO messages VALUES ('x1', 'alice', 't1', NULL, X'0102', 'xmtp.org/text:1.0', 'hi', NULL, 1500, 'bob', NULL)`,
		`INSERT INTO messages VALUES (NULL, 'alice', 't1', NULL, NULL, 'xmtp.org/text:1.0', '', 'unprocessed', 1600, 'bob', NULL)`,
		`CREATE TABLE consent (walletAddress TEXT, peerAddress TEXT, state TEXT)`,
		`INSERT INTO consent VALUES ('alice', 'bob', 'allowed')`,
		`CREATE TABLE reactions (xmtpID TEXT, referenceXmtpID TEXT, content TEXT, schema TEXT,
			senderAddress TEXT, sentAt INTEGER)`,
		`INSERT INTO reactions VALUES ('x2', 'x1', '👍', 'unicode', 'alice', 1700)`,
		`CREATE TABLE replies (referenceXmtpID TEXT, xmtpID TEXT)`,
		`INSERT INTO replies VALUES ('x1', 'x3')`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
}

func TestLegacyMigration(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.db")
	createLegacy(t, legacy)

	s, err := store.Open(ctx, filepath.Join(dir, "cache.db"), store.Options{
		Version:    1,
		Tables:     []store.TableSchema{reaction.Schema(), reply.Schema()},
		LegacyPath: legacy,
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	var owner, peer string
	var ready int
	require.NoError(t, s.QueryRow(ctx,
		`SELECT owner_address, peer_address, is_ready FROM conversations WHERE topic = 't1'`).Scan(&owner, &peer, &ready))
	assert.Equal(t, "alice", owner)
	assert.Equal(t, "bob", peer)
	assert.Equal(t, 1, ready)

	var status string
	var raw []byte
	require.NoError(t, s.QueryRow(ctx,
		`SELECT status, content_bytes FROM messages WHERE protocol_id = 'x1'`).Scan(&status, &raw))
	assert.Equal(t, "unprocessed", status)
	assert.Equal(t, []byte{1, 2}, raw)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[store.TableMessages], "rows without a protocol id are dropped")
	assert.Equal(t, 1, stats[reaction.Table])
	assert.Equal(t, 1, stats[reply.Table])

	reactions, err := reaction.NewStore(s).ListByMessage(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, reactions, 1)
	assert.Equal(t, "x2", reactions[0].ProtocolID)
	assert.Equal(t, "👍", reactions[0].Content)
	assert.Equal(t, model.SchemaUnicode, reactions[0].Schema)
	assert.Equal(t, "alice", reactions[0].SenderAddress)

	links, err := reply.NewStore(s).ListByMessage(ctx, "x1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "x3", links[0].ReplyMessageID)

	var entityType, state string
	require.NoError(t, s.QueryRow(ctx,
		`SELECT entity_type, state FROM consent WHERE owner_address = 'alice' AND entity_value = 'bob'`).Scan(&entityType, &state))
	assert.Equal(t, "address", entityType)
	assert.Equal(t, "allowed", state)

	_, err = os.Stat(legacy)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The legacy file is gone, so a second open migrates nothing.
	require.NoError(t, s.Close())
	s, err = store.Open(ctx, filepath.Join(dir, "cache.db"), store.Options{
		Version:    1,
		Tables:     []store.TableSchema{reaction.Schema(), reply.Schema()},
		LegacyPath: legacy,
	}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[reaction.Table])
}
