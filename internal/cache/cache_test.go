package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgcache/internal/codec"
	"msgcache/internal/infra/logger"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

const owner = "0xowner"

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"),
		store.Options{Version: 1}, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func textCodecs() *codec.Set {
	return codec.NewSet(codec.JSON[model.Text]{
		Type:         model.ContentTypeText,
		FallbackText: func(t model.Text) string { return string(t) },
	})
}

func newConversation(topic string, createdAt time.Time) *model.Conversation {
	return &model.Conversation{
		Topic:        topic,
		PeerAddress:  "0xpeer",
		OwnerAddress: owner,
		CreatedAt:    createdAt,
	}
}

func newMessage(id string, sentAt time.Time) *model.Message {
	return &model.Message{
		ProtocolID:        id,
		OwnerAddress:      owner,
		ConversationTopic: "topic-1",
		Content:           model.Text("hello"),
		ContentType:       model.ContentTypeText,
		Status:            model.StatusUnprocessed,
		SentAt:            sentAt,
		SenderAddress:     "0xpeer",
	}
}

func TestConversationSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	created := time.UnixMilli(1_700_000_000_000)

	first, err := convs.Save(ctx, newConversation("topic-1", created))
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	again := newConversation("topic-1", created.Add(time.Hour))
	again.PeerAddress = "0xother"
	second, err := convs.Save(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "0xpeer", second.PeerAddress)
	assert.True(t, created.Equal(second.CreatedAt))
}

func TestConversationConcurrentSave(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())

	const n = 10
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := convs.Save(ctx, newConversation("topic-1", time.UnixMilli(1000)))
			assert.NoError(t, err)
			if conv != nil {
				ids[i] = conv.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	list, err := convs.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConversationGetByKey(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	saved, err := convs.Save(ctx, newConversation("topic-1", time.UnixMilli(1000)))
	require.NoError(t, err)

	byPeer, err := convs.GetByKey(ctx, owner, KeyPeerAddress, "0xpeer")
	require.NoError(t, err)
	require.NotNil(t, byPeer)
	assert.Equal(t, saved.ID, byPeer.ID)

	byID, err := convs.GetByKey(ctx, owner, KeyID, "1")
	require.NoError(t, err)
	require.NotNil(t, byID)
	assert.Equal(t, "topic-1", byID.Topic)

	missing, err := convs.GetByKey(ctx, "0xsomeoneelse", KeyTopic, "topic-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = convs.GetByKey(ctx, owner, ConversationKey("bogus"), "x")
	assert.Error(t, err)

	has, err := convs.HasTopic(ctx, owner, "topic-1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestConversationSetUpdatedAtNeverRegresses(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	base := time.UnixMilli(1_700_000_000_000)
	_, err := convs.Save(ctx, newConversation("topic-1", base))
	require.NoError(t, err)

	changed, err := convs.SetUpdatedAt(ctx, owner, "topic-1", base.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = convs.SetUpdatedAt(ctx, owner, "topic-1", base)
	require.NoError(t, err)
	assert.False(t, changed)

	conv, err := convs.GetByKey(ctx, owner, KeyTopic, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Second).UnixMilli(), conv.UpdatedAt.UnixMilli())
}

func TestConversationUpdateMetadataMergesNamespaces(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	_, err := convs.Save(ctx, newConversation("topic-1", time.UnixMilli(1000)))
	require.NoError(t, err)

	require.NoError(t, convs.UpdateMetadata(ctx, owner, "topic-1", "a", map[string]int{"x": 1}))
	require.NoError(t, convs.UpdateMetadata(ctx, owner, "topic-1", "a", map[string]int{"y": 2}))
	require.NoError(t, convs.UpdateMetadata(ctx, owner, "topic-1", "b", true))

	conv, err := convs.GetByKey(ctx, owner, KeyTopic, "topic-1")
	require.NoError(t, err)
	var a map[string]int
	ok, err := conv.Metadata.Get("a", &a)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]int{"x": 1, "y": 2}, a)
	assert.JSONEq(t, "true", string(conv.Metadata["b"]))
}

func TestConversationUpdateMetadataWithSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	_, err := convs.Save(ctx, newConversation("topic-1", time.UnixMilli(1000)))
	require.NoError(t, err)

	changed, err := convs.UpdateMetadataWith(ctx, owner, "topic-1", "n", func(current json.RawMessage) (any, bool, error) {
		assert.Nil(t, current)
		return 5, true, nil
	})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = convs.UpdateMetadataWith(ctx, owner, "topic-1", "n", func(current json.RawMessage) (any, bool, error) {
		assert.JSONEq(t, "5", string(current))
		return nil, false, nil
	})
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = convs.UpdateMetadataWith(ctx, owner, "missing", "n", func(json.RawMessage) (any, bool, error) {
		return 1, true, nil
	})
	assert.Error(t, err)
}

func TestConversationUpdate(t *testing.T) {
	ctx := context.Background()
	convs := NewConversationCache(openStore(t), nil, logger.Discard())
	_, err := convs.Save(ctx, newConversation("topic-1", time.UnixMilli(1000)))
	require.NoError(t, err)

	ready := true
	synced := time.UnixMilli(5000)
	require.NoError(t, convs.Update(ctx, owner, "topic-1", ConversationUpdate{IsReady: &ready, LastSyncedAt: &synced}))

	conv, err := convs.GetByKey(ctx, owner, KeyTopic, "topic-1")
	require.NoError(t, err)
	assert.True(t, conv.IsReady)
	assert.Equal(t, int64(5000), conv.LastSyncedAt.UnixMilli())
}

func TestMessageConcurrentSaveCreatesOneRow(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	msgs := NewMessageCache(s, textCodecs(), nil, logger.Discard())

	const n = 10
	results := make([]*model.Message, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := msgs.Save(ctx, newMessage("m1", time.UnixMilli(1000)))
			assert.NoError(t, err)
			results[i] = msg
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, results[0].ID, r.ID)
		assert.Equal(t, model.Text("hello"), r.Content)
	}
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[store.TableMessages])
}

func TestMessageRoundTripDecodesContent(t *testing.T) {
	ctx := context.Background()
	msgs := NewMessageCache(openStore(t), textCodecs(), nil, logger.Discard())

	saved, err := msgs.Save(ctx, newMessage("m1", time.UnixMilli(1000)))
	require.NoError(t, err)
	assert.Equal(t, "hello", saved.ContentFallback)

	loaded, err := msgs.GetByProtocolID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, model.Text("hello"), loaded.Content)
	assert.Nil(t, loaded.ContentBytes)
	assert.False(t, loaded.HasLoadError)
}

func TestMessageUnsupportedKeepsBytes(t *testing.T) {
	ctx := context.Background()
	msgs := NewMessageCache(openStore(t), textCodecs(), nil, logger.Discard())

	msg := newMessage("m1", time.UnixMilli(1000))
	msg.Content = nil
	msg.ContentType = "example.com/custom:1.0"
	msg.ContentBytes = []byte{1, 2, 3}
	_, err := msgs.Save(ctx, msg)
	require.NoError(t, err)

	loaded, err := msgs.GetByProtocolID(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, loaded.IsUnsupported())
	assert.Equal(t, []byte{1, 2, 3}, loaded.ContentBytes)

	unprocessed, err := msgs.GetUnprocessed(ctx)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 1)
}

func TestMessageReplaceKeepsOldRowOnFailure(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	msgs := NewMessageCache(s, textCodecs(), nil, logger.Discard())

	msg := newMessage("m1", time.UnixMilli(1000))
	msg.Content = nil
	msg.ContentBytes = []byte{1, 2, 3}
	_, err := msgs.Save(ctx, msg)
	require.NoError(t, err)

	// No codec for read receipts, so the insert fails after the delete.
	broken := newMessage("m1", time.UnixMilli(1000))
	broken.Content = model.ReadReceipt{}
	broken.ContentType = model.ContentTypeReadReceipt
	_, err = msgs.Replace(ctx, broken)
	require.ErrorIs(t, err, codec.ErrUnknownContentType)

	kept, err := msgs.GetByProtocolID(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, kept)
	assert.Equal(t, []byte{1, 2, 3}, kept.ContentBytes)

	decoded := newMessage("m1", time.UnixMilli(1000))
	decoded.Status = model.StatusProcessed
	replaced, err := msgs.Replace(ctx, decoded)
	require.NoError(t, err)
	assert.Equal(t, model.Text("hello"), replaced.Content)

	loaded, err := msgs.GetByProtocolID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, loaded.Status)
	assert.Nil(t, loaded.ContentBytes)
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[store.TableMessages])
}

func TestMessageUpdateAndMetadata(t *testing.T) {
	ctx := context.Background()
	msgs := NewMessageCache(openStore(t), textCodecs(), nil, logger.Discard())
	saved, err := msgs.Save(ctx, newMessage("m1", time.UnixMilli(1000)))
	require.NoError(t, err)

	status := model.StatusProcessed
	updated, err := msgs.Update(ctx, saved, MessageUpdate{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, updated.Status)

	withMeta, err := msgs.UpdateMetadata(ctx, updated, "reaction", map[string]bool{"hasReactions": true})
	require.NoError(t, err)
	require.NotNil(t, withMeta)

	loaded, err := msgs.GetByProtocolID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessed, loaded.Status)
	assert.JSONEq(t, `{"hasReactions":true}`, string(loaded.Metadata["reaction"]))

	_, ok, err := msgs.UpdateMetadataByProtocolID(ctx, "missing", "reaction", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMessagePrepareAndFinalize(t *testing.T) {
	ctx := context.Background()
	msgs := NewMessageCache(openStore(t), textCodecs(), nil, logger.Discard())
	conv := newConversation("topic-1", time.UnixMilli(1000))

	pending, err := msgs.PrepareForSending(ctx, owner, model.Text("hi"), model.ContentTypeText, conv)
	require.NoError(t, err)
	assert.True(t, pending.IsSending)
	assert.Equal(t, model.StatusUnprocessed, pending.Status)
	assert.Contains(t, pending.ProtocolID, PendingPrefix)
	assert.NotEmpty(t, pending.LocalUUID)

	confirmed := time.UnixMilli(2000)
	final, err := msgs.FinalizeAfterSending(ctx, pending, confirmed, "net-1")
	require.NoError(t, err)
	assert.Equal(t, "net-1", final.ProtocolID)
	assert.False(t, final.IsSending)

	gone, err := msgs.GetByProtocolID(ctx, pending.ProtocolID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	loaded, err := msgs.GetByLocalUUID(ctx, pending.LocalUUID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "net-1", loaded.ProtocolID)
	assert.Equal(t, int64(2000), loaded.SentAt.UnixMilli())
	assert.False(t, loaded.IsSending)
	assert.Nil(t, loaded.SendOptions)
}

func TestMessageFinalizeWhenConfirmedAlreadyCached(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	msgs := NewMessageCache(s, textCodecs(), nil, logger.Discard())
	conv := newConversation("topic-1", time.UnixMilli(1000))

	pending, err := msgs.PrepareForSending(ctx, owner, model.Text("hi"), model.ContentTypeText, conv)
	require.NoError(t, err)
	_, err = msgs.Save(ctx, newMessage("net-1", time.UnixMilli(2000)))
	require.NoError(t, err)

	final, err := msgs.FinalizeAfterSending(ctx, pending, time.UnixMilli(2000), "net-1")
	require.NoError(t, err)
	assert.Equal(t, "net-1", final.ProtocolID)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[store.TableMessages])
}

func TestMessageListByTopicAndLast(t *testing.T) {
	ctx := context.Background()
	msgs := NewMessageCache(openStore(t), textCodecs(), nil, logger.Discard())
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := msgs.Save(ctx, newMessage(id, time.UnixMilli(int64(1000*(i+1)))))
		require.NoError(t, err)
	}

	last, err := msgs.GetLast(ctx, "topic-1")
	require.NoError(t, err)
	assert.Equal(t, "m3", last.ProtocolID)

	page, err := msgs.ListByTopic(ctx, "topic-1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m2", page[0].ProtocolID)
	assert.Equal(t, "m1", page[1].ProtocolID)

	none, err := msgs.GetLast(ctx, "other")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConsentLastWriteWins(t *testing.T) {
	ctx := context.Background()
	consent := NewConsentCache(openStore(t), logger.Discard())

	state, err := consent.Get(ctx, owner, model.EntityAddress, "0xpeer")
	require.NoError(t, err)
	assert.Equal(t, model.ConsentUnknown, state)

	require.NoError(t, consent.Put(ctx, owner, model.EntityAddress, "0xpeer", model.ConsentAllowed))
	require.NoError(t, consent.BulkPut(ctx, []model.ConsentEntry{
		{OwnerAddress: owner, EntityType: model.EntityAddress, EntityValue: "0xpeer", State: model.ConsentAllowed},
		{OwnerAddress: owner, EntityType: model.EntityAddress, EntityValue: "0xpeer", State: model.ConsentDenied},
	}))

	state, err = consent.Get(ctx, owner, model.EntityAddress, "0xpeer")
	require.NoError(t, err)
	assert.Equal(t, model.ConsentDenied, state)

	entries, err := consent.ListByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
