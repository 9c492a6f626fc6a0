package memnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/network"
)

func textSet() *codec.Set {
	return codec.NewSet(codec.JSON[model.Text]{
		Type:         model.ContentTypeText,
		FallbackText: func(t model.Text) string { return string(t) },
	})
}

func TestSendDeliversToStreamsAndHistory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	net := New(time.UnixMilli(1_000_000))
	alice := net.Client("alice", textSet())
	bob := net.Client("bob", textSet())

	conv, err := alice.NewConversation(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", conv.PeerAddress)

	all, err := bob.StreamAllMessages(ctx)
	require.NoError(t, err)
	defer all.Close()

	res, err := alice.Send(ctx, conv, model.Text("hi"), network.SendOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)

	got, err := all.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.Equal(t, model.Text("hi"), got.Content)
	assert.Equal(t, "alice", got.SenderAddress)

	history, err := bob.GetMessages(ctx, conv, network.ListOptions{})
	require.NoError(t, err)
	require.Len(t, history, 1)

	boundary, err := bob.GetMessages(ctx, conv, network.ListOptions{StartTime: res.SentAt})
	require.NoError(t, err)
	assert.Len(t, boundary, 1)

	later, err := bob.GetMessages(ctx, conv, network.ListOptions{StartTime: res.SentAt.Add(time.Millisecond)})
	require.NoError(t, err)
	assert.Empty(t, later)

	convs, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "alice", convs[0].PeerAddress)
}

func TestUnsupportedContentArrivesUndecoded(t *testing.T) {
	ctx := context.Background()
	net := New(time.UnixMilli(1_000_000))
	alice := net.Client("alice", textSet())
	bob := net.Client("bob", codec.NewSet())

	conv, err := alice.NewConversation(ctx, "bob")
	require.NoError(t, err)
	_, err = alice.Send(ctx, conv, model.Text("hi"), network.SendOptions{})
	require.NoError(t, err)

	msgs, err := bob.GetMessages(ctx, conv, network.ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Content)
	assert.NotEmpty(t, msgs[0].ContentBytes)

	bob.SetCodecs(textSet())
	content, err := bob.Decode(ctx, msgs[0].ContentBytes, model.ContentTypeText)
	require.NoError(t, err)
	assert.Equal(t, model.Text("hi"), content)
}

func TestFailuresAndClose(t *testing.T) {
	ctx := context.Background()
	net := New(time.UnixMilli(1_000_000))
	alice := net.Client("alice", textSet())
	net.Client("bob", textSet())

	conv, err := alice.NewConversation(ctx, "bob")
	require.NoError(t, err)

	boom := errors.New("boom")
	alice.FailSends(boom)
	_, err = alice.Send(ctx, conv, model.Text("hi"), network.SendOptions{})
	assert.ErrorIs(t, err, boom)

	s, err := alice.StreamConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, net.OpenStreams("alice"))
	net.FailStreams("alice", boom)
	_, err = s.Next(ctx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, net.OpenStreams("alice"))

	_, err = alice.NewConversation(ctx, "carol")
	assert.ErrorIs(t, err, ErrUnknownPeer)

	ok, err := alice.CanMessage(ctx, "bob", "carol")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, ok)
}
