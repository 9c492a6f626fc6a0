// Package network defines the narrow interface the cache consumes from a
// messaging network client, plus the conversions from network records to
// cache records.
package network

import (
	"context"
	"errors"
	"time"

	"msgcache/internal/codec"
	"msgcache/internal/model"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// Stream is a long-lived subscription. Next blocks until an item arrives, the
// context is done or the stream ends. Close terminates the subscription and
// unblocks pending Next calls.
type Stream[T any] interface {
	Next(ctx context.Context) (T, error)
	Close() error
}

// Conversation is a conversation as reported by the network.
type Conversation struct {
	Topic       string
	PeerAddress string
	CreatedAt   time.Time
}

// Message is a message as reported by the network. Content is nil when the
// client has no codec for ContentType; ContentBytes then holds the raw payload.
type Message struct {
	ID                string
	ConversationTopic string
	SenderAddress     string
	SentAt            time.Time
	ContentType       model.ContentTypeID
	Content           model.Content
	ContentBytes      []byte
	ContentFallback   string
}

// Direction orders GetMessages results.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// ListOptions filters GetMessages. A non-zero StartTime keeps messages sent
// at or after it.
type ListOptions struct {
	StartTime time.Time
	Direction Direction
	Limit     int
}

// SendOptions are passed to Send.
type SendOptions struct {
	ContentType model.ContentTypeID
}

// SendResult is the network confirmation of a send.
type SendResult struct {
	ID     string
	SentAt time.Time
}

// ConsentAction is a consent change pushed by the network.
type ConsentAction struct {
	Entries []model.ConsentEntry
}

// Client is the network capability the cache depends on.
type Client interface {
	// Address is the local identity.
	Address() string

	ListConversations(ctx context.Context) ([]Conversation, error)
	StreamConversations(ctx context.Context) (Stream[Conversation], error)
	NewConversation(ctx context.Context, peerAddress string) (Conversation, error)

	GetMessages(ctx context.Context, conv Conversation, opts ListOptions) ([]Message, error)
	StreamMessages(ctx context.Context, conv Conversation) (Stream[Message], error)
	StreamAllMessages(ctx context.Context) (Stream[Message], error)

	Send(ctx context.Context, conv Conversation, content model.Content, opts SendOptions) (SendResult, error)
	CanMessage(ctx context.Context, addresses ...string) ([]bool, error)

	Encode(content model.Content, contentType model.ContentTypeID) (*codec.EncodedContent, error)
	Decode(ctx context.Context, data []byte, contentType model.ContentTypeID) (model.Content, error)

	ListConsent(ctx context.Context) ([]model.ConsentEntry, error)
	StreamConsent(ctx context.Context) (Stream[ConsentAction], error)
}

// ToCache converts a network conversation to its cache shape.
func (c Conversation) ToCache(owner string) *model.Conversation {
	return &model.Conversation{
		Topic:        c.Topic,
		PeerAddress:  c.PeerAddress,
		OwnerAddress: owner,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.CreatedAt,
	}
}

// ToCache converts a network message to its cache shape. Raw bytes are only
// kept while the content is undecoded.
func (m Message) ToCache(owner string) *model.Message {
	msg := &model.Message{
		ProtocolID:        m.ID,
		OwnerAddress:      owner,
		ConversationTopic: m.ConversationTopic,
		Content:           m.Content,
		ContentType:       m.ContentType,
		ContentFallback:   m.ContentFallback,
		Status:            model.StatusUnprocessed,
		SentAt:            m.SentAt,
		SenderAddress:     m.SenderAddress,
	}
	if m.Content == nil {
		msg.ContentBytes = m.ContentBytes
	}
	return msg
}

// FromCache converts a cached conversation back to the network shape.
func FromCache(c *model.Conversation) Conversation {
	return Conversation{
		Topic:       c.Topic,
		PeerAddress: c.PeerAddress,
		CreatedAt:   c.CreatedAt,
	}
}
