// Package model defines the cache-shape records shared by the store, the caches,
// the processing pipeline and the network adapters.
package model

import (
	"time"
)

// MessageStatus tracks whether a message went through its content-type processors.
type MessageStatus string

const (
	StatusUnprocessed MessageStatus = "unprocessed"
	StatusProcessed   MessageStatus = "processed"
)

// Conversation is a cached conversation, scoped to the owning identity.
type Conversation struct {
	ID           int64
	Topic        string
	PeerAddress  string
	OwnerAddress string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	IsReady      bool
	LastSyncedAt time.Time
	Metadata     Metadata
}

// Message is a cached message.
//
// ID is the local row id. ProtocolID is the network message id; optimistic
// messages carry a temporary one until the network confirms the send.
type Message struct {
	ID                int64
	ProtocolID        string
	LocalUUID         string
	OwnerAddress      string
	ConversationTopic string

	Content         Content
	ContentBytes    []byte
	ContentType     ContentTypeID
	ContentFallback string

	Status       MessageStatus
	IsSending    bool
	HasSendError bool
	HasLoadError bool

	SentAt        time.Time
	SenderAddress string
	Metadata      Metadata
	SendOptions   *SendOptions
}

// SendOptions are retained on messages that failed to send so they can be retried.
type SendOptions struct {
	ContentType ContentTypeID `json:"contentType"`
}

// IsUnsupported reports whether the content could not be decoded when cached.
func (m *Message) IsUnsupported() bool {
	return m.Content == nil && len(m.ContentBytes) > 0
}

// Clone returns a copy that can be mutated without touching m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = m.Metadata.Clone()
	if m.ContentBytes != nil {
		c.ContentBytes = append([]byte(nil), m.ContentBytes...)
	}
	if m.SendOptions != nil {
		opts := *m.SendOptions
		c.SendOptions = &opts
	}
	return &c
}

// Clone returns a copy that can be mutated without touching c.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Metadata = c.Metadata.Clone()
	return &cp
}

// ConsentState is the consent decision for an entity.
type ConsentState string

const (
	ConsentAllowed ConsentState = "allowed"
	ConsentDenied  ConsentState = "denied"
	ConsentUnknown ConsentState = "unknown"
)

// ConsentEntityType names what a consent entry refers to.
type ConsentEntityType string

const (
	EntityAddress ConsentEntityType = "address"
	EntityGroupID ConsentEntityType = "group_id"
	EntityInboxID ConsentEntityType = "inbox_id"
)

// ConsentEntry maps (owner, entity) to a consent state.
type ConsentEntry struct {
	OwnerAddress string
	EntityType   ConsentEntityType
	EntityValue  string
	State        ConsentState
	UpdatedAt    time.Time
}
