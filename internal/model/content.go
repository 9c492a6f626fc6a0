package model

import (
	"strings"
)

// ContentTypeID identifies how a payload is encoded, e.g. "xmtp.org/text:1.0".
type ContentTypeID string

// Well-known content types.
const (
	ContentTypeText             ContentTypeID = "xmtp.org/text:1.0"
	ContentTypeAttachment       ContentTypeID = "xmtp.org/attachment:1.0"
	ContentTypeRemoteAttachment ContentTypeID = "xmtp.org/remoteStaticAttachment:1.0"
	ContentTypeReaction         ContentTypeID = "xmtp.org/reaction:1.0"
	ContentTypeReply            ContentTypeID = "xmtp.org/reply:1.0"
	ContentTypeReadReceipt      ContentTypeID = "xmtp.org/readReceipt:1.0"
)

// Authority returns the authority part of the id ("xmtp.org").
func (id ContentTypeID) Authority() string {
	s := string(id)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return ""
}

// Name returns the type name part of the id ("text").
func (id ContentTypeID) Name() string {
	s := string(id)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}

// Content is a decoded message payload. Each variant reports the content type
// it belongs to; processors switch on the concrete type.
type Content interface {
	ContentType() ContentTypeID
}

// Text is a plain text payload.
type Text string

func (Text) ContentType() ContentTypeID { return ContentTypeText }

// Attachment is an inline file.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

func (Attachment) ContentType() ContentTypeID { return ContentTypeAttachment }

// RemoteAttachment describes an encrypted file stored elsewhere.
type RemoteAttachment struct {
	URL           string `json:"url"`
	ContentDigest string `json:"contentDigest"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Secret        []byte `json:"secret"`
	Scheme        string `json:"scheme"`
	ContentLength int64  `json:"contentLength,omitempty"`
	Filename      string `json:"filename,omitempty"`
}

func (RemoteAttachment) ContentType() ContentTypeID { return ContentTypeRemoteAttachment }

// ReactionAction says whether a reaction is being added or removed.
type ReactionAction string

const (
	ReactionAdded   ReactionAction = "added"
	ReactionRemoved ReactionAction = "removed"
)

// ReactionSchema describes how Reaction.Content should be interpreted.
type ReactionSchema string

const (
	SchemaUnicode   ReactionSchema = "unicode"
	SchemaShortcode ReactionSchema = "shortcode"
	SchemaCustom    ReactionSchema = "custom"
)

// Reaction reacts to the message identified by Reference.
type Reaction struct {
	Reference string         `json:"reference"`
	Action    ReactionAction `json:"action"`
	Content   string         `json:"content"`
	Schema    ReactionSchema `json:"schema"`
}

func (Reaction) ContentType() ContentTypeID { return ContentTypeReaction }

// Reply answers the message identified by Reference with nested content of
// type NestedType.
type Reply struct {
	Reference  string
	NestedType ContentTypeID
	Content    Content
}

func (Reply) ContentType() ContentTypeID { return ContentTypeReply }

// ReadReceipt marks everything up to its sent time as read.
type ReadReceipt struct{}

func (ReadReceipt) ContentType() ContentTypeID { return ContentTypeReadReceipt }
