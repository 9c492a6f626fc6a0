// Package readreceipt tracks read watermarks per conversation. Receipts are
// never cached as messages; they only move the watermark of their direction
// forward in the conversation's metadata.
package readreceipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"msgcache/internal/codec"
	"msgcache/internal/contenttype"
	"msgcache/internal/model"
)

// Namespace owns the watermarks in conversation metadata.
const Namespace = "readReceipts"

// Direction says who sent a receipt.
type Direction string

const (
	// Outgoing receipts were sent by the owner: "I have read up to here".
	Outgoing Direction = "outgoing"
	// Incoming receipts were sent by the peer.
	Incoming Direction = "incoming"
)

// Watermarks is the namespace value, in unix millis.
type Watermarks struct {
	Incoming int64 `json:"incoming,omitempty"`
	Outgoing int64 `json:"outgoing,omitempty"`
}

// Get returns the watermark of a direction.
func (w Watermarks) Get(d Direction) time.Time {
	ms := w.Incoming
	if d == Outgoing {
		ms = w.Outgoing
	}
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Read returns the watermarks stored in conversation metadata.
func Read(md model.Metadata) (Watermarks, error) {
	var w Watermarks
	_, err := md.Get(Namespace, &w)
	return w, err
}

// Config returns the read receipt configuration.
func Config() contenttype.Config {
	return contenttype.Config{
		Namespace:    Namespace,
		ContentTypes: []model.ContentTypeID{model.ContentTypeReadReceipt},
		Codecs:       []codec.Codec{codec.JSON[model.ReadReceipt]{Type: model.ContentTypeReadReceipt}},
		Validators: map[model.ContentTypeID]contenttype.Validator{
			model.ContentTypeReadReceipt: func(content model.Content) bool {
				_, ok := content.(model.ReadReceipt)
				return ok
			},
		},
		Processors: map[model.ContentTypeID][]contenttype.Processor{
			model.ContentTypeReadReceipt: {contenttype.ProcessorFunc(process)},
		},
	}
}

// DirectionOf classifies a receipt message within conv.
func DirectionOf(conv *model.Conversation, msg *model.Message) Direction {
	if msg.SenderAddress == conv.OwnerAddress {
		return Outgoing
	}
	return Incoming
}

func process(_ context.Context, pc *contenttype.Context) (contenttype.Effect, error) {
	if pc.Conversation == nil {
		return contenttype.NoOp(), fmt.Errorf("read receipt %s has no conversation", pc.Message.ProtocolID)
	}
	dir := DirectionOf(pc.Conversation, pc.Message)
	return contenttype.UpdateConversationMetadata(Advance(dir, pc.Message.SentAt)), nil
}

// Advance returns an updater that moves the watermark of dir to at, and
// leaves it alone unless at is strictly newer.
func Advance(dir Direction, at time.Time) func(current json.RawMessage) (any, bool, error) {
	return func(current json.RawMessage) (any, bool, error) {
		var w Watermarks
		if len(current) > 0 {
			if err := json.Unmarshal(current, &w); err != nil {
				return nil, false, fmt.Errorf("failed to decode read receipts: %w", err)
			}
		}
		if !at.After(w.Get(dir)) {
			return nil, false, nil
		}
		if dir == Outgoing {
			w.Outgoing = at.UnixMilli()
		} else {
			w.Incoming = at.UnixMilli()
		}
		return w, true, nil
	}
}
