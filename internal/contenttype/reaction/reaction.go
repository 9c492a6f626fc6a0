// Package reaction keeps the reactions table in sync with reaction messages.
// Reaction messages are never cached themselves; they only change the
// reactions table and the "has reactions" flag of the message they
// reference.
package reaction

import (
	"context"
	"fmt"
	"sync"

	"msgcache/internal/codec"
	"msgcache/internal/contenttype"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

// Namespace owns the reaction flag in message metadata.
const Namespace = "reactions"

// Metadata is written into the referenced message.
type Metadata struct {
	HasReactions bool `json:"hasReactions"`
}

// Config returns the reaction configuration.
func Config() contenttype.Config {
	p := &processor{}
	return contenttype.Config{
		Namespace:    Namespace,
		ContentTypes: []model.ContentTypeID{model.ContentTypeReaction},
		Codecs: []codec.Codec{codec.JSON[model.Reaction]{
			Type: model.ContentTypeReaction,
			FallbackText: func(r model.Reaction) string {
				if r.Action == model.ReactionRemoved {
					return fmt.Sprintf("Removed %q from an earlier message", r.Content)
				}
				return fmt.Sprintf("Reacted %q to an earlier message", r.Content)
			},
		}},
		Validators: map[model.ContentTypeID]contenttype.Validator{
			model.ContentTypeReaction: Valid,
		},
		Processors: map[model.ContentTypeID][]contenttype.Processor{
			model.ContentTypeReaction: {p},
		},
		Schema: []store.TableSchema{Schema()},
	}
}

// Valid checks the reaction names its target and a known action and schema.
func Valid(content model.Content) bool {
	r, ok := content.(model.Reaction)
	if !ok || r.Reference == "" || r.Content == "" {
		return false
	}
	switch r.Action {
	case model.ReactionAdded, model.ReactionRemoved:
	default:
		return false
	}
	switch r.Schema {
	case model.SchemaUnicode, model.SchemaShortcode, model.SchemaCustom:
		return true
	default:
		return false
	}
}

// processor serializes the table write and the flag recompute per
// configuration so concurrent reactions to one message cannot leave a stale
// flag behind.
type processor struct {
	mu sync.Mutex
}

func (p *processor) Process(ctx context.Context, pc *contenttype.Context) (contenttype.Effect, error) {
	r, ok := pc.Message.Content.(model.Reaction)
	if !ok {
		return contenttype.NoOp(), fmt.Errorf("unexpected reaction content %T", pc.Message.Content)
	}
	row := Reaction{
		ProtocolID:         pc.Message.ProtocolID,
		ReferenceMessageID: r.Reference,
		Content:            r.Content,
		Schema:             r.Schema,
		SenderAddress:      pc.Message.SenderAddress,
		SentAt:             pc.Message.SentAt,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	reactions := NewStore(pc.Store)
	switch r.Action {
	case model.ReactionAdded:
		if err := reactions.Add(ctx, row); err != nil {
			return contenttype.NoOp(), err
		}
	case model.ReactionRemoved:
		if err := reactions.Remove(ctx, row); err != nil {
			return contenttype.NoOp(), err
		}
	}

	n, err := reactions.Count(ctx, r.Reference)
	if err != nil {
		return contenttype.NoOp(), err
	}
	cached, err := pc.UpdateMessageMetadata(ctx, r.Reference, Metadata{HasReactions: n > 0})
	if err != nil {
		return contenttype.NoOp(), err
	}
	if !cached {
		pc.Log.Debugf("Reaction %s references uncached message %s", pc.Message.ProtocolID, r.Reference)
	}
	return contenttype.NoOp(), nil
}
