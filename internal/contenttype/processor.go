package contenttype

import (
	"context"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/cache"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/store"
)

// Processor derives state from one message. It describes its outcome as an
// Effect; the pipeline applies the effects after all processors for the
// message returned.
type Processor interface {
	Process(ctx context.Context, pc *Context) (Effect, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, pc *Context) (Effect, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, pc *Context) (Effect, error) {
	return f(ctx, pc)
}

// EffectKind enumerates what a processor asks the pipeline to do.
type EffectKind int

const (
	EffectNoOp EffectKind = iota
	EffectPersist
	EffectConversationMetadata
)

func (k EffectKind) String() string {
	switch k {
	case EffectPersist:
		return "persist"
	case EffectConversationMetadata:
		return "conversation-metadata"
	default:
		return "noop"
	}
}

// Effect is the outcome of a processor.
type Effect struct {
	Kind EffectKind

	// Persist
	Update        *cache.MessageUpdate
	MetadataPatch any

	// Conversation metadata
	Updater cache.MetadataUpdater
}

// Persist asks for the message to be saved as processed, with update applied
// and patch merged into the processor's metadata namespace. Both may be nil.
func Persist(update *cache.MessageUpdate, patch any) Effect {
	return Effect{Kind: EffectPersist, Update: update, MetadataPatch: patch}
}

// UpdateConversationMetadata asks for updater to be run against the
// conversation's metadata namespace under the conversation metadata lock.
func UpdateConversationMetadata(updater cache.MetadataUpdater) Effect {
	return Effect{Kind: EffectConversationMetadata, Updater: updater}
}

// NoOp leaves the message unpersisted.
func NoOp() Effect {
	return Effect{Kind: EffectNoOp}
}

// Context is what a processor gets to work with. Metadata helpers are scoped
// to the processor's namespace.
type Context struct {
	Client       network.Client
	Conversation *model.Conversation
	Message      *model.Message
	Namespace    string

	Store         *store.Store
	Conversations *cache.ConversationCache
	Messages      *cache.MessageCache
	Log           waLog.Logger
}

// UpdateMessageMetadata merges value into the namespace of another cached
// message, typically the one this message references. It reports false when
// that message is not cached.
func (pc *Context) UpdateMessageMetadata(ctx context.Context, protocolID string, value any) (bool, error) {
	_, ok, err := pc.Messages.UpdateMetadataByProtocolID(ctx, protocolID, pc.Namespace, value)
	return ok, err
}
