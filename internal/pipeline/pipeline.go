// Package pipeline turns network messages into cached, processed messages.
// It is the only path that runs content-type processors, and it applies
// their effects at most once per protocol message id.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/cache"
	"msgcache/internal/contenttype"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/store"
)

// Pipeline runs registered processors against messages.
type Pipeline struct {
	registry      *contenttype.Registry
	store         *store.Store
	conversations *cache.ConversationCache
	messages      *cache.MessageCache
	metrics       *metrics.Metrics
	log           waLog.Logger

	// Workers bounds ProcessUnprocessed.
	Workers int
}

// New creates a Pipeline.
func New(reg *contenttype.Registry, s *store.Store, convs *cache.ConversationCache, msgs *cache.MessageCache,
	m *metrics.Metrics, log waLog.Logger) *Pipeline {
	return &Pipeline{
		registry:      reg,
		store:         s,
		conversations: convs,
		messages:      msgs,
		metrics:       m,
		log:           log.Sub("Pipeline"),
		Workers:       4,
	}
}

type options struct {
	removeExisting bool
}

// Option configures a Process call.
type Option func(*options)

// WithRemoveExisting replaces a previously cached row for the same protocol
// id instead of updating it.
func WithRemoveExisting() Option {
	return func(o *options) { o.removeExisting = true }
}

// Process caches msg and runs its processors.
//
// A message that is already cached as processed is returned as is. A message
// without decoded content is cached unprocessed with its raw bytes. Content
// rejected by its validator is returned without being cached. Otherwise the
// processors for its content type run concurrently and their effects are
// applied in registration order. The message is saved as processed if at
// least one processor asked for it; the returned message is the cached row
// in that case and msg otherwise.
func (p *Pipeline) Process(ctx context.Context, client network.Client, conv *model.Conversation, msg *model.Message, opts ...Option) (*model.Message, error) {
	if conv == nil {
		return nil, errors.New("cannot process a message without a conversation")
	}
	if msg == nil {
		return nil, errors.New("cannot process a nil message")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ct := string(msg.ContentType)

	existing, err := p.messages.GetByProtocolID(ctx, msg.ProtocolID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == model.StatusProcessed {
		p.metrics.PipelineMessage(ct, metrics.OutcomeSkipped)
		return existing, nil
	}

	if msg.Content == nil {
		if existing != nil {
			return existing, nil
		}
		deferred := msg.Clone()
		deferred.Status = model.StatusUnprocessed
		saved, err := p.messages.Save(ctx, deferred)
		if err != nil {
			return nil, err
		}
		p.log.Debugf("Cached message %s with unsupported content type %s", msg.ProtocolID, ct)
		p.metrics.PipelineMessage(ct, metrics.OutcomeDeferred)
		return saved, nil
	}

	if !p.registry.Validate(msg.ContentType, msg.Content) {
		p.log.Debugf("Dropping message %s: invalid %s content", msg.ProtocolID, ct)
		p.metrics.PipelineMessage(ct, metrics.OutcomeInvalid)
		return msg, nil
	}

	// The old row is only swapped out once every processor succeeded.
	replace := existing != nil && (o.removeExisting || existing.Content == nil)

	regs := p.registry.Processors(msg.ContentType)
	effects, err := p.run(ctx, client, conv, msg, regs)
	if err != nil {
		p.metrics.PipelineMessage(ct, metrics.OutcomeFailed)
		return nil, err
	}

	base := msg
	if existing != nil && !replace {
		base = existing
	}
	working := base.Clone()
	if replace && len(working.Metadata) == 0 {
		working.Metadata = existing.Metadata.Clone()
	}
	var update cache.MessageUpdate
	persist := false
	for i, effect := range effects {
		ns := regs[i].Namespace
		switch effect.Kind {
		case contenttype.EffectPersist:
			persist = true
			if effect.Update != nil {
				effect.Update.Apply(working)
				mergeUpdate(&update, *effect.Update)
			}
			if effect.MetadataPatch != nil {
				if working.Metadata, err = working.Metadata.Merge(ns, effect.MetadataPatch); err != nil {
					return nil, err
				}
				update.Metadata = working.Metadata
			}
		case contenttype.EffectConversationMetadata:
			if effect.Updater == nil {
				continue
			}
			if _, err := p.conversations.UpdateMetadataWith(ctx, conv.OwnerAddress, conv.Topic, ns, effect.Updater); err != nil {
				return nil, fmt.Errorf("failed to update conversation metadata: %w", err)
			}
		}
	}

	if !persist {
		if replace {
			if err := p.messages.Delete(ctx, existing); err != nil {
				return nil, err
			}
		}
		p.metrics.PipelineMessage(ct, metrics.OutcomeProcessed)
		return msg, nil
	}

	processed := model.StatusProcessed
	var saved *model.Message
	switch {
	case replace:
		working.Status = model.StatusProcessed
		if saved, err = p.messages.Replace(ctx, working); err != nil {
			return nil, err
		}
	case existing != nil:
		update.Status = &processed
		if saved, err = p.messages.Update(ctx, existing, update); err != nil {
			return nil, err
		}
	default:
		working.Status = model.StatusProcessed
		if saved, err = p.messages.Save(ctx, working); err != nil {
			return nil, err
		}
	}

	if saved.SentAt.After(conv.UpdatedAt) {
		if _, err := p.conversations.SetUpdatedAt(ctx, conv.OwnerAddress, conv.Topic, saved.SentAt); err != nil {
			return nil, err
		}
	}
	p.metrics.PipelineMessage(ct, metrics.OutcomeProcessed)
	return saved, nil
}

// run invokes every processor concurrently and returns their effects in
// registration order. The first error wins and discards all effects.
func (p *Pipeline) run(ctx context.Context, client network.Client, conv *model.Conversation, msg *model.Message, regs []contenttype.Registration) ([]contenttype.Effect, error) {
	effects := make([]contenttype.Effect, len(regs))
	errs := make([]error, len(regs))

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(i int, reg contenttype.Registration) {
			defer wg.Done()
			pc := &contenttype.Context{
				Client:        client,
				Conversation:  conv.Clone(),
				Message:       msg.Clone(),
				Namespace:     reg.Namespace,
				Store:         p.store,
				Conversations: p.conversations,
				Messages:      p.messages,
				Log:           p.log.Sub(reg.Namespace),
			}
			effects[i], errs[i] = reg.Processor.Process(ctx, pc)
		}(i, reg)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("processor %s failed on message %s: %w", regs[i].Namespace, msg.ProtocolID, err)
		}
	}
	return effects, nil
}

func mergeUpdate(dst *cache.MessageUpdate, src cache.MessageUpdate) {
	if src.Status != nil {
		dst.Status = src.Status
	}
	if src.IsSending != nil {
		dst.IsSending = src.IsSending
	}
	if src.SentAt != nil {
		dst.SentAt = src.SentAt
	}
	if src.ProtocolID != nil {
		dst.ProtocolID = src.ProtocolID
	}
	if src.Metadata != nil {
		dst.Metadata = src.Metadata
	}
	if src.HasSendError != nil {
		dst.HasSendError = src.HasSendError
	}
	if src.SetSendOptions {
		dst.SetSendOptions = true
		dst.SendOptions = src.SendOptions
	}
}
