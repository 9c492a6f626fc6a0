package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"msgcache/internal/cache"
	"msgcache/internal/model"
	"msgcache/internal/network"
)

// Reprocess retries a message cached without content. It decodes the raw
// bytes with client and, when that yields content, processes the message
// again in place of the old row. Messages that still cannot be decoded are
// returned untouched.
func (p *Pipeline) Reprocess(ctx context.Context, client network.Client, conv *model.Conversation, msg *model.Message) (*model.Message, error) {
	if msg.Content != nil || len(msg.ContentBytes) == 0 || !p.registry.HasProcessor(msg.ContentType) {
		return msg, nil
	}
	content, err := client.Decode(ctx, msg.ContentBytes, msg.ContentType)
	if err != nil {
		p.log.Debugf("Message %s is still unsupported: %v", msg.ProtocolID, err)
		return msg, nil
	}
	if content == nil {
		return msg, nil
	}

	decoded := msg.Clone()
	decoded.Content = content
	decoded.ContentBytes = nil
	decoded.Status = model.StatusUnprocessed
	return p.Process(ctx, client, conv, decoded, WithRemoveExisting())
}

// ProcessUnprocessed reprocesses every unprocessed cached message whose
// conversation is cached. It returns how many messages ended up processed.
func (p *Pipeline) ProcessUnprocessed(ctx context.Context, client network.Client) (int, error) {
	pending, err := p.messages.GetUnprocessed(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		processed int
		errs      []error
	)
	for _, msg := range pending {
		conv, err := p.conversations.GetByKey(ctx, msg.OwnerAddress, cache.KeyTopic, msg.ConversationTopic)
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ProtocolID, err))
			mu.Unlock()
			continue
		}
		if conv == nil {
			p.log.Debugf("Skipping message %s: conversation %s not cached", msg.ProtocolID, msg.ConversationTopic)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(conv *model.Conversation, msg *model.Message) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := p.Reprocess(ctx, client, conv, msg)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if out != nil && out.Status == model.StatusProcessed {
				processed++
			}
		}(conv, msg)
	}
	wg.Wait()

	if processed > 0 {
		p.log.Infof("Reprocessed %d of %d unprocessed messages", processed, len(pending))
	}
	return processed, errors.Join(errs...)
}
