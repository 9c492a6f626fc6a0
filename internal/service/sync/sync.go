// Package sync keeps the cache in step with the network: backfills of
// conversations and messages, live streams, consent and periodic resyncs.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/cache"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/pipeline"
	"msgcache/internal/store"
)

// ErrNoClient is returned when an operation needs the network client before
// it was set.
var ErrNoClient = errors.New("client not initialized")

// SyncService pulls network state into the cache.
type SyncService struct {
	client        network.Client
	store         *store.Store
	conversations *cache.ConversationCache
	messages      *cache.MessageCache
	consent       *cache.ConsentCache
	pipeline      *pipeline.Pipeline
	metrics       *metrics.Metrics
	log           waLog.Logger

	// OnError receives stream failures. It may be nil.
	OnError func(kind StreamKind, err error)

	streamMu sync.Mutex
	streams  map[StreamKind]*Stream

	// Scheduler
	schedulerCtx    context.Context
	schedulerCancel context.CancelFunc
	schedulerWg     sync.WaitGroup
}

// NewSyncService creates a new SyncService.
func NewSyncService(
	client network.Client,
	s *store.Store,
	convs *cache.ConversationCache,
	msgs *cache.MessageCache,
	consent *cache.ConsentCache,
	pipe *pipeline.Pipeline,
	m *metrics.Metrics,
	log waLog.Logger,
) *SyncService {
	return &SyncService{
		client:        client,
		store:         s,
		conversations: convs,
		messages:      msgs,
		consent:       consent,
		pipeline:      pipe,
		metrics:       m,
		log:           log.Sub("SyncService"),
		streams:       make(map[StreamKind]*Stream),
	}
}

// SetClient sets the network client (for delayed initialization).
func (s *SyncService) SetClient(client network.Client) {
	s.client = client
}

// SyncConversations caches every conversation the network lists.
func (s *SyncService) SyncConversations(ctx context.Context) ([]*model.Conversation, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	listed, err := s.client.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	owner := s.client.Address()
	out := make([]*model.Conversation, 0, len(listed))
	for _, c := range listed {
		conv, err := s.conversations.Save(ctx, c.ToCache(owner))
		if err != nil {
			return out, err
		}
		out = append(out, conv)
	}
	s.log.Debugf("Synced %d conversations", len(out))
	return out, nil
}

// SyncMessages fetches the messages of conv newer than the last cached one,
// processes them and marks the conversation ready. It returns the number of
// messages fetched.
func (s *SyncService) SyncMessages(ctx context.Context, conv *model.Conversation) (int, error) {
	if s.client == nil {
		return 0, ErrNoClient
	}
	opts := network.ListOptions{Direction: network.Ascending}
	last, err := s.messages.GetLast(ctx, conv.Topic)
	if err != nil {
		return 0, err
	}
	if last != nil && !last.IsSending {
		opts.StartTime = last.SentAt
	}

	fetched, err := s.client.GetMessages(ctx, network.FromCache(conv), opts)
	if err != nil {
		return 0, fmt.Errorf("failed to get messages of %s: %w", conv.Topic, err)
	}
	owner := s.client.Address()
	for _, m := range fetched {
		if _, err := s.pipeline.Process(ctx, s.client, conv, m.ToCache(owner)); err != nil {
			return 0, err
		}
	}

	ready := true
	now := time.Now()
	if err := s.conversations.Update(ctx, conv.OwnerAddress, conv.Topic, cache.ConversationUpdate{
		IsReady:      &ready,
		LastSyncedAt: &now,
	}); err != nil {
		return len(fetched), err
	}
	return len(fetched), nil
}

// SyncAll syncs conversations, their messages and consent, then retries
// unprocessed messages. Failures of individual conversations are collected
// and do not stop the others.
func (s *SyncService) SyncAll(ctx context.Context) error {
	if s.client == nil {
		return ErrNoClient
	}
	s.log.Infof("Starting full sync...")
	start := time.Now()

	convs, err := s.SyncConversations(ctx)
	if err != nil {
		return err
	}

	var errs []error
	total := 0
	for _, conv := range convs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := s.SyncMessages(ctx, conv)
		if err != nil {
			s.log.Warnf("Failed to sync messages of %s: %v", conv.Topic, err)
			errs = append(errs, err)
			continue
		}
		total += n
	}

	if _, err := s.LoadConsent(ctx); err != nil {
		s.log.Warnf("Failed to load consent: %v", err)
		errs = append(errs, err)
	}
	if _, err := s.pipeline.ProcessUnprocessed(ctx, s.client); err != nil {
		s.log.Warnf("Failed to reprocess messages: %v", err)
		errs = append(errs, err)
	}

	s.log.Infof("Full sync completed in %v: %d conversations, %d messages", time.Since(start), len(convs), total)
	return errors.Join(errs...)
}

// LoadConsent refreshes the consent cache from the network.
func (s *SyncService) LoadConsent(ctx context.Context) ([]model.ConsentEntry, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	return s.consent.LoadFromNetwork(ctx, s.client)
}

// Allow records consent for addresses.
func (s *SyncService) Allow(ctx context.Context, addresses ...string) error {
	return s.setConsent(ctx, model.ConsentAllowed, addresses)
}

// Deny records a refusal for addresses.
func (s *SyncService) Deny(ctx context.Context, addresses ...string) error {
	return s.setConsent(ctx, model.ConsentDenied, addresses)
}

func (s *SyncService) setConsent(ctx context.Context, state model.ConsentState, addresses []string) error {
	if s.client == nil {
		return ErrNoClient
	}
	owner := s.client.Address()
	entries := make([]model.ConsentEntry, 0, len(addresses))
	for _, addr := range addresses {
		entries = append(entries, model.ConsentEntry{
			OwnerAddress: owner,
			EntityType:   model.EntityAddress,
			EntityValue:  addr,
			State:        state,
		})
	}
	return s.consent.BulkPut(ctx, entries)
}

// ClearCache stops all streams and empties every cache table.
func (s *SyncService) ClearCache(ctx context.Context) error {
	s.StopStreams()
	return s.store.Clear(ctx)
}
