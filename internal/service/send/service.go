// Package send implements the outgoing side of the cache: optimistic sends,
// resends of failed messages and starting conversations.
package send

import (
	"context"
	"errors"
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"msgcache/internal/cache"
	"msgcache/internal/contenttype"
	"msgcache/internal/infra/metrics"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/pipeline"
)

var (
	ErrNoClient       = errors.New("client not initialized")
	ErrInvalidContent = errors.New("invalid content")
	ErrCannotMessage  = errors.New("address cannot be messaged")
	ErrNotResendable  = errors.New("message has no failed send to retry")
)

// SendService sends messages through the network client and keeps the cache
// in step with each send.
type SendService struct {
	client        network.Client
	registry      *contenttype.Registry
	conversations *cache.ConversationCache
	messages      *cache.MessageCache
	pipeline      *pipeline.Pipeline
	metrics       *metrics.Metrics
	log           waLog.Logger
}

// NewSendService creates a new SendService.
func NewSendService(client network.Client, reg *contenttype.Registry, convs *cache.ConversationCache,
	msgs *cache.MessageCache, pipe *pipeline.Pipeline, m *metrics.Metrics, log waLog.Logger) *SendService {
	return &SendService{
		client:        client,
		registry:      reg,
		conversations: convs,
		messages:      msgs,
		pipeline:      pipe,
		metrics:       m,
		log:           log.Sub("SendService"),
	}
}

// SetClient updates the network client (for delayed initialization).
func (s *SendService) SetClient(client network.Client) {
	s.client = client
}

// Send sends content to conv.
//
// An optimistic row is cached and processed before the network call so the
// message shows up immediately. On success the row takes the network id and
// time. On failure it is marked as failed with its send options kept for
// Resend, and the error is returned together with the failed message.
// Content whose processors do not persist it, such as reactions, gets no row.
func (s *SendService) Send(ctx context.Context, conv *model.Conversation, content model.Content) (*model.Message, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	if conv == nil {
		return nil, errors.New("cannot send without a conversation")
	}
	if content == nil {
		return nil, fmt.Errorf("%w: nil content", ErrInvalidContent)
	}
	contentType := content.ContentType()
	if !s.registry.Validate(contentType, content) {
		return nil, fmt.Errorf("%w for %s", ErrInvalidContent, contentType)
	}

	prepared, err := s.messages.PrepareForSending(ctx, s.client.Address(), content, contentType, conv)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare message: %w", err)
	}
	processed, err := s.pipeline.Process(ctx, s.client, conv, prepared)
	if err != nil {
		return s.fail(ctx, prepared, contentType, fmt.Errorf("failed to process message: %w", err))
	}
	ephemeral := processed.Status != model.StatusProcessed
	if ephemeral {
		if err := s.messages.Delete(ctx, prepared); err != nil {
			return nil, err
		}
	}

	res, err := s.client.Send(ctx, network.FromCache(conv), content, network.SendOptions{ContentType: contentType})
	if err != nil {
		s.metrics.Send(false)
		if ephemeral {
			return nil, fmt.Errorf("failed to send message: %w", err)
		}
		return s.fail(ctx, processed, contentType, fmt.Errorf("failed to send message: %w", err))
	}
	s.metrics.Send(true)

	final, err := s.messages.FinalizeAfterSending(ctx, processed, res.SentAt, res.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.conversations.SetUpdatedAt(ctx, conv.OwnerAddress, conv.Topic, res.SentAt); err != nil {
		return nil, err
	}
	s.log.Debugf("Sent %s message %s to %s", contentType, res.ID, conv.Topic)
	return final, nil
}

// Resend retries a message whose previous send failed, using its stored
// send options.
func (s *SendService) Resend(ctx context.Context, msg *model.Message) (*model.Message, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	if msg == nil || !msg.HasSendError || msg.SendOptions == nil || msg.Content == nil {
		return nil, ErrNotResendable
	}
	conv, err := s.conversations.GetByKey(ctx, msg.OwnerAddress, cache.KeyTopic, msg.ConversationTopic)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not cached", msg.ConversationTopic)
	}

	sending, noError := true, false
	retrying, err := s.messages.Update(ctx, msg, cache.MessageUpdate{IsSending: &sending, HasSendError: &noError})
	if err != nil {
		return nil, err
	}

	contentType := msg.SendOptions.ContentType
	res, err := s.client.Send(ctx, network.FromCache(conv), msg.Content, network.SendOptions{ContentType: contentType})
	if err != nil {
		s.metrics.Send(false)
		return s.fail(ctx, retrying, contentType, fmt.Errorf("failed to resend message: %w", err))
	}
	s.metrics.Send(true)

	final, err := s.messages.FinalizeAfterSending(ctx, retrying, res.SentAt, res.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.conversations.SetUpdatedAt(ctx, conv.OwnerAddress, conv.Topic, res.SentAt); err != nil {
		return nil, err
	}
	return final, nil
}

// fail marks msg as failed and returns it with cause.
func (s *SendService) fail(ctx context.Context, msg *model.Message, contentType model.ContentTypeID, cause error) (*model.Message, error) {
	s.log.Warnf("Send of %s failed: %v", msg.ProtocolID, cause)
	notSending, failed := false, true
	updated, err := s.messages.Update(ctx, msg, cache.MessageUpdate{
		IsSending:      &notSending,
		HasSendError:   &failed,
		SetSendOptions: true,
		SendOptions:    &model.SendOptions{ContentType: contentType},
	})
	if err != nil {
		return msg, errors.Join(cause, err)
	}
	return updated, cause
}

// CanMessage reports whether address can be messaged.
func (s *SendService) CanMessage(ctx context.Context, address string) (bool, error) {
	if s.client == nil {
		return false, ErrNoClient
	}
	ok, err := s.client.CanMessage(ctx, address)
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", address, err)
	}
	return len(ok) == 1 && ok[0], nil
}

// StartConversation opens a conversation with peerAddress and caches it.
func (s *SendService) StartConversation(ctx context.Context, peerAddress string) (*model.Conversation, error) {
	ok, err := s.CanMessage(ctx, peerAddress)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCannotMessage, peerAddress)
	}
	conv, err := s.client.NewConversation(ctx, peerAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return s.conversations.Save(ctx, conv.ToCache(s.client.Address()))
}
