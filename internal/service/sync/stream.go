package sync

import (
	"context"
	"errors"
	"fmt"

	"msgcache/internal/cache"
	"msgcache/internal/network"
)

// StreamKind names one logical subscription. At most one stream per kind is
// active at a time.
type StreamKind string

const (
	StreamMessages      StreamKind = "messages"
	StreamConversations StreamKind = "conversations"
	StreamConsent       StreamKind = "consent"
)

// ErrStreamActive is returned when a stream of the same kind is running.
var ErrStreamActive = errors.New("stream already active")

// Stream is a running subscription.
type Stream struct {
	kind   StreamKind
	cancel context.CancelFunc
	close  func() error
	done   chan struct{}
	err    error
}

// Kind returns the stream kind.
func (h *Stream) Kind() StreamKind {
	return h.kind
}

// Stop ends the stream and waits for its goroutine to exit.
func (h *Stream) Stop() {
	h.cancel()
	h.close()
	<-h.done
}

// Done is closed when the stream has ended.
func (h *Stream) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the stream ends and returns the error that ended it, nil
// when it was stopped.
func (h *Stream) Wait() error {
	<-h.done
	return h.err
}

// StreamAllMessages processes every message the network pushes.
func (s *SyncService) StreamAllMessages(ctx context.Context) (*Stream, error) {
	return startStream(s, ctx, StreamMessages, func(ctx context.Context) (network.Stream[network.Message], error) {
		return s.client.StreamAllMessages(ctx)
	}, s.handleMessage)
}

// StreamConversations caches every conversation the network announces.
func (s *SyncService) StreamConversations(ctx context.Context) (*Stream, error) {
	return startStream(s, ctx, StreamConversations, func(ctx context.Context) (network.Stream[network.Conversation], error) {
		return s.client.StreamConversations(ctx)
	}, s.handleConversation)
}

// StreamConsent applies consent changes pushed by the network.
func (s *SyncService) StreamConsent(ctx context.Context) (*Stream, error) {
	return startStream(s, ctx, StreamConsent, func(ctx context.Context) (network.Stream[network.ConsentAction], error) {
		return s.client.StreamConsent(ctx)
	}, s.handleConsent)
}

// ActiveStream returns the running stream of kind, or nil.
func (s *SyncService) ActiveStream(kind StreamKind) *Stream {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	return s.streams[kind]
}

// StopStreams stops every running stream.
func (s *SyncService) StopStreams() {
	s.streamMu.Lock()
	active := make([]*Stream, 0, len(s.streams))
	for _, h := range s.streams {
		active = append(active, h)
	}
	s.streamMu.Unlock()

	for _, h := range active {
		h.Stop()
	}
}

// startStream opens a network stream unless one of the same kind runs. The
// guard is checked before opening and again after, since another caller may
// have registered a stream while this one waited on the network.
func startStream[T any](s *SyncService, ctx context.Context, kind StreamKind,
	open func(context.Context) (network.Stream[T], error), handle func(context.Context, T) error) (*Stream, error) {
	if s.client == nil {
		return nil, ErrNoClient
	}
	if s.ActiveStream(kind) != nil {
		return nil, fmt.Errorf("%w: %s", ErrStreamActive, kind)
	}

	ctx, cancel := context.WithCancel(ctx)
	st, err := open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open %s stream: %w", kind, err)
	}

	s.streamMu.Lock()
	if s.streams[kind] != nil {
		s.streamMu.Unlock()
		cancel()
		st.Close()
		return nil, fmt.Errorf("%w: %s", ErrStreamActive, kind)
	}
	h := &Stream{kind: kind, cancel: cancel, close: st.Close, done: make(chan struct{})}
	s.streams[kind] = h
	s.streamMu.Unlock()

	s.metrics.StreamStarted(string(kind))
	s.log.Infof("Started %s stream", kind)
	go func() {
		err := runStreamLoop(ctx, st, handle, func(err error) {
			s.log.Warnf("Failed to handle %s stream item: %v", kind, err)
		})
		s.finishStream(h, err)
	}()
	return h, nil
}

func runStreamLoop[T any](ctx context.Context, st network.Stream[T], handle func(context.Context, T) error, onItemErr func(error)) error {
	for {
		item, err := st.Next(ctx)
		if err != nil {
			if errors.Is(err, network.ErrStreamClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := handle(ctx, item); err != nil {
			onItemErr(err)
		}
	}
}

func (s *SyncService) finishStream(h *Stream, err error) {
	h.cancel()
	h.close()

	s.streamMu.Lock()
	if s.streams[h.kind] == h {
		delete(s.streams, h.kind)
	}
	s.streamMu.Unlock()
	s.metrics.StreamStopped(string(h.kind))

	if err != nil {
		h.err = fmt.Errorf("%s stream failed: %w", h.kind, err)
		s.log.Errorf("%v", h.err)
		if s.OnError != nil {
			s.OnError(h.kind, h.err)
		}
	} else {
		s.log.Infof("Stopped %s stream", h.kind)
	}
	close(h.done)
}

func (s *SyncService) handleMessage(ctx context.Context, m network.Message) error {
	owner := s.client.Address()
	conv, err := s.conversations.GetByKey(ctx, owner, cache.KeyTopic, m.ConversationTopic)
	if err != nil {
		return err
	}
	if conv == nil {
		if _, err := s.SyncConversations(ctx); err != nil {
			return err
		}
		if conv, err = s.conversations.GetByKey(ctx, owner, cache.KeyTopic, m.ConversationTopic); err != nil {
			return err
		}
		if conv == nil {
			return fmt.Errorf("message %s belongs to unknown conversation %s", m.ID, m.ConversationTopic)
		}
	}
	_, err = s.pipeline.Process(ctx, s.client, conv, m.ToCache(owner))
	return err
}

func (s *SyncService) handleConversation(ctx context.Context, c network.Conversation) error {
	_, err := s.conversations.Save(ctx, c.ToCache(s.client.Address()))
	return err
}

func (s *SyncService) handleConsent(ctx context.Context, action network.ConsentAction) error {
	owner := s.client.Address()
	entries := append(action.Entries[:0:0], action.Entries...)
	for i := range entries {
		if entries[i].OwnerAddress == "" {
			entries[i].OwnerAddress = owner
		}
	}
	return s.consent.BulkPut(ctx, entries)
}
