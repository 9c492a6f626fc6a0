package memnet

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/network"
)

// Client is one identity on a Network. It implements network.Client.
type Client struct {
	net     *Network
	address string

	mu      sync.Mutex
	codecs  *codec.Set
	sendErr error
}

var _ network.Client = (*Client)(nil)

// SetCodecs swaps the codecs, for example to simulate an upgrade that adds
// support for a content type.
func (c *Client) SetCodecs(codecs *codec.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codecs = codecs
}

// FailSends makes Send return err until it is called again with nil.
func (c *Client) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Client) state() (*codec.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codecs, c.sendErr
}

// Address implements network.Client.
func (c *Client) Address() string {
	return c.address
}

// ListConversations implements network.Client.
func (c *Client) ListConversations(ctx context.Context) ([]network.Conversation, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	var out []network.Conversation
	for _, conv := range c.net.conversations {
		if conv.has(c.address) {
			out = append(out, network.Conversation{
				Topic:       conv.topic,
				PeerAddress: conv.peerOf(c.address),
				CreatedAt:   conv.createdAt,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StreamConversations implements network.Client.
func (c *Client) StreamConversations(ctx context.Context) (network.Stream[network.Conversation], error) {
	var s *network.Feed[network.Conversation]
	s = network.NewFeed[network.Conversation](64, func() {
		c.net.mu.Lock()
		delete(c.net.convStreams, s)
		c.net.mu.Unlock()
	})
	c.net.mu.Lock()
	c.net.convStreams[s] = c.address
	c.net.mu.Unlock()
	return s, nil
}

// NewConversation implements network.Client.
func (c *Client) NewConversation(ctx context.Context, peerAddress string) (network.Conversation, error) {
	conv, created, err := c.net.openConversation(c.address, peerAddress)
	if err != nil {
		return network.Conversation{}, err
	}
	if created {
		c.net.announce(conv)
	}
	return network.Conversation{Topic: conv.topic, PeerAddress: peerAddress, CreatedAt: conv.createdAt}, nil
}

// GetMessages implements network.Client.
func (c *Client) GetMessages(ctx context.Context, conv network.Conversation, opts network.ListOptions) ([]network.Message, error) {
	c.net.mu.Lock()
	stored := append([]storedMessage(nil), c.net.messages[conv.Topic]...)
	c.net.mu.Unlock()

	var out []network.Message
	for _, m := range stored {
		if !opts.StartTime.IsZero() && m.sentAt.Before(opts.StartTime) {
			continue
		}
		out = append(out, c.toNetwork(m))
	}
	if opts.Direction == network.Descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// StreamMessages implements network.Client.
func (c *Client) StreamMessages(ctx context.Context, conv network.Conversation) (network.Stream[network.Message], error) {
	return c.streamMessages(conv.Topic), nil
}

// StreamAllMessages implements network.Client.
func (c *Client) StreamAllMessages(ctx context.Context) (network.Stream[network.Message], error) {
	return c.streamMessages(""), nil
}

func (c *Client) streamMessages(topic string) *network.Feed[network.Message] {
	var s *network.Feed[network.Message]
	s = network.NewFeed[network.Message](64, func() {
		c.net.mu.Lock()
		delete(c.net.msgStreams, s)
		c.net.mu.Unlock()
	})
	c.net.mu.Lock()
	c.net.msgStreams[s] = msgFilter{address: c.address, topic: topic}
	c.net.mu.Unlock()
	return s
}

// Send implements network.Client.
func (c *Client) Send(ctx context.Context, conv network.Conversation, content model.Content, opts network.SendOptions) (network.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return network.SendResult{}, err
	}
	_, sendErr := c.state()
	if sendErr != nil {
		return network.SendResult{}, sendErr
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = content.ContentType()
	}
	ec, err := c.Encode(content, contentType)
	if err != nil {
		return network.SendResult{}, err
	}
	envelope, err := codec.Marshal(ec)
	if err != nil {
		return network.SendResult{}, err
	}
	return c.net.Publish(c.address, conv.Topic, contentType, envelope)
}

// CanMessage implements network.Client.
func (c *Client) CanMessage(ctx context.Context, addresses ...string) ([]bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	out := make([]bool, len(addresses))
	for i, addr := range addresses {
		_, out[i] = c.net.clients[addr]
	}
	return out, nil
}

// Encode implements network.Client.
func (c *Client) Encode(content model.Content, contentType model.ContentTypeID) (*codec.EncodedContent, error) {
	if content == nil {
		return nil, fmt.Errorf("cannot encode nil content")
	}
	if content.ContentType() != contentType {
		return nil, fmt.Errorf("content of type %s sent as %s", content.ContentType(), contentType)
	}
	codecs, _ := c.state()
	return codecs.Encode(content)
}

// Decode implements network.Client. data is an envelope as produced by
// codec.Marshal. Content types without a codec decode to nil.
func (c *Client) Decode(ctx context.Context, data []byte, contentType model.ContentTypeID) (model.Content, error) {
	codecs, _ := c.state()
	if !codecs.Supports(contentType) {
		return nil, nil
	}
	ec, err := codec.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if ec.Type != contentType {
		return nil, fmt.Errorf("envelope of type %s decoded as %s", ec.Type, contentType)
	}
	return codecs.Decode(ec)
}

// ListConsent implements network.Client.
func (c *Client) ListConsent(ctx context.Context) ([]model.ConsentEntry, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return append([]model.ConsentEntry(nil), c.net.consent[c.address]...), nil
}

// StreamConsent implements network.Client.
func (c *Client) StreamConsent(ctx context.Context) (network.Stream[network.ConsentAction], error) {
	var s *network.Feed[network.ConsentAction]
	s = network.NewFeed[network.ConsentAction](64, func() {
		c.net.mu.Lock()
		delete(c.net.consentStreams, s)
		c.net.mu.Unlock()
	})
	c.net.mu.Lock()
	c.net.consentStreams[s] = c.address
	c.net.mu.Unlock()
	return s, nil
}

func (c *Client) toNetwork(m storedMessage) network.Message {
	msg := network.Message{
		ID:                m.id,
		ConversationTopic: m.topic,
		SenderAddress:     m.sender,
		SentAt:            m.sentAt,
		ContentType:       m.contentType,
	}
	content, err := c.Decode(context.Background(), m.envelope, m.contentType)
	if err != nil || content == nil {
		msg.ContentBytes = append([]byte(nil), m.envelope...)
		if ec, err := codec.Unmarshal(m.envelope); err == nil {
			msg.ContentFallback = ec.Fallback
		}
		return msg
	}
	msg.Content = content
	if ec, err := codec.Unmarshal(m.envelope); err == nil {
		msg.ContentFallback = ec.Fallback
	}
	return msg
}
