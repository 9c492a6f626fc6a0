// Package whatsapp adapts a whatsmeow client to network.Client. WhatsApp
// chats become conversations keyed by chat JID, the blocklist becomes the
// consent list and read receipts become read receipt messages.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/utils/retry"
)

var (
	// ErrUnsupportedContent is returned by Send for content WhatsApp cannot carry.
	ErrUnsupportedContent = errors.New("content cannot be sent over whatsapp")

	// ErrNothingToRead is returned when a read receipt is sent to a chat
	// without incoming messages.
	ErrNothingToRead = errors.New("no incoming message to mark as read")
)

const (
	historyLimit = 1000
	feedSize     = 256
)

// waClient is the part of *whatsmeow.Client the adapter uses.
type waClient interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
	IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error)
	GetBlocklist(ctx context.Context) (*types.Blocklist, error)
	GetJoinedGroups(ctx context.Context) ([]*types.GroupInfo, error)
}

// record is a message seen on this device.
type record struct {
	msg    network.Message
	chat   types.JID
	sender types.JID
	fromMe bool
}

// Client implements network.Client over whatsmeow. Message history is what
// this device received through events and history sync; WhatsApp has no
// on-demand history fetch.
type Client struct {
	wa     waClient
	own    func() types.JID
	codecs *codec.Set
	log    waLog.Logger
	retry  retry.Config

	mu        sync.Mutex
	chats     map[string]network.Conversation
	history   map[string][]record
	reactions map[string]string

	msgFeeds     map[*network.Feed[network.Message]]string
	convFeeds    map[*network.Feed[network.Conversation]]struct{}
	consentFeeds map[*network.Feed[network.ConsentAction]]struct{}
}

// New wraps wa and registers the event handler. codecs decides which
// content types are decoded; everything else arrives as raw protobuf.
func New(wa *whatsmeow.Client, codecs *codec.Set, log waLog.Logger) *Client {
	c := newClient(wa, func() types.JID {
		if wa.Store.ID == nil {
			return types.EmptyJID
		}
		return wa.Store.ID.ToNonAD()
	}, codecs, log)
	wa.AddEventHandler(c.HandleEvent)
	return c
}

func newClient(wa waClient, own func() types.JID, codecs *codec.Set, log waLog.Logger) *Client {
	return &Client{
		wa:           wa,
		own:          own,
		codecs:       codecs,
		log:          log.Sub("WhatsApp"),
		retry:        retry.DefaultConfig(),
		chats:        make(map[string]network.Conversation),
		history:      make(map[string][]record),
		reactions:    make(map[string]string),
		msgFeeds:     make(map[*network.Feed[network.Message]]string),
		convFeeds:    make(map[*network.Feed[network.Conversation]]struct{}),
		consentFeeds: make(map[*network.Feed[network.ConsentAction]]struct{}),
	}
}

// Close ends every open stream.
func (c *Client) Close() {
	c.mu.Lock()
	var feeds []interface{ Close() error }
	for f := range c.msgFeeds {
		feeds = append(feeds, f)
	}
	for f := range c.convFeeds {
		feeds = append(feeds, f)
	}
	for f := range c.consentFeeds {
		feeds = append(feeds, f)
	}
	c.mu.Unlock()
	for _, f := range feeds {
		f.Close()
	}
}

// Address implements network.Client. It is empty until the device is paired.
func (c *Client) Address() string {
	return c.own().String()
}

// ListConversations implements network.Client. Joined groups are fetched
// from the server; direct chats are the ones seen on this device.
func (c *Client) ListConversations(ctx context.Context) ([]network.Conversation, error) {
	groups, err := retry.DoWithConfig(ctx, c.retry, func() ([]*types.GroupInfo, error) {
		return c.wa.GetJoinedGroups(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get joined groups: %w", err)
	}
	for _, g := range groups {
		c.ensureChat(g.JID, g.GroupCreated)
	}

	c.mu.Lock()
	out := make([]network.Conversation, 0, len(c.chats))
	for _, conv := range c.chats {
		out = append(out, conv)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// StreamConversations implements network.Client.
func (c *Client) StreamConversations(ctx context.Context) (network.Stream[network.Conversation], error) {
	var f *network.Feed[network.Conversation]
	f = network.NewFeed[network.Conversation](feedSize, func() {
		c.mu.Lock()
		delete(c.convFeeds, f)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.convFeeds[f] = struct{}{}
	c.mu.Unlock()
	return f, nil
}

// NewConversation implements network.Client. peerAddress is a JID or a
// phone number.
func (c *Client) NewConversation(ctx context.Context, peerAddress string) (network.Conversation, error) {
	jid, err := ParseAddress(peerAddress)
	if err != nil {
		return network.Conversation{}, err
	}
	return c.ensureChat(jid, time.Now()), nil
}

// GetMessages implements network.Client.
func (c *Client) GetMessages(ctx context.Context, conv network.Conversation, opts network.ListOptions) ([]network.Message, error) {
	c.mu.Lock()
	records := append([]record(nil), c.history[conv.Topic]...)
	c.mu.Unlock()

	sort.SliceStable(records, func(i, j int) bool { return records[i].msg.SentAt.Before(records[j].msg.SentAt) })
	out := make([]network.Message, 0, len(records))
	for _, r := range records {
		if !opts.StartTime.IsZero() && r.msg.SentAt.Before(opts.StartTime) {
			continue
		}
		out = append(out, r.msg)
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
	var f *network.Feed[network.Message]
	f = network.NewFeed[network.Message](feedSize, func() {
		c.mu.Lock()
		delete(c.msgFeeds, f)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.msgFeeds[f] = topic
	c.mu.Unlock()
	return f
}

// Send implements network.Client. Read receipts mark the newest incoming
// message of the chat as read.
func (c *Client) Send(ctx context.Context, conv network.Conversation, content model.Content, opts network.SendOptions) (network.SendResult, error) {
	chat, err := ParseAddress(conv.Topic)
	if err != nil {
		return network.SendResult{}, err
	}
	if _, ok := content.(model.ReadReceipt); ok {
		return c.sendReadReceipt(ctx, chat)
	}

	now := time.Now()
	msg, err := toProto(content, c.target(chat, content), now)
	if err != nil {
		return network.SendResult{}, err
	}
	resp, err := c.wa.SendMessage(ctx, chat, msg)
	if err != nil {
		return network.SendResult{}, fmt.Errorf("failed to send message: %w", err)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = now
	}
	c.record(c.toNetwork(resp.ID, chat, c.own(), true, resp.Timestamp, msg), false)
	return network.SendResult{ID: resp.ID, SentAt: resp.Timestamp}, nil
}

func (c *Client) sendReadReceipt(ctx context.Context, chat types.JID) (network.SendResult, error) {
	c.mu.Lock()
	var last *record
	for i := range c.history[chat.String()] {
		r := &c.history[chat.String()][i]
		if !r.fromMe && (last == nil || r.msg.SentAt.After(last.msg.SentAt)) {
			last = r
		}
	}
	var id string
	var sender types.JID
	if last != nil {
		id, sender = last.msg.ID, last.sender
	}
	c.mu.Unlock()
	if last == nil {
		return network.SendResult{}, ErrNothingToRead
	}

	now := time.Now()
	if err := c.wa.MarkRead(ctx, []types.MessageID{id}, now, chat, sender); err != nil {
		return network.SendResult{}, fmt.Errorf("failed to mark read: %w", err)
	}
	return network.SendResult{ID: receiptID(id, c.own()), SentAt: now}, nil
}

// target resolves the message a reaction or reply refers to, if it was seen
// on this device.
func (c *Client) target(chat types.JID, content model.Content) *target {
	var ref string
	switch v := content.(type) {
	case model.Reaction:
		ref = v.Reference
	case model.Reply:
		ref = v.Reference
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.history[chat.String()] {
		if r.msg.ID == ref {
			return &target{chat: chat, id: ref, sender: r.sender, fromMe: r.fromMe}
		}
	}
	return &target{chat: chat, id: ref}
}

// CanMessage implements network.Client. Groups are reachable when joined;
// users when registered on WhatsApp.
func (c *Client) CanMessage(ctx context.Context, addresses ...string) ([]bool, error) {
	out := make([]bool, len(addresses))
	var phones []string
	index := make(map[string][]int)
	for i, addr := range addresses {
		jid, err := ParseAddress(addr)
		if err != nil {
			continue
		}
		if jid.Server == types.GroupServer {
			c.mu.Lock()
			_, out[i] = c.chats[jid.String()]
			c.mu.Unlock()
			continue
		}
		q := "+" + jid.User
		if _, ok := index[q]; !ok {
			phones = append(phones, q)
		}
		index[q] = append(index[q], i)
	}
	if len(phones) == 0 {
		return out, nil
	}

	resp, err := retry.DoWithConfig(ctx, c.retry, func() ([]types.IsOnWhatsAppResponse, error) {
		return c.wa.IsOnWhatsApp(ctx, phones)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check registration: %w", err)
	}
	for _, r := range resp {
		for _, i := range index[r.Query] {
			out[i] = r.IsIn
		}
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
	return c.codecs.Encode(content)
}

// Decode implements network.Client. data is a marshaled waE2E.Message.
// Messages that do not map onto contentType, or whose type has no codec,
// decode to nil.
func (c *Client) Decode(ctx context.Context, data []byte, contentType model.ContentTypeID) (model.Content, error) {
	var msg waE2E.Message
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	content, got := fromProto(&msg)
	if content == nil || got != contentType || !c.codecs.Supports(got) {
		return nil, nil
	}
	return content, nil
}

// ListConsent implements network.Client. Blocked JIDs are denied; WhatsApp
// has no explicit allow list.
func (c *Client) ListConsent(ctx context.Context) ([]model.ConsentEntry, error) {
	blocklist, err := retry.DoWithConfig(ctx, c.retry, func() (*types.Blocklist, error) {
		return c.wa.GetBlocklist(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get blocklist: %w", err)
	}
	if blocklist == nil {
		return nil, nil
	}
	owner := c.Address()
	now := time.Now()
	entries := make([]model.ConsentEntry, 0, len(blocklist.JIDs))
	for _, jid := range blocklist.JIDs {
		entries = append(entries, model.ConsentEntry{
			OwnerAddress: owner,
			EntityType:   entityType(jid),
			EntityValue:  jid.ToNonAD().String(),
			State:        model.ConsentDenied,
			UpdatedAt:    now,
		})
	}
	return entries, nil
}

// StreamConsent implements network.Client.
func (c *Client) StreamConsent(ctx context.Context) (network.Stream[network.ConsentAction], error) {
	var f *network.Feed[network.ConsentAction]
	f = network.NewFeed[network.ConsentAction](feedSize, func() {
		c.mu.Lock()
		delete(c.consentFeeds, f)
		c.mu.Unlock()
	})
	c.mu.Lock()
	c.consentFeeds[f] = struct{}{}
	c.mu.Unlock()
	return f, nil
}

// ParseAddress turns a JID string or a phone number into a JID.
func ParseAddress(addr string) (types.JID, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return types.EmptyJID, fmt.Errorf("empty address")
	}
	if strings.ContainsRune(addr, '@') {
		jid, err := types.ParseJID(addr)
		if err != nil {
			return types.EmptyJID, fmt.Errorf("invalid address %q: %w", addr, err)
		}
		return jid.ToNonAD(), nil
	}
	return types.NewJID(strings.TrimPrefix(addr, "+"), types.DefaultUserServer), nil
}

func entityType(jid types.JID) model.ConsentEntityType {
	if jid.Server == types.GroupServer {
		return model.EntityGroupID
	}
	return model.EntityAddress
}

func receiptID(messageID string, reader types.JID) string {
	return "receipt:" + messageID + ":" + reader.User
}

var _ network.Client = (*Client)(nil)
