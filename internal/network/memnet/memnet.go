// Package memnet is an in-process messaging network. Every Client created
// from one Network can talk to the others. It backs the tests and the demo
// command.
package memnet

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/network"
)

// ErrUnknownPeer is returned when a conversation is opened with an address
// that has no client on the network.
var ErrUnknownPeer = errors.New("peer is not on the network")

type storedMessage struct {
	id          string
	topic       string
	sender      string
	sentAt      time.Time
	contentType model.ContentTypeID
	envelope    []byte
}

type conversation struct {
	topic     string
	members   [2]string
	createdAt time.Time
}

func (c *conversation) peerOf(address string) string {
	if c.members[0] == address {
		return c.members[1]
	}
	return c.members[0]
}

func (c *conversation) has(address string) bool {
	return c.members[0] == address || c.members[1] == address
}

// Network holds the shared state of all clients.
type Network struct {
	mu            sync.Mutex
	clients       map[string]*Client
	conversations map[string]*conversation
	messages      map[string][]storedMessage
	consent       map[string][]model.ConsentEntry
	seq           int64
	clock         time.Time
	step          time.Duration

	msgStreams     map[*network.Feed[network.Message]]msgFilter
	convStreams    map[*network.Feed[network.Conversation]]string
	consentStreams map[*network.Feed[network.ConsentAction]]string
}

type msgFilter struct {
	address string
	topic   string
}

// New creates an empty network. Message timestamps start at start and
// advance one millisecond per message unless SetStep changes that.
func New(start time.Time) *Network {
	return &Network{
		clients:        make(map[string]*Client),
		conversations:  make(map[string]*conversation),
		messages:       make(map[string][]storedMessage),
		consent:        make(map[string][]model.ConsentEntry),
		clock:          start,
		step:           time.Millisecond,
		msgStreams:     make(map[*network.Feed[network.Message]]msgFilter),
		convStreams:    make(map[*network.Feed[network.Conversation]]string),
		consentStreams: make(map[*network.Feed[network.ConsentAction]]string),
	}
}

// Client registers address on the network and returns its client. The
// client decodes with codecs; content types it has no codec for arrive
// undecoded.
func (n *Network) Client(address string, codecs *codec.Set) *Client {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &Client{net: n, address: address, codecs: codecs}
	n.clients[address] = c
	return c
}

// SetConsent replaces the consent list of owner and pushes the entries to
// its consent streams.
func (n *Network) SetConsent(owner string, entries []model.ConsentEntry) {
	n.mu.Lock()
	n.consent[owner] = append([]model.ConsentEntry(nil), entries...)
	var targets []*network.Feed[network.ConsentAction]
	for s, addr := range n.consentStreams {
		if addr == owner {
			targets = append(targets, s)
		}
	}
	n.mu.Unlock()

	for _, s := range targets {
		s.Push(network.ConsentAction{Entries: append([]model.ConsentEntry(nil), entries...)})
	}
}

// FailStreams makes the next Next call of every open stream of address
// return err.
func (n *Network) FailStreams(address string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for s, f := range n.msgStreams {
		if f.address == address {
			s.Fail(err)
		}
	}
	for s, addr := range n.convStreams {
		if addr == address {
			s.Fail(err)
		}
	}
	for s, addr := range n.consentStreams {
		if addr == address {
			s.Fail(err)
		}
	}
}

// OpenStreams returns the number of open streams of address.
func (n *Network) OpenStreams(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for s, f := range n.msgStreams {
		if f.address == address && !s.Closed() {
			count++
		}
	}
	for s, addr := range n.convStreams {
		if addr == address && !s.Closed() {
			count++
		}
	}
	for s, addr := range n.consentStreams {
		if addr == address && !s.Closed() {
			count++
		}
	}
	return count
}

func topicFor(a, b string) string {
	members := []string{a, b}
	sort.Strings(members)
	return "dm:" + strings.Join(members, ":")
}

// SetStep sets how far the clock advances per message. With a zero step
// every following message shares one timestamp.
func (n *Network) SetStep(d time.Duration) {
	n.mu.Lock()
	n.step = d
	n.mu.Unlock()
}

// tick returns the next message time and id. Callers hold n.mu.
func (n *Network) tick() (time.Time, string) {
	n.seq++
	n.clock = n.clock.Add(n.step)
	return n.clock, fmt.Sprintf("msg-%d", n.seq)
}

// Publish stores a message sent by sender to topic and fans it out. Tests use
// it to inject raw envelopes, for example of content types the sender has no
// codec for.
func (n *Network) Publish(sender, topic string, contentType model.ContentTypeID, envelope []byte) (network.SendResult, error) {
	n.mu.Lock()
	conv, ok := n.conversations[topic]
	if !ok {
		n.mu.Unlock()
		return network.SendResult{}, fmt.Errorf("unknown conversation %s", topic)
	}
	if !conv.has(sender) {
		n.mu.Unlock()
		return network.SendResult{}, fmt.Errorf("%s is not a member of %s", sender, topic)
	}
	sentAt, id := n.tick()
	stored := storedMessage{
		id:          id,
		topic:       topic,
		sender:      sender,
		sentAt:      sentAt,
		contentType: contentType,
		envelope:    envelope,
	}
	n.messages[topic] = append(n.messages[topic], stored)

	type delivery struct {
		s      *network.Feed[network.Message]
		client *Client
	}
	var targets []delivery
	for s, f := range n.msgStreams {
		if !conv.has(f.address) || (f.topic != "" && f.topic != topic) {
			continue
		}
		targets = append(targets, delivery{s: s, client: n.clients[f.address]})
	}
	n.mu.Unlock()

	for _, d := range targets {
		d.s.Push(d.client.toNetwork(stored))
	}
	return network.SendResult{ID: id, SentAt: sentAt}, nil
}

func (n *Network) openConversation(a, b string) (*conversation, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.clients[b]; !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownPeer, b)
	}
	topic := topicFor(a, b)
	if conv, ok := n.conversations[topic]; ok {
		return conv, false, nil
	}
	createdAt, _ := n.tick()
	conv := &conversation{topic: topic, members: [2]string{a, b}, createdAt: createdAt}
	n.conversations[topic] = conv
	return conv, true, nil
}

func (n *Network) announce(conv *conversation) {
	n.mu.Lock()
	type delivery struct {
		s    *network.Feed[network.Conversation]
		addr string
	}
	var targets []delivery
	for s, addr := range n.convStreams {
		if conv.has(addr) {
			targets = append(targets, delivery{s, addr})
		}
	}
	n.mu.Unlock()

	for _, d := range targets {
		d.s.Push(network.Conversation{Topic: conv.topic, PeerAddress: conv.peerOf(d.addr), CreatedAt: conv.createdAt})
	}
}
