package whatsapp

import (
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"msgcache/internal/model"
	"msgcache/internal/network"
)

// HandleEvent feeds whatsmeow events into the adapter's history and streams.
func (c *Client) HandleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		c.onMessage(e)
	case *events.Receipt:
		c.onReceipt(e)
	case *events.HistorySync:
		c.onHistorySync(e)
	case *events.JoinedGroup:
		c.ensureChat(e.JID, e.GroupCreated)
	case *events.Blocklist:
		c.onBlocklist(e)
	}
}

func (c *Client) onMessage(e *events.Message) {
	if e.Message == nil || e.Info.Chat.Server == types.BroadcastServer {
		return
	}
	chat := e.Info.Chat.ToNonAD()
	c.ensureChat(chat, e.Info.Timestamp)
	c.record(c.toNetwork(e.Info.ID, chat, e.Info.Sender, e.Info.IsFromMe, e.Info.Timestamp, e.Message), true)
}

// onReceipt turns read receipts into read receipt messages of the chat.
// Delivery and other receipt types carry nothing the cache keeps.
func (c *Client) onReceipt(e *events.Receipt) {
	if e.Type != types.ReceiptTypeRead && e.Type != types.ReceiptTypeReadSelf {
		return
	}
	if len(e.MessageIDs) == 0 {
		return
	}
	chat := e.Chat.ToNonAD()
	c.ensureChat(chat, e.Timestamp)
	msg := network.Message{
		ID:                receiptID(e.MessageIDs[len(e.MessageIDs)-1], e.Sender),
		ConversationTopic: chat.String(),
		SenderAddress:     e.Sender.ToNonAD().String(),
		SentAt:            e.Timestamp,
		ContentType:       model.ContentTypeReadReceipt,
	}
	if c.codecs.Supports(model.ContentTypeReadReceipt) {
		msg.Content = model.ReadReceipt{}
	}
	c.record(record{msg: msg, chat: chat, sender: e.Sender, fromMe: e.IsFromMe}, true)
}

func (c *Client) onHistorySync(e *events.HistorySync) {
	if e.Data == nil {
		return
	}
	own := c.own()
	total := 0
	for _, conv := range e.Data.GetConversations() {
		chat, err := types.ParseJID(conv.GetID())
		if err != nil || chat.Server == types.BroadcastServer {
			continue
		}
		chat = chat.ToNonAD()
		for _, hm := range conv.GetMessages() {
			web := hm.GetMessage()
			if web == nil || web.GetMessage() == nil {
				continue
			}
			key := web.GetKey()
			sentAt := time.Unix(int64(web.GetMessageTimestamp()), 0)
			c.ensureChat(chat, sentAt)

			var sender types.JID
			switch {
			case web.GetParticipant() != "":
				sender, _ = types.ParseJID(web.GetParticipant())
			case key.GetFromMe():
				sender = own
			case chat.Server != types.GroupServer:
				sender = chat
			default:
				continue
			}
			c.record(c.toNetwork(key.GetID(), chat, sender, key.GetFromMe(), sentAt, web.GetMessage()), true)
			total++
		}
	}
	c.log.Infof("History sync: %d messages", total)
}

func (c *Client) onBlocklist(e *events.Blocklist) {
	owner := c.Address()
	now := time.Now()
	action := network.ConsentAction{}
	for _, change := range e.Changes {
		state := model.ConsentDenied
		if change.Action == events.BlocklistChangeActionUnblock {
			state = model.ConsentAllowed
		}
		action.Entries = append(action.Entries, model.ConsentEntry{
			OwnerAddress: owner,
			EntityType:   entityType(change.JID),
			EntityValue:  change.JID.ToNonAD().String(),
			State:        state,
			UpdatedAt:    now,
		})
	}
	if len(action.Entries) == 0 {
		return
	}

	c.mu.Lock()
	targets := make([]*network.Feed[network.ConsentAction], 0, len(c.consentFeeds))
	for f := range c.consentFeeds {
		targets = append(targets, f)
	}
	c.mu.Unlock()
	for _, f := range targets {
		f.Push(action)
	}
}

// ensureChat registers chat as a conversation, announcing it when new.
func (c *Client) ensureChat(chat types.JID, seen time.Time) network.Conversation {
	topic := chat.ToNonAD().String()
	c.mu.Lock()
	if conv, ok := c.chats[topic]; ok {
		c.mu.Unlock()
		return conv
	}
	if seen.IsZero() {
		seen = time.Now()
	}
	conv := network.Conversation{Topic: topic, PeerAddress: topic, CreatedAt: seen}
	c.chats[topic] = conv
	targets := make([]*network.Feed[network.Conversation], 0, len(c.convFeeds))
	for f := range c.convFeeds {
		targets = append(targets, f)
	}
	c.mu.Unlock()

	for _, f := range targets {
		f.Push(conv)
	}
	return conv
}

// toNetwork converts a WhatsApp message. Content is left nil, and the raw
// protobuf kept, when it has no mapping or no codec.
func (c *Client) toNetwork(id string, chat, sender types.JID, fromMe bool, sentAt time.Time, msg *waE2E.Message) record {
	content, contentType := fromProto(msg)
	if content != nil && !c.codecs.Supports(contentType) {
		content = nil
	}
	out := network.Message{
		ID:                id,
		ConversationTopic: chat.String(),
		SenderAddress:     sender.ToNonAD().String(),
		SentAt:            sentAt,
		ContentType:       contentType,
		Content:           content,
	}
	if content == nil {
		if raw, err := proto.Marshal(msg); err == nil {
			out.ContentBytes = raw
		} else {
			c.log.Warnf("Failed to marshal message %s: %v", id, err)
		}
	}
	return record{msg: out, chat: chat, sender: sender.ToNonAD(), fromMe: fromMe}
}

// record appends r to the chat history and, when push is set, delivers it to
// the message streams. Removed reactions get the emoji of the reaction they
// withdraw, since WhatsApp sends them empty.
func (c *Client) record(r record, push bool) {
	topic := r.msg.ConversationTopic
	c.mu.Lock()
	hist := c.history[topic]
	for _, existing := range hist {
		if existing.msg.ID == r.msg.ID {
			c.mu.Unlock()
			return
		}
	}
	if reaction, ok := r.msg.Content.(model.Reaction); ok {
		key := reaction.Reference + "|" + r.msg.SenderAddress
		if reaction.Action == model.ReactionRemoved {
			reaction.Content = c.reactions[key]
			delete(c.reactions, key)
			r.msg.Content = reaction
		} else {
			c.reactions[key] = reaction.Content
		}
	}

	hist = append(hist, r)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	c.history[topic] = hist

	var targets []*network.Feed[network.Message]
	if push {
		for f, filter := range c.msgFeeds {
			if filter == "" || filter == topic {
				targets = append(targets, f)
			}
		}
	}
	c.mu.Unlock()

	for _, f := range targets {
		f.Push(r.msg)
	}
}
