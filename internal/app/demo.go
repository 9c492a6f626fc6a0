package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"msgcache/internal/contenttype/reaction"
	"msgcache/internal/contenttype/readreceipt"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/network/memnet"
)

// DemoOwner is the identity the demo caches for.
const DemoOwner = "alice"

// RunDemo attaches an in-memory network, exchanges a few messages between
// the owner and a peer and prints the resulting cache to w.
func (a *App) RunDemo(ctx context.Context, w io.Writer) error {
	net := memnet.New(time.Now().Truncate(time.Millisecond))
	owner := net.Client(DemoOwner, a.Registry.Codecs())
	peer := net.Client("bob", a.Registry.Codecs())
	a.Attach(owner)

	stream, err := a.SyncService.StreamAllMessages(ctx)
	if err != nil {
		return err
	}
	defer stream.Stop()

	conv, err := a.SendService.StartConversation(ctx, "bob")
	if err != nil {
		return err
	}
	hello, err := a.SendService.Send(ctx, conv, model.Text("hello bob"))
	if err != nil {
		return err
	}

	peerConv := network.Conversation{Topic: conv.Topic, PeerAddress: DemoOwner}
	for _, content := range []model.Content{
		model.Text("hi alice"),
		model.Reply{Reference: hello.ProtocolID, NestedType: model.ContentTypeText, Content: model.Text("nice to hear from you")},
		model.Reaction{Reference: hello.ProtocolID, Action: model.ReactionAdded, Content: "👋", Schema: model.SchemaUnicode},
		model.ReadReceipt{},
	} {
		if _, err := peer.Send(ctx, peerConv, content, network.SendOptions{}); err != nil {
			return fmt.Errorf("failed to send as peer: %w", err)
		}
	}

	// The stream is asynchronous; a sync catches up with anything it has not
	// handled yet.
	if err := a.SyncService.SyncAll(ctx); err != nil {
		return err
	}
	return a.PrintConversations(ctx, w, DemoOwner)
}

// PrintConversations writes the cached conversations of owner and their
// messages to w.
func (a *App) PrintConversations(ctx context.Context, w io.Writer, owner string) error {
	convs, err := a.Conversations.ListByOwner(ctx, owner)
	if err != nil {
		return err
	}
	for _, conv := range convs {
		marks, err := readreceipt.Read(conv.Metadata)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s with %s (ready=%v, peer read up to %s)\n", conv.Topic, conv.PeerAddress, conv.IsReady,
			formatTime(marks.Get(readreceipt.Incoming)))

		msgs, err := a.Messages.ListByTopic(ctx, conv.Topic, 0, 0)
		if err != nil {
			return err
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			m := msgs[i]
			var flags reaction.Metadata
			if _, err := m.Metadata.Get(reaction.Namespace, &flags); err != nil {
				return err
			}
			text := m.ContentFallback
			if t, ok := m.Content.(model.Text); ok {
				text = string(t)
			}
			suffix := ""
			if flags.HasReactions {
				suffix = " [reacted]"
			}
			fmt.Fprintf(w, "  %s %-6s %s%s\n", m.SentAt.Format("15:04:05.000"), m.SenderAddress, text, suffix)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format("15:04:05.000")
}
