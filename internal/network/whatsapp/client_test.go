package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"msgcache/internal/contenttype"
	"msgcache/internal/contenttype/reaction"
	"msgcache/internal/contenttype/readreceipt"
	"msgcache/internal/contenttype/reply"
	"msgcache/internal/infra/logger"
	"msgcache/internal/model"
	"msgcache/internal/network"
	"msgcache/internal/utils/retry"
)

type fakeWA struct {
	sent       []*waE2E.Message
	sentTo     []types.JID
	read       []types.MessageID
	registered map[string]bool
	blocked    []types.JID
	groups     []*types.GroupInfo
	groupErrs  int
}

func (f *fakeWA) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.sent = append(f.sent, message)
	f.sentTo = append(f.sentTo, to)
	return whatsmeow.SendResponse{ID: types.MessageID(fmt.Sprintf("OUT%d", len(f.sent))), Timestamp: time.Unix(1_700_000_100, 0)}, nil
}

func (f *fakeWA) MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error {
	f.read = append(f.read, ids...)
	return nil
}

func (f *fakeWA) IsOnWhatsApp(ctx context.Context, phones []string) ([]types.IsOnWhatsAppResponse, error) {
	out := make([]types.IsOnWhatsAppResponse, 0, len(phones))
	for _, p := range phones {
		out = append(out, types.IsOnWhatsAppResponse{Query: p, IsIn: f.registered[p]})
	}
	return out, nil
}

func (f *fakeWA) GetBlocklist(ctx context.Context) (*types.Blocklist, error) {
	return &types.Blocklist{JIDs: f.blocked}, nil
}

func (f *fakeWA) GetJoinedGroups(ctx context.Context) ([]*types.GroupInfo, error) {
	if f.groupErrs > 0 {
		f.groupErrs--
		return nil, errors.New("temporary failure")
	}
	return f.groups, nil
}

var (
	ownJID  = types.NewJID("15550001", types.DefaultUserServer)
	peerJID = types.NewJID("15550002", types.DefaultUserServer)
)

func newTestClient(t *testing.T) (*Client, *fakeWA) {
	t.Helper()
	reg, err := contenttype.NewRegistry(reaction.Config(), reply.Config(), readreceipt.Config())
	require.NoError(t, err)
	wa := &fakeWA{registered: map[string]bool{"+15550002": true}}
	c := newClient(wa, func() types.JID { return ownJID }, reg.Codecs(), logger.Discard())
	c.retry = retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	return c, wa
}

func incoming(id string, at time.Time, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
			ID:            types.MessageID(id),
			Timestamp:     at,
		},
		Message: msg,
	}
}

func TestIncomingMessagesReachStreamsAndHistory(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	convStream, err := c.StreamConversations(ctx)
	require.NoError(t, err)
	msgStream, err := c.StreamAllMessages(ctx)
	require.NoError(t, err)

	at := time.Unix(1_700_000_000, 0)
	c.HandleEvent(incoming("A1", at, &waE2E.Message{Conversation: proto.String("hi")}))
	// Redelivery is ignored.
	c.HandleEvent(incoming("A1", at, &waE2E.Message{Conversation: proto.String("hi")}))

	conv, err := convStream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, peerJID.String(), conv.Topic)

	msg, err := msgStream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", msg.ID)
	assert.Equal(t, model.Text("hi"), msg.Content)
	assert.Equal(t, peerJID.String(), msg.SenderAddress)

	history, err := c.GetMessages(ctx, conv, network.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, history, 1)

	boundary, err := c.GetMessages(ctx, conv, network.ListOptions{StartTime: at})
	require.NoError(t, err)
	assert.Len(t, boundary, 1)

	later, err := c.GetMessages(ctx, conv, network.ListOptions{StartTime: at.Add(time.Millisecond)})
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestUnmappedKindsKeepRawProtobuf(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)

	raw := &waE2E.Message{LocationMessage: &waE2E.LocationMessage{DegreesLatitude: proto.Float64(1)}}
	c.HandleEvent(incoming("L1", time.Unix(1_700_000_000, 0), raw))

	msgs, err := c.GetMessages(ctx, network.Conversation{Topic: peerJID.String()}, network.ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Nil(t, msgs[0].Content)
	assert.Equal(t, KindType("location"), msgs[0].ContentType)
	require.NotEmpty(t, msgs[0].ContentBytes)

	content, err := c.Decode(ctx, msgs[0].ContentBytes, msgs[0].ContentType)
	require.NoError(t, err)
	assert.Nil(t, content)

	text, err := proto.Marshal(&waE2E.Message{Conversation: proto.String("later")})
	require.NoError(t, err)
	content, err = c.Decode(ctx, text, model.ContentTypeText)
	require.NoError(t, err)
	assert.Equal(t, model.Text("later"), content)
}

func TestRepliesAndReactionsMap(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	at := time.Unix(1_700_000_000, 0)

	c.HandleEvent(incoming("R1", at, &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{
		Text:        proto.String("yes"),
		ContextInfo: &waE2E.ContextInfo{StanzaID: proto.String("A1")},
	}}))
	key := &waCommon.MessageKey{ID: proto.String("A1")}
	c.HandleEvent(incoming("X1", at.Add(time.Second), &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Key: key, Text: proto.String("👍")}}))
	c.HandleEvent(incoming("X2", at.Add(2*time.Second), &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Key: key, Text: proto.String("")}}))

	msgs, err := c.GetMessages(ctx, network.Conversation{Topic: peerJID.String()}, network.ListOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, model.Reply{Reference: "A1", NestedType: model.ContentTypeText, Content: model.Text("yes")}, msgs[0].Content)
	assert.Equal(t, model.Reaction{Reference: "A1", Action: model.ReactionAdded, Content: "👍", Schema: model.SchemaUnicode}, msgs[1].Content)
	// The removal names the emoji it withdraws.
	assert.Equal(t, model.Reaction{Reference: "A1", Action: model.ReactionRemoved, Content: "👍", Schema: model.SchemaUnicode}, msgs[2].Content)
}

func TestReadReceiptsBecomeMessages(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	stream, err := c.StreamMessages(ctx, network.Conversation{Topic: peerJID.String()})
	require.NoError(t, err)

	c.HandleEvent(&events.Receipt{
		MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
		MessageIDs:    []types.MessageID{"OUT1"},
		Timestamp:     time.Unix(1_700_000_050, 0),
		Type:          types.ReceiptTypeRead,
	})
	c.HandleEvent(&events.Receipt{
		MessageSource: types.MessageSource{Chat: peerJID, Sender: peerJID},
		MessageIDs:    []types.MessageID{"OUT1"},
		Type:          types.ReceiptTypeDelivered,
	})

	msg, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypeReadReceipt, msg.ContentType)
	assert.Equal(t, model.ReadReceipt{}, msg.Content)

	msgs, err := c.GetMessages(ctx, network.Conversation{Topic: peerJID.String()}, network.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSendBuildsProtobuf(t *testing.T) {
	ctx := context.Background()
	c, wa := newTestClient(t)
	conv, err := c.NewConversation(ctx, "+15550002")
	require.NoError(t, err)
	assert.Equal(t, peerJID.String(), conv.Topic)

	res, err := c.Send(ctx, conv, model.Text("hello"), network.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "OUT1", res.ID)
	require.Len(t, wa.sent, 1)
	assert.Equal(t, "hello", wa.sent[0].GetConversation())
	assert.Equal(t, peerJID, wa.sentTo[0])

	c.HandleEvent(incoming("IN1", time.Unix(1_700_000_000, 0), &waE2E.Message{Conversation: proto.String("hey")}))
	_, err = c.Send(ctx, conv, model.Reaction{Reference: "IN1", Action: model.ReactionAdded, Content: "❤", Schema: model.SchemaUnicode}, network.SendOptions{})
	require.NoError(t, err)
	rm := wa.sent[1].GetReactionMessage()
	require.NotNil(t, rm)
	assert.Equal(t, "IN1", rm.GetKey().GetID())
	assert.False(t, rm.GetKey().GetFromMe())
	assert.Equal(t, "❤", rm.GetText())

	_, err = c.Send(ctx, conv, model.ReadReceipt{}, network.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, []types.MessageID{"IN1"}, wa.read)

	_, err = c.Send(ctx, conv, model.Attachment{Filename: "a.txt", MimeType: "text/plain", Data: []byte("x")}, network.SendOptions{})
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestReadReceiptWithoutIncomingFails(t *testing.T) {
	c, _ := newTestClient(t)
	_, err := c.Send(context.Background(), network.Conversation{Topic: peerJID.String()}, model.ReadReceipt{}, network.SendOptions{})
	assert.ErrorIs(t, err, ErrNothingToRead)
}

func TestCanMessageAndGroups(t *testing.T) {
	ctx := context.Background()
	c, wa := newTestClient(t)
	group := types.NewJID("1203630001", types.GroupServer)
	wa.groups = []*types.GroupInfo{{JID: group, GroupCreated: time.Unix(1_600_000_000, 0)}}
	wa.groupErrs = 1

	convs, err := c.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, group.String(), convs[0].Topic)

	ok, err := c.CanMessage(ctx, "15550002", "15550009", group.String(), "bad@@")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false}, ok)
}

func TestConsentFromBlocklist(t *testing.T) {
	ctx := context.Background()
	c, wa := newTestClient(t)
	wa.blocked = []types.JID{peerJID}

	entries, err := c.ListConsent(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.ConsentDenied, entries[0].State)
	assert.Equal(t, ownJID.String(), entries[0].OwnerAddress)

	stream, err := c.StreamConsent(ctx)
	require.NoError(t, err)
	c.HandleEvent(&events.Blocklist{Changes: []events.BlocklistChange{
		{JID: peerJID, Action: events.BlocklistChangeActionUnblock},
	}})
	action, err := stream.Next(ctx)
	require.NoError(t, err)
	require.Len(t, action.Entries, 1)
	assert.Equal(t, model.ConsentAllowed, action.Entries[0].State)
	assert.Equal(t, peerJID.String(), action.Entries[0].EntityValue)

	c.Close()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, network.ErrStreamClosed)
}
