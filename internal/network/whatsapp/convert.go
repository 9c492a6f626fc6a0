package whatsapp

import (
	"fmt"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"google.golang.org/protobuf/proto"

	"msgcache/internal/model"
)

// Authority is the content type authority of WhatsApp message kinds the cache
// has no content type for.
const Authority = "whatsapp.net"

// KindType returns the content type id of an unmapped WhatsApp message kind.
func KindType(kind string) model.ContentTypeID {
	return model.ContentTypeID(Authority + "/" + kind + ":1.0")
}

// fromProto maps a WhatsApp message onto cache content. Kinds without a
// mapping return nil content and a whatsapp.net content type.
func fromProto(msg *waE2E.Message) (model.Content, model.ContentTypeID) {
	switch {
	case msg == nil:
		return nil, KindType("unknown")
	case msg.GetConversation() != "":
		return model.Text(msg.GetConversation()), model.ContentTypeText
	case msg.GetExtendedTextMessage() != nil:
		ext := msg.GetExtendedTextMessage()
		text := model.Text(ext.GetText())
		if ref := ext.GetContextInfo().GetStanzaID(); ref != "" {
			return model.Reply{Reference: ref, NestedType: model.ContentTypeText, Content: text}, model.ContentTypeReply
		}
		return text, model.ContentTypeText
	case msg.GetReactionMessage() != nil:
		rm := msg.GetReactionMessage()
		r := model.Reaction{
			Reference: rm.GetKey().GetID(),
			Action:    model.ReactionAdded,
			Content:   rm.GetText(),
			Schema:    model.SchemaUnicode,
		}
		if rm.GetText() == "" {
			r.Action = model.ReactionRemoved
		}
		return r, model.ContentTypeReaction
	default:
		return nil, KindType(messageKind(msg))
	}
}

// messageKind names the payload of a message the cache cannot decode.
func messageKind(msg *waE2E.Message) string {
	switch {
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetPollCreationMessage() != nil || msg.GetPollCreationMessageV3() != nil:
		return "poll"
	case msg.GetPollUpdateMessage() != nil:
		return "pollUpdate"
	case msg.GetProtocolMessage() != nil:
		return "protocol"
	default:
		return "unknown"
	}
}

// target identifies the message a reaction or reply points at.
type target struct {
	chat   types.JID
	id     string
	sender types.JID
	fromMe bool
}

// toProto builds the WhatsApp message for content. Read receipts are not
// messages and are rejected here.
func toProto(content model.Content, tgt *target, now time.Time) (*waE2E.Message, error) {
	switch c := content.(type) {
	case model.Text:
		return &waE2E.Message{Conversation: proto.String(string(c))}, nil
	case model.Reply:
		text, ok := c.Content.(model.Text)
		if !ok {
			return nil, fmt.Errorf("%w: reply with %s content", ErrUnsupportedContent, c.NestedType)
		}
		ctxInfo := &waE2E.ContextInfo{StanzaID: proto.String(c.Reference)}
		if tgt != nil && !tgt.sender.IsEmpty() {
			ctxInfo.Participant = proto.String(tgt.sender.String())
		}
		return &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text:        proto.String(string(text)),
				ContextInfo: ctxInfo,
			},
		}, nil
	case model.Reaction:
		if c.Schema != model.SchemaUnicode {
			return nil, fmt.Errorf("%w: %s reactions", ErrUnsupportedContent, c.Schema)
		}
		key := &waCommon.MessageKey{ID: proto.String(c.Reference)}
		if tgt != nil {
			key.RemoteJID = proto.String(tgt.chat.String())
			key.FromMe = proto.Bool(tgt.fromMe)
			if !tgt.fromMe && tgt.chat.Server == types.GroupServer && !tgt.sender.IsEmpty() {
				key.Participant = proto.String(tgt.sender.String())
			}
		}
		text := c.Content
		if c.Action == model.ReactionRemoved {
			text = ""
		}
		return &waE2E.Message{
			ReactionMessage: &waE2E.ReactionMessage{
				Key:               key,
				Text:              proto.String(text),
				SenderTimestampMS: proto.Int64(now.UnixMilli()),
			},
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, content.ContentType())
	}
}
