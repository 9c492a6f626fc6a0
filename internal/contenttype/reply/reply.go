// Package reply handles replies. A reply is cached like any other message and
// additionally linked to the message it answers.
package reply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"msgcache/internal/codec"
	"msgcache/internal/contenttype"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

// Namespace owns reply metadata.
const Namespace = "replies"

// Metadata is stored on reply messages.
type Metadata struct {
	Reference string `json:"reference"`
}

// Config returns the reply configuration.
func Config() contenttype.Config {
	return contenttype.Config{
		Namespace:    Namespace,
		ContentTypes: []model.ContentTypeID{model.ContentTypeReply},
		Codecs:       []codec.Codec{Codec{}},
		Validators: map[model.ContentTypeID]contenttype.Validator{
			model.ContentTypeReply: Valid,
		},
		Processors: map[model.ContentTypeID][]contenttype.Processor{
			model.ContentTypeReply: {contenttype.ProcessorFunc(process)},
		},
		Schema: []store.TableSchema{Schema()},
	}
}

// Valid checks the reply references a message and carries content of the
// declared nested type.
func Valid(content model.Content) bool {
	r, ok := content.(model.Reply)
	if !ok || r.Reference == "" || r.NestedType == "" || r.Content == nil {
		return false
	}
	return r.Content.ContentType() == r.NestedType
}

func process(ctx context.Context, pc *contenttype.Context) (contenttype.Effect, error) {
	r, ok := pc.Message.Content.(model.Reply)
	if !ok {
		return contenttype.NoOp(), fmt.Errorf("unexpected reply content %T", pc.Message.Content)
	}
	if err := NewStore(pc.Store).Add(ctx, r.Reference, pc.Message.ProtocolID); err != nil {
		return contenttype.NoOp(), err
	}
	return contenttype.Persist(nil, Metadata{Reference: r.Reference}), nil
}

// Codec encodes replies. The nested content is encoded with the codec of its
// own type, looked up in the same set.
type Codec struct{}

type wireReply struct {
	Reference   string              `json:"reference"`
	ContentType model.ContentTypeID `json:"contentType"`
	Parameters  map[string]string   `json:"parameters,omitempty"`
	Content     []byte              `json:"content"`
}

// ContentType implements codec.Codec.
func (Codec) ContentType() model.ContentTypeID { return model.ContentTypeReply }

// Encode implements codec.Codec.
func (Codec) Encode(content model.Content, set *codec.Set) (*codec.EncodedContent, error) {
	r, ok := content.(model.Reply)
	if !ok {
		return nil, fmt.Errorf("unexpected content %T for %s", content, model.ContentTypeReply)
	}
	if r.Content == nil {
		return nil, errors.New("reply has no content")
	}
	nested, err := set.Encode(r.Content)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(wireReply{
		Reference:   r.Reference,
		ContentType: nested.Type,
		Parameters:  nested.Parameters,
		Content:     nested.Content,
	})
	if err != nil {
		return nil, err
	}
	return &codec.EncodedContent{Type: model.ContentTypeReply, Content: data}, nil
}

// Decode implements codec.Codec.
func (Codec) Decode(ec *codec.EncodedContent, set *codec.Set) (model.Content, error) {
	var w wireReply
	if err := json.Unmarshal(ec.Content, &w); err != nil {
		return nil, err
	}
	nested, err := set.Decode(&codec.EncodedContent{Type: w.ContentType, Parameters: w.Parameters, Content: w.Content})
	if err != nil {
		return nil, err
	}
	return model.Reply{Reference: w.Reference, NestedType: w.ContentType, Content: nested}, nil
}

// Fallback implements codec.Codec.
func (Codec) Fallback(content model.Content) string {
	r, ok := content.(model.Reply)
	if !ok {
		return ""
	}
	if t, ok := r.Content.(model.Text); ok {
		return fmt.Sprintf("Replied with %q to an earlier message", string(t))
	}
	return "Replied to an earlier message"
}
