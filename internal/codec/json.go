package codec

import (
	"encoding/json"
	"fmt"

	"msgcache/internal/model"
)

// JSON is a codec for struct payloads that serialize as JSON.
type JSON[T model.Content] struct {
	Type         model.ContentTypeID
	FallbackText func(T) string
}

// ContentType implements Codec.
func (c JSON[T]) ContentType() model.ContentTypeID { return c.Type }

// Encode implements Codec.
func (c JSON[T]) Encode(content model.Content, _ *Set) (*EncodedContent, error) {
	v, ok := content.(T)
	if !ok {
		return nil, fmt.Errorf("unexpected content %T for %s", content, c.Type)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &EncodedContent{Type: c.Type, Content: data}, nil
}

// Decode implements Codec.
func (c JSON[T]) Decode(ec *EncodedContent, _ *Set) (model.Content, error) {
	var v T
	if err := json.Unmarshal(ec.Content, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Fallback implements Codec.
func (c JSON[T]) Fallback(content model.Content) string {
	v, ok := content.(T)
	if !ok || c.FallbackText == nil {
		return ""
	}
	return c.FallbackText(v)
}
