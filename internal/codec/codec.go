// Package codec encodes and decodes message content for the network layer and
// the message cache.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"msgcache/internal/model"
)

// ErrUnknownContentType is returned when no codec is registered for a content type.
var ErrUnknownContentType = errors.New("no codec registered for content type")

// EncodedContent is content in its transport form.
type EncodedContent struct {
	Type       model.ContentTypeID `json:"type"`
	Parameters map[string]string   `json:"parameters,omitempty"`
	Fallback   string              `json:"fallback,omitempty"`
	Content    []byte              `json:"content"`
}

// Codec converts one content type between model.Content and bytes. The set is
// passed in so codecs with nested content (replies) can reach their siblings.
type Codec interface {
	ContentType() model.ContentTypeID
	Encode(content model.Content, set *Set) (*EncodedContent, error)
	Decode(ec *EncodedContent, set *Set) (model.Content, error)
	Fallback(content model.Content) string
}

// Set resolves codecs by content type.
type Set struct {
	codecs map[model.ContentTypeID]Codec
}

// NewSet creates a Set. Later codecs replace earlier ones for the same type.
func NewSet(codecs ...Codec) *Set {
	s := &Set{codecs: make(map[model.ContentTypeID]Codec, len(codecs))}
	for _, c := range codecs {
		s.codecs[c.ContentType()] = c
	}
	return s
}

// Lookup returns the codec for a content type.
func (s *Set) Lookup(ct model.ContentTypeID) (Codec, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.codecs[ct]
	return c, ok
}

// Supports reports whether a codec is registered for ct.
func (s *Set) Supports(ct model.ContentTypeID) bool {
	_, ok := s.Lookup(ct)
	return ok
}

// Encode encodes content with the codec for its type.
func (s *Set) Encode(content model.Content) (*EncodedContent, error) {
	if content == nil {
		return nil, errors.New("cannot encode nil content")
	}
	c, ok := s.Lookup(content.ContentType())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, content.ContentType())
	}
	ec, err := c.Encode(content, s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", content.ContentType(), err)
	}
	if ec.Fallback == "" {
		ec.Fallback = c.Fallback(content)
	}
	return ec, nil
}

// Decode decodes ec with the codec for its type.
func (s *Set) Decode(ec *EncodedContent) (model.Content, error) {
	if ec == nil {
		return nil, errors.New("cannot decode nil content")
	}
	c, ok := s.Lookup(ec.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContentType, ec.Type)
	}
	content, err := c.Decode(ec, s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", ec.Type, err)
	}
	return content, nil
}

// Marshal serializes an envelope.
func Marshal(ec *EncodedContent) ([]byte, error) {
	return json.Marshal(ec)
}

// Unmarshal parses an envelope produced by Marshal.
func Unmarshal(data []byte) (*EncodedContent, error) {
	var ec EncodedContent
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("failed to parse encoded content: %w", err)
	}
	return &ec, nil
}
