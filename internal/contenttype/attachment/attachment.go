// Package attachment handles inline and remote attachments.
package attachment

import (
	"context"
	"fmt"
	"net/url"

	"msgcache/internal/codec"
	"msgcache/internal/contenttype"
	"msgcache/internal/model"
)

// Namespace owns attachment metadata.
const Namespace = "attachments"

// Metadata is stored on attachment messages.
type Metadata struct {
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size"`
	Remote   bool   `json:"remote,omitempty"`
}

// Config returns the attachment configuration.
func Config() contenttype.Config {
	return contenttype.Config{
		Namespace:    Namespace,
		ContentTypes: []model.ContentTypeID{model.ContentTypeAttachment, model.ContentTypeRemoteAttachment},
		Codecs: []codec.Codec{
			codec.JSON[model.Attachment]{
				Type:         model.ContentTypeAttachment,
				FallbackText: func(a model.Attachment) string { return fallback(a.Filename) },
			},
			codec.JSON[model.RemoteAttachment]{
				Type:         model.ContentTypeRemoteAttachment,
				FallbackText: func(a model.RemoteAttachment) string { return fallback(a.Filename) },
			},
		},
		Validators: map[model.ContentTypeID]contenttype.Validator{
			model.ContentTypeAttachment:       ValidAttachment,
			model.ContentTypeRemoteAttachment: ValidRemoteAttachment,
		},
		Processors: map[model.ContentTypeID][]contenttype.Processor{
			model.ContentTypeAttachment:       {contenttype.ProcessorFunc(process)},
			model.ContentTypeRemoteAttachment: {contenttype.ProcessorFunc(process)},
		},
	}
}

func fallback(filename string) string {
	if filename == "" {
		return "Can't display this attachment"
	}
	return fmt.Sprintf("Can't display %q. This app doesn't support attachments.", filename)
}

// ValidAttachment checks an inline attachment has a name, a type and data.
func ValidAttachment(content model.Content) bool {
	a, ok := content.(model.Attachment)
	return ok && a.Filename != "" && a.MimeType != "" && len(a.Data) > 0
}

// ValidRemoteAttachment checks a remote attachment carries everything needed
// to fetch and decrypt it.
func ValidRemoteAttachment(content model.Content) bool {
	a, ok := content.(model.RemoteAttachment)
	if !ok || a.ContentDigest == "" || a.Scheme == "" {
		return false
	}
	if len(a.Salt) == 0 || len(a.Nonce) == 0 || len(a.Secret) == 0 {
		return false
	}
	u, err := url.Parse(a.URL)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func process(_ context.Context, pc *contenttype.Context) (contenttype.Effect, error) {
	switch a := pc.Message.Content.(type) {
	case model.Attachment:
		return contenttype.Persist(nil, Metadata{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     int64(len(a.Data)),
		}), nil
	case model.RemoteAttachment:
		return contenttype.Persist(nil, Metadata{
			Filename: a.Filename,
			Size:     a.ContentLength,
			Remote:   true,
		}), nil
	default:
		return contenttype.NoOp(), fmt.Errorf("unexpected attachment content %T", pc.Message.Content)
	}
}
