package contenttype

import (
	"context"

	"msgcache/internal/codec"
	"msgcache/internal/model"
)

// TextNamespace is the namespace of the built-in text configuration.
const TextNamespace = "text"

// TextConfig is always part of a registry.
func TextConfig() Config {
	return Config{
		Namespace:    TextNamespace,
		ContentTypes: []model.ContentTypeID{model.ContentTypeText},
		Codecs: []codec.Codec{codec.JSON[model.Text]{
			Type:         model.ContentTypeText,
			FallbackText: func(t model.Text) string { return string(t) },
		}},
		Validators: map[model.ContentTypeID]Validator{
			model.ContentTypeText: func(content model.Content) bool {
				_, ok := content.(model.Text)
				return ok
			},
		},
		Processors: map[model.ContentTypeID][]Processor{
			model.ContentTypeText: {ProcessorFunc(persistText)},
		},
	}
}

func persistText(context.Context, *Context) (Effect, error) {
	return Persist(nil, nil), nil
}
