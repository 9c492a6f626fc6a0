package contenttype

import (
	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

// Registration is a processor together with the namespace of the
// configuration that contributed it.
type Registration struct {
	Namespace string
	Processor Processor
}

// Registry is the combined, read-only view of a set of configurations.
type Registry struct {
	namespaces map[model.ContentTypeID]string
	validators map[model.ContentTypeID]Validator
	processors map[model.ContentTypeID][]Registration
	codecs     *codec.Set
	schema     []store.TableSchema
}

// NewRegistry combines configs with the built-in ones.
func NewRegistry(configs ...Config) (*Registry, error) {
	namespaces, err := CombineNamespaces(configs...)
	if err != nil {
		return nil, err
	}
	validators, err := CombineValidators(configs...)
	if err != nil {
		return nil, err
	}
	return &Registry{
		namespaces: namespaces,
		validators: validators,
		processors: registrations(withBuiltins(configs)),
		codecs:     codec.NewSet(CombineCodecs(configs...)...),
		schema:     CombineSchema(configs...),
	}, nil
}

// Codecs returns the codec set used to encode and decode content.
func (r *Registry) Codecs() *codec.Set {
	return r.codecs
}

// Schema returns the auxiliary tables to install next to the core ones.
func (r *Registry) Schema() []store.TableSchema {
	return append([]store.TableSchema(nil), r.schema...)
}

// Namespace returns the metadata namespace owning ct.
func (r *Registry) Namespace(ct model.ContentTypeID) (string, bool) {
	ns, ok := r.namespaces[ct]
	return ns, ok
}

// Validate runs the validator of ct against content. Content types without a
// validator always pass.
func (r *Registry) Validate(ct model.ContentTypeID, content model.Content) bool {
	v, ok := r.validators[ct]
	if !ok {
		return true
	}
	return v(content)
}

// Processors returns the processors of ct in registration order.
func (r *Registry) Processors(ct model.ContentTypeID) []Registration {
	return r.processors[ct]
}

// HasProcessor reports whether any processor is registered for ct.
func (r *Registry) HasProcessor(ct model.ContentTypeID) bool {
	return len(r.processors[ct]) > 0
}

func registrations(configs []Config) map[model.ContentTypeID][]Registration {
	out := make(map[model.ContentTypeID][]Registration)
	for _, c := range configs {
		for ct, ps := range c.Processors {
			for _, p := range ps {
				out[ct] = append(out[ct], Registration{Namespace: c.Namespace, Processor: p})
			}
		}
	}
	return out
}
