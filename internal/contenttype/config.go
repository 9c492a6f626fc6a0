// Package contenttype assembles content-type configurations into the
// immutable registry the processing pipeline runs against.
//
// A configuration owns one metadata namespace and contributes codecs,
// validators, processors and auxiliary tables for the content types it
// handles. Configurations are combined once at startup; combining two that
// claim the same namespace, or two validators for the same content type, is a
// programming mistake and fails with a *ConfigError.
package contenttype

import (
	"errors"
	"fmt"

	"msgcache/internal/codec"
	"msgcache/internal/model"
	"msgcache/internal/store"
)

var (
	ErrDuplicateNamespace = errors.New("duplicate content type namespace")
	ErrDuplicateValidator = errors.New("duplicate content type validator")
)

// ConfigError reports an invalid combination of configurations. Key names
// the namespace or content type that was declared twice.
type ConfigError struct {
	Err error
	Key string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Key)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Validator reports whether content is well-formed for its content type.
type Validator func(content model.Content) bool

// Config is the contribution of one content-type family.
type Config struct {
	Namespace    string
	ContentTypes []model.ContentTypeID
	Codecs       []codec.Codec
	Validators   map[model.ContentTypeID]Validator
	Processors   map[model.ContentTypeID][]Processor
	Schema       []store.TableSchema
}

// withBuiltins prepends the configurations every registry carries.
func withBuiltins(configs []Config) []Config {
	return append([]Config{TextConfig()}, configs...)
}

// CombineCodecs returns the codecs of all configurations, built-ins first.
func CombineCodecs(configs ...Config) []codec.Codec {
	var out []codec.Codec
	for _, c := range withBuiltins(configs) {
		out = append(out, c.Codecs...)
	}
	return out
}

// CombineNamespaces maps every declared content type to the namespace of its
// configuration.
func CombineNamespaces(configs ...Config) (map[model.ContentTypeID]string, error) {
	seen := make(map[string]bool)
	out := make(map[model.ContentTypeID]string)
	for _, c := range withBuiltins(configs) {
		if seen[c.Namespace] {
			return nil, &ConfigError{Err: ErrDuplicateNamespace, Key: c.Namespace}
		}
		seen[c.Namespace] = true
		for _, ct := range c.ContentTypes {
			out[ct] = c.Namespace
		}
	}
	return out, nil
}

// CombineValidators merges the validators of all configurations. A content
// type may have at most one validator.
func CombineValidators(configs ...Config) (map[model.ContentTypeID]Validator, error) {
	out := make(map[model.ContentTypeID]Validator)
	for _, c := range withBuiltins(configs) {
		for ct, v := range c.Validators {
			if _, ok := out[ct]; ok {
				return nil, &ConfigError{Err: ErrDuplicateValidator, Key: string(ct)}
			}
			out[ct] = v
		}
	}
	return out, nil
}

// CombineProcessors concatenates the processors of all configurations per
// content type, in configuration order.
func CombineProcessors(configs ...Config) map[model.ContentTypeID][]Processor {
	out := make(map[model.ContentTypeID][]Processor)
	for _, c := range withBuiltins(configs) {
		for ct, ps := range c.Processors {
			out[ct] = append(out[ct], ps...)
		}
	}
	return out
}

// CombineSchema collects the auxiliary tables of all configurations.
func CombineSchema(configs ...Config) []store.TableSchema {
	var out []store.TableSchema
	for _, c := range withBuiltins(configs) {
		out = append(out, c.Schema...)
	}
	return out
}
