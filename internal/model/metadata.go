package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metadata holds derived state partitioned by content-type namespace.
type Metadata map[string]json.RawMessage

// Clone returns a deep copy.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Get decodes the value stored under namespace into dst. It returns false when
// the namespace is absent.
func (m Metadata) Get(namespace string, dst any) (bool, error) {
	raw, ok := m[namespace]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("failed to decode metadata namespace %q: %w", namespace, err)
	}
	return true, nil
}

// Merge merges value into metadata[namespace]. When both the existing and the
// new value are JSON objects their keys are merged, otherwise value replaces
// the existing one. Other namespaces are left untouched.
func (m Metadata) Merge(namespace string, value any) (Metadata, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return m, fmt.Errorf("failed to encode metadata namespace %q: %w", namespace, err)
	}
	out := m.Clone()
	if out == nil {
		out = make(Metadata)
	}

	existing, ok := out[namespace]
	if ok && isObject(existing) && isObject(raw) {
		var cur, patch map[string]json.RawMessage
		if err := json.Unmarshal(existing, &cur); err != nil {
			return m, fmt.Errorf("failed to decode metadata namespace %q: %w", namespace, err)
		}
		if err := json.Unmarshal(raw, &patch); err != nil {
			return m, fmt.Errorf("failed to decode metadata patch for %q: %w", namespace, err)
		}
		for k, v := range patch {
			cur[k] = v
		}
		if raw, err = json.Marshal(cur); err != nil {
			return m, err
		}
	}
	out[namespace] = raw
	return out, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}
