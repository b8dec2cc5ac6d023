package config

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// VersionKey is the top-level key every config document carries.
const VersionKey = "config_version"

// Document is the generic intermediate representation migrations
// operate on. Keys not touched by a transform survive migration
// unchanged, so user customization is never dropped.
type Document map[string]any

func (d Document) Version() int {
	switch v := d[VersionKey].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (d Document) SetVersion(v int) {
	d[VersionKey] = v
}

// Clone deep-copies the document so transforms can be treated as pure
// functions over their input.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// Float reads a numeric leaf, tolerating the int/float ambiguity of
// YAML decoding.
func (d Document) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func decodeDocument(raw []byte) (Document, error) {
	var d Document
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if d == nil {
		d = Document{}
	}
	return d, nil
}

func encodeDocument(d Document) ([]byte, error) {
	return yaml.Marshal(d)
}

func encodeAny(v any) ([]byte, error) {
	return yaml.Marshal(v)
}

// AsDocument converts a typed config value into the generic document
// representation. Panics on unmarshalable values; defaults builders
// use it with static structs.
func AsDocument(v any) Document {
	raw, err := encodeAny(v)
	if err != nil {
		panic(err)
	}
	d, err := decodeDocument(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode round-trips the document through YAML into a typed
// destination struct. Keys the struct does not name stay behind in the
// document only.
func (d Document) Decode(out any) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, out)
}

func decodeInto(d Document, out any) error {
	return d.Decode(out)
}

// jsonValue converts the document to plain JSON-decoded types so the
// schema validator sees the shapes it expects.
func jsonValue(d Document) (any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
