// Package records defines the dynamic record type flowing through the sink.
//
// A Record is an ordered mapping from field name to value. There is no fixed
// schema: fields are discovered as they appear. Order matters because the
// destination schema is inferred from sample records and because field
// projection must preserve a configured column order, so a plain Go map is
// not enough.
//
// Values are restricted to the JSON-ish set the rest of the pipeline knows
// how to handle:
//
//   - nil
//   - bool
//   - int / int64 / float64 / json.Number
//   - string
//   - time.Time
//   - *Record (nested object)
//   - []any (list of the above)
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Record is an ordered field-name → value mapping.
//
// The zero value is ready to use. Record is not safe for concurrent
// mutation; the pipeline clones before transforming.
type Record struct {
	keys []string
	vals map[string]any
}

// New returns an empty Record.
func New() *Record {
	return &Record{vals: map[string]any{}}
}

// Len returns the number of fields.
func (r *Record) Len() int { return len(r.keys) }

// Keys returns the field names in insertion order. The returned slice is a
// copy.
func (r *Record) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Get returns the value for name and whether the field exists.
func (r *Record) Get(name string) (any, bool) {
	if r.vals == nil {
		return nil, false
	}
	v, ok := r.vals[name]
	return v, ok
}

// Set stores value under name. A new field is appended; an existing field
// keeps its position.
func (r *Record) Set(name string, value any) {
	if r.vals == nil {
		r.vals = map[string]any{}
	}
	if _, ok := r.vals[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.vals[name] = value
}

// Pop removes name and returns its value, reporting whether it was present.
func (r *Record) Pop(name string) (any, bool) {
	if r.vals == nil {
		return nil, false
	}
	v, ok := r.vals[name]
	if !ok {
		return nil, false
	}
	delete(r.vals, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
	return v, true
}

// Clone returns a copy of the record. Nested *Record values are cloned too;
// list values are shallow-copied.
func (r *Record) Clone() *Record {
	out := &Record{
		keys: make([]string, len(r.keys)),
		vals: make(map[string]any, len(r.vals)),
	}
	copy(out.keys, r.keys)
	for k, v := range r.vals {
		if nested, ok := v.(*Record); ok {
			out.vals[k] = nested.Clone()
			continue
		}
		if list, ok := v.([]any); ok {
			cp := make([]any, len(list))
			copy(cp, list)
			out.vals[k] = cp
			continue
		}
		out.vals[k] = v
	}
	return out
}

// Range calls fn for each field in order. It stops early when fn returns
// false.
func (r *Record) Range(fn func(name string, value any) bool) {
	for _, k := range r.keys {
		if !fn(k, r.vals[k]) {
			return
		}
	}
}

// MarshalJSON encodes the record as a JSON object preserving field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(r.vals[k])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, preserving key order. Numbers are kept
// as json.Number so callers can decide between integer and float. Nested
// objects become *Record; arrays become []any.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("records: expected JSON object, got %v", tok)
	}
	r.keys = nil
	r.vals = map[string]any{}
	return decodeObject(dec, r)
}

// decodeObject reads key/value pairs into dst until the closing brace. The
// opening brace has already been consumed.
func decodeObject(dec *json.Decoder, dst *Record) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok && d == '}' {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("records: expected object key, got %v", tok)
		}
		val, err := decodeValue(dec)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		dst.Set(key, val)
	}
}

// decodeValue reads the next value, recursing into objects and arrays.
func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			nested := New()
			if err := decodeObject(dec, nested); err != nil {
				return nil, err
			}
			return nested, nil
		case '[':
			var list []any
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, v)
			}
			// consume ']'
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		default:
			return nil, fmt.Errorf("records: unexpected delimiter %v", t)
		}
	default:
		return tok, nil
	}
}

// ReadAll decodes a stream of newline-delimited JSON objects from r. It is a
// convenience for tests and small inputs; the CLI streams records one at a
// time instead.
func ReadAll(r io.Reader) ([]*Record, error) {
	dec := json.NewDecoder(r)
	var out []*Record
	for {
		rec := New()
		if err := dec.Decode(rec); err != nil {
			if err == io.EOF {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}
