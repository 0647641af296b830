// Copyright 2023 Sylabs Inc. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ojson models JSON documents as order-preserving values. Image
// config, manifest, and per-layer metadata documents must round-trip
// byte-identically with the reference implementation, including the
// original field order of documents this package did not generate - a
// fixed-schema struct decoded via encoding/json cannot do that, since it
// silently drops unknown fields and re-orders known ones.
package ojson

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Value is any parsed JSON value: *Object, Array, String, Number, Bool, or
// Null.
type Value interface {
	encode(buf *bytes.Buffer)
}

// Member is a single key/value pair within an Object, in source order.
type Member struct {
	Key   string
	Value Value
}

// Object is an order-preserving JSON object.
type Object struct {
	members []Member
}

// NewObject returns an empty Object.
func NewObject() *Object {
	return &Object{}
}

// Get returns the value for key, and whether it was present.
func (o *Object) Get(key string) (Value, bool) {
	for _, m := range o.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Set adds key/value if key is not already present, otherwise it replaces
// the existing value in place, preserving its original position.
func (o *Object) Set(key string, v Value) {
	for i, m := range o.members {
		if m.Key == key {
			o.members[i].Value = v
			return
		}
	}
	o.members = append(o.members, Member{Key: key, Value: v})
}

// Delete removes key, if present. It is a no-op otherwise.
func (o *Object) Delete(key string) {
	for i, m := range o.members {
		if m.Key == key {
			o.members = append(o.members[:i], o.members[i+1:]...)
			return
		}
	}
}

// MoveToFront removes key (if present) and reinserts it as the first member.
func (o *Object) MoveToFront(key string, v Value) {
	o.Delete(key)
	o.members = append([]Member{{Key: key, Value: v}}, o.members...)
}

// MoveToEnd removes key (if present) and reinserts it as the last member.
// This mirrors Docker's re-appending of 'layer_id'/'os'/'parent' at the tail
// of the v1-compat squashed layer metadata shape.
func (o *Object) MoveToEnd(key string, v Value) {
	o.Delete(key)
	o.members = append(o.members, Member{Key: key, Value: v})
}

// Members returns the ordered key/value pairs.
func (o *Object) Members() []Member {
	return o.members
}

// Clone returns a deep copy of o.
func (o *Object) Clone() *Object {
	clone := &Object{members: make([]Member, len(o.members))}
	for i, m := range o.members {
		clone.members[i] = Member{Key: m.Key, Value: cloneValue(m.Value)}
	}
	return clone
}

func cloneValue(v Value) Value {
	switch t := v.(type) {
	case *Object:
		return t.Clone()
	case Array:
		a := make(Array, len(t))
		for i, e := range t {
			a[i] = cloneValue(e)
		}
		return a
	default:
		return v
	}
}

func (o *Object) encode(buf *bytes.Buffer) {
	buf.WriteByte('{')
	for i, m := range o.members {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, m.Key)
		buf.WriteByte(':')
		if m.Value == nil {
			buf.WriteString("null")
		} else {
			m.Value.encode(buf)
		}
	}
	buf.WriteByte('}')
}

// Array is an ordered JSON array.
type Array []Value

func (a Array) encode(buf *bytes.Buffer) {
	buf.WriteByte('[')
	for i, v := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		if v == nil {
			buf.WriteString("null")
		} else {
			v.encode(buf)
		}
	}
	buf.WriteByte(']')
}

// String is a JSON string value.
type String string

func (s String) encode(buf *bytes.Buffer) {
	encodeString(buf, string(s))
}

// Number preserves the original lexical representation of a JSON number so
// that re-encoding never changes precision or formatting.
type Number json.Number

func (n Number) encode(buf *bytes.Buffer) {
	buf.WriteString(string(n))
}

// Bool is a JSON boolean value.
type Bool bool

func (b Bool) encode(buf *bytes.Buffer) {
	if b {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
}

// Null is the JSON null value.
type Null struct{}

func (Null) encode(buf *bytes.Buffer) {
	buf.WriteString("null")
}

func encodeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

var errUnexpectedToken = errors.New("ojson: unexpected token")

// Parse decodes a JSON document, preserving object member order throughout
// the document tree.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := parseValue(dec)
	if err != nil {
		return nil, err
	}

	return v, nil
}

func parseValue(dec *json.Decoder) (Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	return parseToken(dec, tok)
}

func parseToken(dec *json.Decoder, tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return parseObject(dec)
		case '[':
			return parseArray(dec)
		default:
			return nil, fmt.Errorf("%w: %v", errUnexpectedToken, t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null{}, nil
	default:
		return nil, fmt.Errorf("%w: %T", errUnexpectedToken, tok)
	}
}

func parseObject(dec *json.Decoder) (*Object, error) {
	o := NewObject()

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}

		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key %v", errUnexpectedToken, keyTok)
		}

		v, err := parseValue(dec)
		if err != nil {
			return nil, err
		}

		o.members = append(o.members, Member{Key: key, Value: v})
	}

	// Consume the closing '}'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	return o, nil
}

func parseArray(dec *json.Decoder) (Array, error) {
	var a Array

	for dec.More() {
		v, err := parseValue(dec)
		if err != nil {
			return nil, err
		}

		a = append(a, v)
	}

	// Consume the closing ']'.
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	return a, nil
}

// Marshal encodes v using canonical separators (",", ":") with no
// whitespace, matching the reference implementation's
// json.dumps(data, separators=(",", ":")) behavior.
func Marshal(v Value) []byte {
	buf := new(bytes.Buffer)
	if v == nil {
		buf.WriteString("null")
	} else {
		v.encode(buf)
	}

	return buf.Bytes()
}

// FromAny converts a set of plain Go values (map[string]any, []any,
// string, bool, nil, float64/int/json.Number, or nested combinations) into
// an ojson.Value. Maps do not preserve order; callers that need predictable
// output should build the Object directly with NewObject/Set, as this helper
// is intended only for literal, order-insensitive fragments such as a newly
// synthesized history entry.
func FromAny(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null{}
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case int:
		return Number(json.Number(fmt.Sprintf("%d", t)))
	case json.Number:
		return Number(t)
	case float64:
		return Number(json.Number(fmt.Sprintf("%g", t)))
	case []string:
		a := make(Array, len(t))
		for i, s := range t {
			a[i] = String(s)
		}
		return a
	case []any:
		a := make(Array, len(t))
		for i, e := range t {
			a[i] = FromAny(e)
		}
		return a
	case map[string]any:
		o := NewObject()
		for k, val := range t {
			o.Set(k, FromAny(val))
		}
		return o
	default:
		panic(fmt.Sprintf("ojson: unsupported literal type %T", v))
	}
}
