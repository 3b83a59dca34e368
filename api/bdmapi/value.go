// Copyright (c) 2024-2025 Hemi Labs, Inc.
// Use of this source code is governed by the MIT License,
// which can be found in the LICENSE file.

package bdmapi

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Value is a protocol value. The set of values is closed: Blob, Uint, List
// and Record.
type Value interface {
	tag() byte
	String() string
}

const (
	tagBlob   byte = 0x01
	tagUint   byte = 0x02
	tagList   byte = 0x03
	tagRecord byte = 0x04
)

const (
	// MaxDepth is the maximum nesting of lists and records.
	MaxDepth = 16

	// MaxLength is the maximum payload length of a single value.
	MaxLength = 16 << 20
)

type (
	Blob   []byte
	Uint   uint64
	List   []Value
	Record []Field
)

// Field is a named record member. Field order is preserved.
type Field struct {
	Name  string
	Value Value
}

func (Blob) tag() byte   { return tagBlob }
func (Uint) tag() byte   { return tagUint }
func (List) tag() byte   { return tagList }
func (Record) tag() byte { return tagRecord }

func (b Blob) String() string { return hex.EncodeToString(b) }
func (u Uint) String() string { return fmt.Sprintf("%d", uint64(u)) }

func (l List) String() string {
	s := make([]string, 0, len(l))
	for _, v := range l {
		s = append(s, v.String())
	}
	return "[" + strings.Join(s, " ") + "]"
}

func (r Record) String() string {
	s := make([]string, 0, len(r))
	for _, f := range r {
		s = append(s, f.Name+":"+f.Value.String())
	}
	return "{" + strings.Join(s, " ") + "}"
}

// Get returns the first field called name.
func (r Record) Get(name string) (Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

func (r Record) Blob(name string) ([]byte, error) {
	v, ok := r.Get(name)
	if !ok {
		return nil, decodeErrorf("record: missing field %v", name)
	}
	b, ok := v.(Blob)
	if !ok {
		return nil, decodeErrorf("record: field %v: want blob, got %T", name, v)
	}
	return b, nil
}

func (r Record) Uint(name string) (uint64, error) {
	v, ok := r.Get(name)
	if !ok {
		return 0, decodeErrorf("record: missing field %v", name)
	}
	u, ok := v.(Uint)
	if !ok {
		return 0, decodeErrorf("record: field %v: want uint, got %T", name, v)
	}
	return uint64(u), nil
}

// AppendValue appends the encoding of v to dst. Every value is encoded as
// tag, uvarint payload length and payload so that a reader can skip values
// it does not understand.
func AppendValue(dst []byte, v Value) []byte {
	payload := appendPayload(nil, v)
	dst = append(dst, v.tag())
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

func appendPayload(dst []byte, v Value) []byte {
	switch v := v.(type) {
	case Blob:
		return append(dst, v...)
	case Uint:
		return binary.AppendUvarint(dst, uint64(v))
	case List:
		for _, e := range v {
			dst = AppendValue(dst, e)
		}
		return dst
	case Record:
		for _, f := range v {
			dst = binary.AppendUvarint(dst, uint64(len(f.Name)))
			dst = append(dst, f.Name...)
			dst = AppendValue(dst, f.Value)
		}
		return dst
	}
	panic(fmt.Sprintf("unsupported value %T", v))
}

// Encode returns the encoding of v.
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// Decode decodes exactly one value from b.
func Decode(b []byte) (Value, error) {
	v, n, err := decodeValue(b, 0)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, decodeErrorf("unknown tag 0x%02x", b[0])
	}
	if n != len(b) {
		return nil, decodeErrorf("%v trailing bytes", len(b)-n)
	}
	return v, nil
}

// decodeValue decodes the value at the start of b and returns the number of
// bytes consumed. A well formed value with an unknown tag returns a nil
// value and no error so that the caller may skip it.
func decodeValue(b []byte, depth int) (Value, int, error) {
	if depth > MaxDepth {
		return nil, 0, decodeErrorf("nesting deeper than %v", MaxDepth)
	}
	if len(b) == 0 {
		return nil, 0, decodeErrorf("short value")
	}
	tag := b[0]
	l, n := binary.Uvarint(b[1:])
	if n <= 0 {
		return nil, 0, decodeErrorf("invalid length")
	}
	if l > MaxLength {
		return nil, 0, decodeErrorf("length %v exceeds %v", l, MaxLength)
	}
	start := 1 + n
	if uint64(len(b)-start) < l {
		return nil, 0, decodeErrorf("length %v exceeds remaining %v", l,
			len(b)-start)
	}
	end := start + int(l)
	payload := b[start:end]

	switch tag {
	case tagBlob:
		// Copy, frames are reused by callers.
		return append(Blob{}, payload...), end, nil

	case tagUint:
		u, un := binary.Uvarint(payload)
		if un <= 0 || un != len(payload) {
			return nil, 0, decodeErrorf("invalid uint")
		}
		return Uint(u), end, nil

	case tagList:
		list := List{}
		for len(payload) > 0 {
			v, vn, err := decodeValue(payload, depth+1)
			if err != nil {
				return nil, 0, err
			}
			if v == nil {
				return nil, 0, decodeErrorf("list: unknown tag 0x%02x",
					payload[0])
			}
			list = append(list, v)
			payload = payload[vn:]
		}
		return list, end, nil

	case tagRecord:
		record := Record{}
		for len(payload) > 0 {
			nl, nn := binary.Uvarint(payload)
			if nn <= 0 || uint64(len(payload)-nn) < nl {
				return nil, 0, decodeErrorf("record: invalid field name")
			}
			name := string(payload[nn : nn+int(nl)])
			payload = payload[nn+int(nl):]
			v, vn, err := decodeValue(payload, depth+1)
			if err != nil {
				return nil, 0, fmt.Errorf("record field %v: %w", name, err)
			}
			payload = payload[vn:]
			if v == nil {
				// Newer peer, skip field.
				continue
			}
			record = append(record, Field{Name: name, Value: v})
		}
		return record, end, nil
	}

	return nil, end, nil
}
