// Package codec implements the two binary serializers the pairing control
// plane relies on: OPACK2 (a compact tagged JSON-like encoding) and TLV8
// (type-length-value, used inside the pair-verify exchange).
package codec

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/gosuda/rxpc/rxpcerr"
)

// ErrMalformedFrame is returned by Decode when an unknown tag byte appears
// or a declared length exceeds the remaining buffer.
var ErrMalformedFrame = rxpcerr.New(rxpcerr.Protocol, "opack2: malformed frame")

const (
	tagTrue  = 0x01
	tagFalse = 0x02
	tagNil   = 0x03

	tagSmallIntBase = 0x08
	tagSmallIntMax  = 39

	tagU8  = 0x30
	tagU32 = 0x32
	tagU64 = 0x33
	tagF32 = 0x35

	tagStrCompactBase = 0x40
	tagStrCompactMax  = 32
	tagStrU8Len       = 0x61
	tagStrU16Len      = 0x62
	tagStrU32Len      = 0x63

	tagBytesCompactBase = 0x70
	tagBytesCompactMax  = 32
	tagBytesU8Len       = 0x91
	tagBytesU16Len      = 0x92
	tagBytesU32Len      = 0x93

	tagSeqCompactBase = 0xD0
	tagSeqCompactMax  = 14
	tagSeqUnbounded   = 0xDF

	tagMapCompactBase = 0xE0
	tagMapCompactMax  = 14
	tagMapUnbounded   = 0xEF
)

// Map is an ordered string-keyed mapping, matching OPACK2's "ordered
// mapping" value kind. Plain Go maps don't preserve insertion order, so
// round-tripping a mapping through Encode/Decode needs this instead.
type Map struct {
	keys []string
	vals []any
}

// NewMap returns an empty ordered map.
func NewMap() *Map {
	return &Map{}
}

// Set appends or overwrites the value for key, preserving first-seen order
// on overwrite. Returns the receiver for chaining.
func (m *Map) Set(key string, val any) *Map {
	for i, k := range m.keys {
		if k == key {
			m.vals[i] = val
			return m
		}
	}
	m.keys = append(m.keys, key)
	m.vals = append(m.vals, val)
	return m
}

// Get returns the value stored for key.
func (m *Map) Get(key string) (any, bool) {
	for i, k := range m.keys {
		if k == key {
			return m.vals[i], true
		}
	}
	return nil, false
}

// Len returns the number of entries.
func (m *Map) Len() int {
	return len(m.keys)
}

// Keys returns the keys in insertion order. Callers must not mutate it.
func (m *Map) Keys() []string {
	return m.keys
}

// Equal reports whether m and other hold the same key/value pairs in the
// same order, recursing into nested Maps and slices.
func (m *Map) Equal(other *Map) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.keys) != len(other.keys) {
		return false
	}
	for i, k := range m.keys {
		if other.keys[i] != k {
			return false
		}
		if !valuesEqual(m.vals[i], other.vals[i]) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	switch av := a.(type) {
	case *Map:
		bv, ok := b.(*Map)
		return ok && av.Equal(bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	default:
		return a == b
	}
}

// Encode serializes v into its OPACK2 wire representation.
func Encode(v any) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := encodeValue(buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteByte(tagNil)
		return nil
	case bool:
		if val {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}
		return nil
	case int:
		return encodeInt(buf, int64(val))
	case int8:
		return encodeInt(buf, int64(val))
	case int16:
		return encodeInt(buf, int64(val))
	case int32:
		return encodeInt(buf, int64(val))
	case int64:
		return encodeInt(buf, val)
	case uint:
		return encodeUint(buf, uint64(val))
	case uint8:
		return encodeUint(buf, uint64(val))
	case uint16:
		return encodeUint(buf, uint64(val))
	case uint32:
		return encodeUint(buf, uint64(val))
	case uint64:
		return encodeUint(buf, val)
	case float32:
		return encodeFloat(buf, float64(val))
	case float64:
		return encodeFloat(buf, val)
	case string:
		return encodeString(buf, val)
	case []byte:
		return encodeBytes(buf, val)
	case []any:
		return encodeSeq(buf, val)
	case *Map:
		return encodeMap(buf, val)
	default:
		return fmt.Errorf("opack2: unsupported value type %T", v)
	}
}

func encodeInt(buf *bytes.Buffer, n int64) error {
	if n < 0 {
		// OPACK2 has no signed-integer tag; negative numbers travel as
		// single-precision floats.
		return encodeFloat(buf, float64(n))
	}
	return encodeUint(buf, uint64(n))
}

func encodeUint(buf *bytes.Buffer, n uint64) error {
	switch {
	case n <= tagSmallIntMax:
		buf.WriteByte(byte(tagSmallIntBase + n))
	case n <= 0xFF:
		buf.WriteByte(tagU8)
		buf.WriteByte(byte(n))
	case n <= 0xFFFFFFFF:
		buf.WriteByte(tagU32)
		putLE32(buf, uint32(n))
	default:
		buf.WriteByte(tagU64)
		putLE64(buf, n)
	}
	return nil
}

func encodeFloat(buf *bytes.Buffer, f float64) error {
	buf.WriteByte(tagF32)
	putLE32(buf, math.Float32bits(float32(f)))
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	b := []byte(s)
	n := len(b)
	switch {
	case n <= tagStrCompactMax:
		buf.WriteByte(byte(tagStrCompactBase + n))
	case n <= 0xFF:
		buf.WriteByte(tagStrU8Len)
		buf.WriteByte(byte(n))
	case n <= 0xFFFF:
		buf.WriteByte(tagStrU16Len)
		putBE16(buf, uint16(n))
	default:
		buf.WriteByte(tagStrU32Len)
		putBE32(buf, uint32(n))
	}
	buf.Write(b)
	return nil
}

func encodeBytes(buf *bytes.Buffer, b []byte) error {
	n := len(b)
	switch {
	case n <= tagBytesCompactMax:
		buf.WriteByte(byte(tagBytesCompactBase + n))
	case n <= 0xFF:
		buf.WriteByte(tagBytesU8Len)
		buf.WriteByte(byte(n))
	case n <= 0xFFFF:
		buf.WriteByte(tagBytesU16Len)
		putBE16(buf, uint16(n))
	default:
		buf.WriteByte(tagBytesU32Len)
		putBE32(buf, uint32(n))
	}
	buf.Write(b)
	return nil
}

func encodeSeq(buf *bytes.Buffer, items []any) error {
	n := len(items)
	if n <= tagSeqCompactMax {
		buf.WriteByte(byte(tagSeqCompactBase + n))
		for _, it := range items {
			if err := encodeValue(buf, it); err != nil {
				return err
			}
		}
		return nil
	}
	buf.WriteByte(tagSeqUnbounded)
	for _, it := range items {
		if err := encodeValue(buf, it); err != nil {
			return err
		}
	}
	buf.WriteByte(tagNil)
	return nil
}

func encodeMap(buf *bytes.Buffer, m *Map) error {
	n := m.Len()
	if n <= tagMapCompactMax {
		buf.WriteByte(byte(tagMapCompactBase + n))
		for i, k := range m.keys {
			if err := encodeValue(buf, k); err != nil {
				return err
			}
			if err := encodeValue(buf, m.vals[i]); err != nil {
				return err
			}
		}
		return nil
	}
	buf.WriteByte(tagMapUnbounded)
	for i, k := range m.keys {
		if err := encodeValue(buf, k); err != nil {
			return err
		}
		if err := encodeValue(buf, m.vals[i]); err != nil {
			return err
		}
	}
	buf.WriteByte(tagNil)
	buf.WriteByte(tagNil)
	return nil
}

// Decode parses a single OPACK2 value from the front of data and returns
// the value plus the number of bytes consumed.
func Decode(data []byte) (any, int, error) {
	r := &reader{data: data}
	v, err := decodeValue(r)
	if err != nil {
		return nil, 0, err
	}
	return v, r.pos, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("%w: %w", ErrMalformedFrame, io.ErrUnexpectedEOF)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) peekByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("%w: %w", ErrMalformedFrame, io.ErrUnexpectedEOF)
	}
	return r.data[r.pos], nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrMalformedFrame
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func decodeValue(r *reader) (any, error) {
	tag, err := r.readByte()
	if err != nil {
		return nil, err
	}

	switch {
	case tag == tagNil:
		return nil, nil
	case tag == tagTrue:
		return true, nil
	case tag == tagFalse:
		return false, nil
	case tag >= tagSmallIntBase && tag <= tagSmallIntBase+tagSmallIntMax:
		return int64(tag - tagSmallIntBase), nil
	case tag == tagU8:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return int64(b[0]), nil
	case tag == tagU32:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return int64(getLE32(b)), nil
	case tag == tagU64:
		b, err := r.take(8)
		if err != nil {
			return nil, err
		}
		v := getLE64(b)
		if v <= math.MaxInt64 {
			return int64(v), nil
		}
		return v, nil
	case tag == tagF32:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(getLE32(b))), nil
	case tag >= tagStrCompactBase && tag <= tagStrCompactBase+tagStrCompactMax:
		return decodeString(r, int(tag-tagStrCompactBase))
	case tag == tagStrU8Len:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return decodeString(r, int(b[0]))
	case tag == tagStrU16Len:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return decodeString(r, int(getBE16(b)))
	case tag == tagStrU32Len:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return decodeString(r, int(getBE32(b)))
	case tag >= tagBytesCompactBase && tag <= tagBytesCompactBase+tagBytesCompactMax:
		return r.take(int(tag - tagBytesCompactBase))
	case tag == tagBytesU8Len:
		b, err := r.take(1)
		if err != nil {
			return nil, err
		}
		return r.take(int(b[0]))
	case tag == tagBytesU16Len:
		b, err := r.take(2)
		if err != nil {
			return nil, err
		}
		return r.take(int(getBE16(b)))
	case tag == tagBytesU32Len:
		b, err := r.take(4)
		if err != nil {
			return nil, err
		}
		return r.take(int(getBE32(b)))
	case tag >= tagSeqCompactBase && tag <= tagSeqCompactBase+tagSeqCompactMax:
		return decodeSeq(r, int(tag-tagSeqCompactBase))
	case tag == tagSeqUnbounded:
		return decodeUnboundedSeq(r)
	case tag >= tagMapCompactBase && tag <= tagMapCompactBase+tagMapCompactMax:
		return decodeMap(r, int(tag-tagMapCompactBase))
	case tag == tagMapUnbounded:
		return decodeUnboundedMap(r)
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrMalformedFrame, tag)
	}
}

func decodeString(r *reader, n int) (string, error) {
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSeq(r *reader, n int) ([]any, error) {
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func decodeUnboundedSeq(r *reader) ([]any, error) {
	var items []any
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if b == tagNil {
			r.pos++
			return items, nil
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
}

func decodeMap(r *reader, n int) (*Map, error) {
	m := NewMap()
	for i := 0; i < n; i++ {
		k, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string map key", ErrMalformedFrame)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		m.Set(ks, v)
	}
	return m, nil
}

func decodeUnboundedMap(r *reader) (*Map, error) {
	m := NewMap()
	for {
		b, err := r.peekByte()
		if err != nil {
			return nil, err
		}
		if b == tagNil {
			r.pos++
			term, err := r.readByte()
			if err != nil {
				return nil, err
			}
			if term != tagNil {
				return nil, fmt.Errorf("%w: bad unbounded map terminator", ErrMalformedFrame)
			}
			return m, nil
		}
		k, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string map key", ErrMalformedFrame)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		m.Set(ks, v)
	}
}

func putLE32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func putLE64(buf *bytes.Buffer, v uint64) {
	for i := 0; i < 8; i++ {
		buf.WriteByte(byte(v >> (8 * i)))
	}
}

func putBE16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func putBE32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func getLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func getLE64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func getBE16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func getBE32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
