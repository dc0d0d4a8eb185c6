package codec

import "github.com/gosuda/rxpc/rxpcerr"

// TLV8 types recognized by the pair-verify exchange.
const (
	TLV8TypeIdentity      byte = 1
	TLV8TypePublicKey     byte = 3
	TLV8TypeEncryptedData byte = 5
	TLV8TypeState         byte = 6
	TLV8TypeSignature     byte = 10
)

// ErrTLV8Truncated is returned when a TLV8 buffer ends mid-item.
var ErrTLV8Truncated = rxpcerr.New(rxpcerr.Protocol, "tlv8: truncated item")

// TLV8Item is one decoded type/value pair, with multi-fragment values
// already concatenated.
type TLV8Item struct {
	Type  byte
	Value []byte

	// lastFragFull records whether the most recently appended wire fragment
	// was a full 255-byte chunk, the only case in which a following
	// same-type item is a continuation rather than a new logical item.
	lastFragFull bool
}

// EncodeTLV8 serializes items in order, splitting any value longer than 255
// bytes into consecutive same-type fragments.
func EncodeTLV8(items []TLV8Item) []byte {
	var out []byte
	for _, it := range items {
		v := it.Value
		if len(v) == 0 {
			out = append(out, it.Type, 0)
			continue
		}
		for len(v) > 0 {
			n := len(v)
			if n > 255 {
				n = 255
			}
			out = append(out, it.Type, byte(n))
			out = append(out, v[:n]...)
			v = v[n:]
		}
	}
	return out
}

// DecodeTLV8 parses a flat TLV8 buffer, concatenating consecutive
// same-type fragments into a single item, preserving first-seen order.
func DecodeTLV8(data []byte) ([]TLV8Item, error) {
	var items []TLV8Item
	pos := 0
	for pos < len(data) {
		if pos+2 > len(data) {
			return nil, ErrTLV8Truncated
		}
		typ := data[pos]
		length := int(data[pos+1])
		pos += 2
		if pos+length > len(data) {
			return nil, ErrTLV8Truncated
		}
		value := data[pos : pos+length]
		pos += length

		if n := len(items); n > 0 && items[n-1].Type == typ && items[n-1].lastFragFull {
			// Continuation of a fragmented value: the previous fragment was
			// a full 255-byte chunk, so this one concatenates onto it.
			items[n-1].Value = append(items[n-1].Value, value...)
			items[n-1].lastFragFull = length == 255
			continue
		}

		items = append(items, TLV8Item{Type: typ, Value: append([]byte{}, value...), lastFragFull: length == 255})
	}
	return items, nil
}

// GetTLV8 returns the first item of the given type, if present.
func GetTLV8(items []TLV8Item, typ byte) ([]byte, bool) {
	for _, it := range items {
		if it.Type == typ {
			return it.Value, true
		}
	}
	return nil, false
}
