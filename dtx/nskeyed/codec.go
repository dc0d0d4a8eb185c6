package nskeyed

import (
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/rxpcerr"
)

// Codec bridges the archiver's envelope value graph to wire bytes. A
// real client talking to an actual device needs this backed by a true
// binary-plist (bplist00) implementation; rxpc ships only OpackCodec
// below as a default,
// swappable, self-consistent implementation suitable for loopback tests
// and for hosts that control both ends of the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte) (any, error)
}

// OpackCodec bridges NSKeyedArchiver's value graph through this module's
// own OPACK2 codec rather than real bplist bytes. OPACK2 already
// implements exactly the value set (null, bool, integer, float, string,
// byte string, ordered sequence, ordered mapping) that a plist's value
// model has, so reusing it avoids inventing a second tagged binary
// format for an opaque bridge.
type OpackCodec struct{}

// Marshal encodes v (built from Archive, or a decoded Unarchive tree fed
// back in for re-encoding) as OPACK2 bytes.
func (OpackCodec) Marshal(v any) ([]byte, error) {
	b, err := codec.Encode(flattenForWire(v))
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "nskeyed: encode object data", err)
	}
	return b, nil
}

// Unmarshal decodes OPACK2 bytes back into the envelope value graph.
func (OpackCodec) Unmarshal(b []byte) (any, error) {
	v, _, err := codec.Decode(b)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "nskeyed: decode object data", err)
	}
	return v, nil
}

// flattenForWire converts this package's Array/Data reference wrappers
// into the plain slice/byte-string shapes OPACK2's value set natively
// understands, since OpackCodec is the only Codec that needs to see
// inside them; a real bplist Codec would instead inspect these types
// directly to choose its own binary representation.
func flattenForWire(v any) any {
	switch t := v.(type) {
	case *Array:
		out := make([]any, len(t.Items))
		for i, item := range t.Items {
			out[i] = flattenForWire(item)
		}
		return out
	case *Data:
		return append([]byte{}, t.Bytes...)
	case *codec.Map:
		out := codec.NewMap()
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			out.Set(k, flattenForWire(val))
		}
		return out
	default:
		return v
	}
}
