package dtx

import (
	"encoding/binary"

	"github.com/gosuda/rxpc/rxpcerr"
)

// auxMagic and the per-item empty-dict marker are fixed by the wire
// format.
const (
	auxMagic        uint64 = 0x1F0
	auxItemMarker   uint32 = 0x0000000A
	auxHeaderSize          = 16 // magic(8) + items_size(8)
	auxItemHeadSize        = 8  // marker(4) + type(4)
)

// AuxKind is the type tag of one aux item.
type AuxKind uint32

const (
	AuxObject AuxKind = 2
	AuxInt32  AuxKind = 3
	AuxInt64  AuxKind = 6
)

// AuxItem is one decoded/to-be-encoded entry of a message's aux block.
// Exactly one of Int32/Int64/Object is meaningful, selected by Kind.
type AuxItem struct {
	Kind   AuxKind
	Int32  int32
	Int64  int64
	Object []byte // a Codec-marshaled NSKeyedArchiver envelope
}

// NewObjectAux wraps already-marshaled object bytes as an aux item.
func NewObjectAux(b []byte) AuxItem { return AuxItem{Kind: AuxObject, Object: b} }

// NewInt32Aux wraps n as an aux item.
func NewInt32Aux(n int32) AuxItem { return AuxItem{Kind: AuxInt32, Int32: n} }

// NewInt64Aux wraps n as an aux item.
func NewInt64Aux(n int64) AuxItem { return AuxItem{Kind: AuxInt64, Int64: n} }

// EncodeAux serializes items as one aux block: magic ‖ items_size ‖
// items.
func EncodeAux(items []AuxItem) []byte {
	var body []byte
	for _, it := range items {
		head := make([]byte, auxItemHeadSize)
		binary.LittleEndian.PutUint32(head[0:4], auxItemMarker)
		binary.LittleEndian.PutUint32(head[4:8], uint32(it.Kind))
		body = append(body, head...)
		switch it.Kind {
		case AuxInt32:
			v := make([]byte, 4)
			binary.LittleEndian.PutUint32(v, uint32(it.Int32))
			body = append(body, v...)
		case AuxInt64:
			v := make([]byte, 8)
			binary.LittleEndian.PutUint64(v, uint64(it.Int64))
			body = append(body, v...)
		case AuxObject:
			lenBuf := make([]byte, 4)
			binary.LittleEndian.PutUint32(lenBuf, uint32(len(it.Object)))
			body = append(body, lenBuf...)
			body = append(body, it.Object...)
		}
	}
	out := make([]byte, auxHeaderSize, auxHeaderSize+len(body))
	binary.LittleEndian.PutUint64(out[0:8], auxMagic)
	binary.LittleEndian.PutUint64(out[8:16], uint64(len(body)))
	return append(out, body...)
}

// bplistMagic is the leading bytes of a real Apple binary plist, used
// only as a fallback: when the documented 0x1F0 aux magic is absent,
// scan for this header instead of failing outright. Every aux block
// this module itself produces carries the documented magic.
var bplistMagic = []byte("bplist00")

// DecodeAux parses an aux block out of buf, returning the items and the
// number of bytes consumed.
func DecodeAux(buf []byte) ([]AuxItem, int, error) {
	if len(buf) < auxHeaderSize || binary.LittleEndian.Uint64(buf[0:8]) != auxMagic {
		if idx := indexOf(buf, bplistMagic); idx >= 0 {
			// No aux items recognized in this block; the payload is a
			// bare bplist object with no aux section at all.
			return nil, idx, nil
		}
		return nil, 0, rxpcerr.New(rxpcerr.Protocol, "dtx: aux block missing magic")
	}
	itemsSize := binary.LittleEndian.Uint64(buf[8:16])
	end := auxHeaderSize + int(itemsSize)
	if end > len(buf) {
		return nil, 0, ErrMalformedMessage
	}
	body := buf[auxHeaderSize:end]

	var items []AuxItem
	off := 0
	for off < len(body) {
		if off+auxItemHeadSize > len(body) {
			return nil, 0, ErrMalformedMessage
		}
		marker := binary.LittleEndian.Uint32(body[off : off+4])
		kind := AuxKind(binary.LittleEndian.Uint32(body[off+4 : off+8]))
		off += auxItemHeadSize
		if marker != auxItemMarker {
			return nil, 0, ErrMalformedMessage
		}
		switch kind {
		case AuxInt32:
			if off+4 > len(body) {
				return nil, 0, ErrMalformedMessage
			}
			items = append(items, AuxItem{Kind: kind, Int32: int32(binary.LittleEndian.Uint32(body[off : off+4]))})
			off += 4
		case AuxInt64:
			if off+8 > len(body) {
				return nil, 0, ErrMalformedMessage
			}
			items = append(items, AuxItem{Kind: kind, Int64: int64(binary.LittleEndian.Uint64(body[off : off+8]))})
			off += 8
		case AuxObject:
			if off+4 > len(body) {
				return nil, 0, ErrMalformedMessage
			}
			n := binary.LittleEndian.Uint32(body[off : off+4])
			off += 4
			if off+int(n) > len(body) {
				return nil, 0, ErrMalformedMessage
			}
			obj := make([]byte, n)
			copy(obj, body[off:off+int(n)])
			items = append(items, AuxItem{Kind: kind, Object: obj})
			off += int(n)
		default:
			return nil, 0, rxpcerr.New(rxpcerr.Protocol, "dtx: unknown aux item type")
		}
	}
	return items, end, nil
}

func indexOf(buf, pattern []byte) int {
	if len(pattern) == 0 || len(buf) < len(pattern) {
		return -1
	}
	for i := 0; i+len(pattern) <= len(buf); i++ {
		match := true
		for j := range pattern {
			if buf[i+j] != pattern[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
