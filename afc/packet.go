// Package afc implements the Apple File Conduit client: packet framing,
// opcode dispatch, and the high-level filesystem API built on top of it.
//
// Every integer on the wire is little-endian; the header is a fixed
// 40 bytes.
package afc

import (
	"encoding/binary"

	"github.com/gosuda/rxpc/rxpcerr"
)

// Magic is the fixed 8-byte preamble of every AFC wire packet.
const Magic = "CFA6LPAA"

// HeaderSize is the size of the fixed packet header: 8-byte magic plus
// four little-endian u64 fields.
const HeaderSize = 8 + 8 + 8 + 8 + 8

// Opcodes, numbered as the real AFC protocol defines them.
const (
	OpStatus      uint64 = 0x00000001
	OpData        uint64 = 0x00000002
	OpReadDir     uint64 = 0x00000003
	OpReadFile    uint64 = 0x00000004
	OpWriteFile   uint64 = 0x00000005
	OpRemovePath  uint64 = 0x00000008
	OpGetFileInfo uint64 = 0x0000000A
	OpFileOpen    uint64 = 0x0000000D
	OpFileClose   uint64 = 0x0000000E
	OpMoveItem    uint64 = 0x00000010
)

// fopen mode values as FILE_OPEN encodes them.
const (
	ModeRDONLY   uint64 = 0x00000001
	ModeRW       uint64 = 0x00000002
	ModeWRONLY   uint64 = 0x00000003
	ModeWR       uint64 = 0x00000004
	ModeAPPEND   uint64 = 0x00000005
	ModeRDAPPEND uint64 = 0x00000006
)

// Status codes the device reports in a STATUS response body.
const (
	StatusSuccess        uint64 = 0
	StatusUnknownError   uint64 = 1
	StatusObjectNotFound uint64 = 8
)

// Packet is one AFC wire message: a 40-byte header plus its body.
type Packet struct {
	PacketNum uint64
	Opcode    uint64
	Body      []byte
	// ThisLength overrides the this_length header field when it differs
	// from HeaderSize+len(Body) (WRITE, whose this_length covers only the
	// header and the 8-byte handle while the file data follows in the same
	// packet); zero means "compute it from Body as usual."
	ThisLength uint64
}

// ErrMalformedPacket is returned when a wire packet's magic is wrong or
// its body is truncated relative to the declared lengths.
var ErrMalformedPacket = rxpcerr.New(rxpcerr.Protocol, "afc: malformed packet")

// Encode serializes p into one complete wire packet.
func Encode(p Packet) []byte {
	entireLength := uint64(HeaderSize) + uint64(len(p.Body))
	thisLength := p.ThisLength
	if thisLength == 0 {
		thisLength = entireLength
	}

	buf := make([]byte, HeaderSize+len(p.Body))
	copy(buf[0:8], Magic)
	binary.LittleEndian.PutUint64(buf[8:16], entireLength)
	binary.LittleEndian.PutUint64(buf[16:24], thisLength)
	binary.LittleEndian.PutUint64(buf[24:32], p.PacketNum)
	binary.LittleEndian.PutUint64(buf[32:40], p.Opcode)
	copy(buf[HeaderSize:], p.Body)
	return buf
}

// header is the parsed fixed portion of a wire packet.
type header struct {
	entireLength uint64
	thisLength   uint64
	packetNum    uint64
	opcode       uint64
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < HeaderSize {
		return header{}, ErrMalformedPacket
	}
	if string(buf[0:8]) != Magic {
		return header{}, ErrMalformedPacket
	}
	return header{
		entireLength: binary.LittleEndian.Uint64(buf[8:16]),
		thisLength:   binary.LittleEndian.Uint64(buf[16:24]),
		packetNum:    binary.LittleEndian.Uint64(buf[24:32]),
		opcode:       binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// Decode parses one complete wire packet (header plus exactly
// entire_length-HeaderSize bytes of body) out of buf. buf must contain
// at least that many bytes; extra trailing bytes are ignored.
func Decode(buf []byte) (Packet, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return Packet{}, err
	}
	if h.entireLength < HeaderSize {
		return Packet{}, ErrMalformedPacket
	}
	bodyLen := h.entireLength - HeaderSize
	if uint64(len(buf)) < HeaderSize+bodyLen {
		return Packet{}, ErrMalformedPacket
	}
	body := make([]byte, bodyLen)
	copy(body, buf[HeaderSize:HeaderSize+bodyLen])
	return Packet{PacketNum: h.packetNum, Opcode: h.opcode, Body: body, ThisLength: h.thisLength}, nil
}

// decodeStatus extracts the little-endian u64 status code that leads
// every STATUS response body.
func decodeStatus(body []byte) (uint64, error) {
	if len(body) < 8 {
		return 0, ErrMalformedPacket
	}
	return binary.LittleEndian.Uint64(body[:8]), nil
}
