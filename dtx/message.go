// Package dtx implements the DTX multiplexer: fragment reassembly,
// named-channel bookkeeping and selector dispatch over a single socket.
//
// All header integers are little-endian; channel_code is signed.
package dtx

import (
	"encoding/binary"

	"github.com/gosuda/rxpc/rxpcerr"
)

// Magic and HeaderSize are fixed by the DTX wire layout.
const (
	Magic      uint32 = 0x1F3D5B79
	HeaderSize        = 32
)

// Payload flag bits: flags = INSTRUMENTS(2) |
// (EXPECTS_REPLY(0x1000) if expects_reply). Compression occupies bits
// 12-19 of the same word; EXPECTS_REPLY sits at bit 12 inside that same
// range, so a read-side compression check must mask EXPECTS_REPLY (and
// INSTRUMENTS) out first rather than testing the raw 0xFF000 span
// against the flags value send_message itself produces.
const (
	FlagInstruments  uint32 = 0x2
	FlagExpectsReply uint32 = 0x1000

	compressionMask = 0xFF000
)

// ErrCompressedMessagesUnsupported is raised when a received payload's
// flags carry a non-zero compression field.
var ErrCompressedMessagesUnsupported = rxpcerr.New(rxpcerr.Dtx, "dtx: compressed messages unsupported")

// ErrMalformedMessage marks a header whose magic or declared lengths
// don't check out.
var ErrMalformedMessage = rxpcerr.New(rxpcerr.Protocol, "dtx: malformed message")

// Header is the fixed 32-byte portion of every wire message.
type Header struct {
	FragmentID        uint16
	FragmentCount     uint16
	PayloadLength     uint32
	MessageID         uint32
	ConversationIndex uint32
	ChannelCode       int32
	ExpectsReply      uint32
}

// AbsChannel returns the channel code a received header routes to:
// negative codes mark server-streamed traffic but route to the
// fragmenter keyed by the absolute value.
func (h Header) AbsChannel() int32 {
	if h.ChannelCode < 0 {
		return -h.ChannelCode
	}
	return h.ChannelCode
}

// IsStream reports whether h arrived on a negative (server-streamed)
// channel code.
func (h Header) IsStream() bool {
	return h.ChannelCode < 0
}

// EncodeHeader serializes h as the 32-byte little-endian wire header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], HeaderSize)
	binary.LittleEndian.PutUint16(buf[8:10], h.FragmentID)
	binary.LittleEndian.PutUint16(buf[10:12], h.FragmentCount)
	binary.LittleEndian.PutUint32(buf[12:16], h.PayloadLength)
	binary.LittleEndian.PutUint32(buf[16:20], h.MessageID)
	binary.LittleEndian.PutUint32(buf[20:24], h.ConversationIndex)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.ChannelCode))
	binary.LittleEndian.PutUint32(buf[28:32], h.ExpectsReply)
	return buf
}

// DecodeHeader parses the 32-byte wire header out of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Header{}, ErrMalformedMessage
	}
	if binary.LittleEndian.Uint32(buf[4:8]) != HeaderSize {
		return Header{}, ErrMalformedMessage
	}
	return Header{
		FragmentID:        binary.LittleEndian.Uint16(buf[8:10]),
		FragmentCount:     binary.LittleEndian.Uint16(buf[10:12]),
		PayloadLength:     binary.LittleEndian.Uint32(buf[12:16]),
		MessageID:         binary.LittleEndian.Uint32(buf[16:20]),
		ConversationIndex: binary.LittleEndian.Uint32(buf[20:24]),
		ChannelCode:       int32(binary.LittleEndian.Uint32(buf[24:28])),
		ExpectsReply:      binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// payloadHeaderSize is flags(4) + aux_length(4) + total_length(8).
const payloadHeaderSize = 16

// encodePayload builds payload_header ‖ aux ‖ object_data.
func encodePayload(flags uint32, aux, object []byte) []byte {
	total := uint64(len(aux) + len(object))
	buf := make([]byte, payloadHeaderSize, payloadHeaderSize+len(aux)+len(object))
	binary.LittleEndian.PutUint32(buf[0:4], flags)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(aux)))
	binary.LittleEndian.PutUint64(buf[8:16], total)
	buf = append(buf, aux...)
	buf = append(buf, object...)
	return buf
}

// decodedPayload is a parsed payload_header plus its two sections.
type decodedPayload struct {
	Flags  uint32
	Aux    []byte
	Object []byte
}

func decodePayload(buf []byte) (decodedPayload, error) {
	if len(buf) < payloadHeaderSize {
		return decodedPayload{}, ErrMalformedMessage
	}
	flags := binary.LittleEndian.Uint32(buf[0:4])
	if flags&^(FlagInstruments|FlagExpectsReply)&compressionMask != 0 {
		return decodedPayload{}, ErrCompressedMessagesUnsupported
	}
	auxLen := binary.LittleEndian.Uint32(buf[4:8])
	total := binary.LittleEndian.Uint64(buf[8:16])
	rest := buf[payloadHeaderSize:]
	if uint64(auxLen) > total || uint64(len(rest)) < total {
		return decodedPayload{}, ErrMalformedMessage
	}
	return decodedPayload{
		Flags:  flags,
		Aux:    rest[:auxLen],
		Object: rest[auxLen:total],
	}, nil
}
