package afc

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := Packet{PacketNum: 7, Opcode: OpReadDir, Body: []byte("/private/var\x00")}
	wire := Encode(p)

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.PacketNum != p.PacketNum || got.Opcode != p.Opcode || !bytes.Equal(got.Body, p.Body) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, p)
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	body := []byte("hello")
	wire := Encode(Packet{PacketNum: 1, Opcode: OpGetFileInfo, Body: body})

	if string(wire[0:8]) != Magic {
		t.Fatalf("bad magic: %q", wire[0:8])
	}
	entireLength := len(wire)
	if entireLength != HeaderSize+len(body) {
		t.Fatalf("entire_length wire size = %d, want %d", entireLength, HeaderSize+len(body))
	}
}

func TestEncodeEntireLengthInvariant(t *testing.T) {
	// entire_length == 40 + len(payload), for any (opcode, packet_num, payload).
	for _, n := range []int{0, 1, 64, 4096} {
		body := make([]byte, n)
		wire := Encode(Packet{PacketNum: 99, Opcode: OpReadFile, Body: body})
		if len(wire) != HeaderSize+n {
			t.Fatalf("len(body)=%d: wire size = %d, want %d", n, len(wire), HeaderSize+n)
		}
		h, err := decodeHeader(wire)
		if err != nil {
			t.Fatalf("len(body)=%d: decodeHeader: %v", n, err)
		}
		if h.entireLength != uint64(HeaderSize+n) {
			t.Fatalf("len(body)=%d: entire_length = %d, want %d", n, h.entireLength, HeaderSize+n)
		}
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	wire := Encode(Packet{PacketNum: 1, Opcode: OpStatus, Body: []byte("x")})
	wire[0] = 'X'
	if _, err := Decode(wire); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsTruncatedBody(t *testing.T) {
	wire := Encode(Packet{PacketNum: 1, Opcode: OpStatus, Body: []byte("hello world")})
	if _, err := Decode(wire[:HeaderSize+3]); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestWriteThisLengthOverride(t *testing.T) {
	// WRITE's first frame declares this_length as header+handle only,
	// even though the full body (handle + file data) follows.
	handle := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	fileData := bytes.Repeat([]byte{0xAB}, 100)
	body := append(append([]byte{}, handle...), fileData...)

	p := Packet{PacketNum: 3, Opcode: OpWriteFile, Body: body, ThisLength: uint64(HeaderSize + len(handle))}
	wire := Encode(p)

	h, err := decodeHeader(wire)
	if err != nil {
		t.Fatalf("decodeHeader: %v", err)
	}
	if h.thisLength != uint64(HeaderSize+len(handle)) {
		t.Fatalf("this_length = %d, want %d", h.thisLength, HeaderSize+len(handle))
	}
	if h.entireLength != uint64(HeaderSize+len(body)) {
		t.Fatalf("entire_length = %d, want %d", h.entireLength, HeaderSize+len(body))
	}

	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(got.Body, body) {
		t.Fatal("decoded body does not match full handle+data payload")
	}
}

func TestDecodeStatusCode(t *testing.T) {
	body := make([]byte, 8)
	body[0] = byte(StatusObjectNotFound)
	status, err := decodeStatus(body)
	if err != nil {
		t.Fatalf("decodeStatus: %v", err)
	}
	if status != StatusObjectNotFound {
		t.Fatalf("status = %d, want %d", status, StatusObjectNotFound)
	}
}
