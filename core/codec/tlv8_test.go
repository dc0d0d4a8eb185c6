package codec

import (
	"bytes"
	"testing"
)

func TestTLV8RoundTripSmall(t *testing.T) {
	items := []TLV8Item{
		{Type: TLV8TypeState, Value: []byte{1}},
		{Type: TLV8TypePublicKey, Value: bytes.Repeat([]byte{0xAB}, 32)},
	}
	enc := EncodeTLV8(items)

	got, err := DecodeTLV8(enc)
	if err != nil {
		t.Fatalf("DecodeTLV8: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0].Type != TLV8TypeState || !bytes.Equal(got[0].Value, []byte{1}) {
		t.Fatalf("item 0 mismatch: %+v", got[0])
	}
	if got[1].Type != TLV8TypePublicKey || !bytes.Equal(got[1].Value, items[1].Value) {
		t.Fatalf("item 1 mismatch: %+v", got[1])
	}
}

func TestTLV8FragmentsOver255Bytes(t *testing.T) {
	big := bytes.Repeat([]byte{0x42}, 600)
	enc := EncodeTLV8([]TLV8Item{{Type: TLV8TypeSignature, Value: big}})

	// 600 bytes -> 255 + 255 + 90, three fragments of the same type.
	fragCount := 0
	pos := 0
	for pos < len(enc) {
		if enc[pos] != TLV8TypeSignature {
			t.Fatalf("unexpected type byte at %d: 0x%02x", pos, enc[pos])
		}
		length := int(enc[pos+1])
		pos += 2 + length
		fragCount++
	}
	if fragCount != 3 {
		t.Fatalf("expected 3 wire fragments, got %d", fragCount)
	}

	got, err := DecodeTLV8(enc)
	if err != nil {
		t.Fatalf("DecodeTLV8: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 logical item, got %d", len(got))
	}
	if !bytes.Equal(got[0].Value, big) {
		t.Fatalf("reassembled value mismatch: got %d bytes, want %d", len(got[0].Value), len(big))
	}
}

func TestTLV8EmptyValue(t *testing.T) {
	enc := EncodeTLV8([]TLV8Item{{Type: TLV8TypeState, Value: nil}})
	if len(enc) != 2 || enc[0] != TLV8TypeState || enc[1] != 0 {
		t.Fatalf("unexpected encoding for empty value: % x", enc)
	}
	got, err := DecodeTLV8(enc)
	if err != nil {
		t.Fatalf("DecodeTLV8: %v", err)
	}
	if len(got) != 1 || len(got[0].Value) != 0 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}

func TestTLV8MultipleDistinctItemsSameType(t *testing.T) {
	// Two separate non-fragmented items of the same type (each < 255 bytes)
	// remain distinct items, not a merged continuation.
	enc := EncodeTLV8([]TLV8Item{
		{Type: TLV8TypeIdentity, Value: []byte("first")},
		{Type: TLV8TypeIdentity, Value: []byte("second")},
	})
	got, err := DecodeTLV8(enc)
	if err != nil {
		t.Fatalf("DecodeTLV8: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 distinct items, got %d: %+v", len(got), got)
	}
	if string(got[0].Value) != "first" || string(got[1].Value) != "second" {
		t.Fatalf("unexpected values: %+v", got)
	}
}

func TestTLV8GetHelper(t *testing.T) {
	items := []TLV8Item{{Type: TLV8TypeState, Value: []byte{4}}}
	v, ok := GetTLV8(items, TLV8TypeState)
	if !ok || !bytes.Equal(v, []byte{4}) {
		t.Fatalf("GetTLV8 mismatch: %v ok=%v", v, ok)
	}
	if _, ok := GetTLV8(items, TLV8TypeSignature); ok {
		t.Fatal("expected missing type to report not found")
	}
}

func TestTLV8TruncatedFails(t *testing.T) {
	if _, err := DecodeTLV8([]byte{TLV8TypeState}); err == nil {
		t.Fatal("expected error for truncated header")
	}
	if _, err := DecodeTLV8([]byte{TLV8TypeState, 5, 1, 2}); err == nil {
		t.Fatal("expected error for short value")
	}
}
