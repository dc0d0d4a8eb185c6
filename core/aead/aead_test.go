package aead

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return b
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randBytes(t, KeySize)
	nonce := randBytes(t, NonceSize)
	aad := []byte("associated data")
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ct, err := Encrypt(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := Decrypt(zerolog.Nop(), key, nonce, aad, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestDecryptBitFlipFails(t *testing.T) {
	key := randBytes(t, KeySize)
	nonce := randBytes(t, NonceSize)
	aad := []byte("aad")
	plaintext := []byte("payload")

	ct, err := Encrypt(key, nonce, aad, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for _, idx := range []int{0, len(ct) / 2, len(ct) - 1} {
		flipped := append([]byte{}, ct...)
		flipped[idx] ^= 0x01
		if _, err := Decrypt(zerolog.Nop(), key, nonce, aad, flipped); err == nil {
			t.Fatalf("expected authentication failure with bit flipped at %d", idx)
		}
	}
}

func TestDecryptEmptyAADFallback(t *testing.T) {
	key := randBytes(t, KeySize)
	nonce := randBytes(t, NonceSize)
	plaintext := []byte("fallback payload")

	// Sealed with empty AAD; caller supplies a non-empty AAD, which must
	// fail the primary attempt and succeed on the empty-AAD fallback.
	ct, err := Encrypt(key, nonce, []byte{}, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := Decrypt(zerolog.Nop(), key, nonce, []byte("unexpected-aad"), ct)
	if err != nil {
		t.Fatalf("Decrypt with fallback: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("fallback round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestDecryptTruncatedTagFallback(t *testing.T) {
	key := randBytes(t, KeySize)
	nonce := randBytes(t, NonceSize)
	aad := []byte("aad")
	plaintext := []byte("short-tag payload")

	polyKey, err := chacha20PolyKey(key, nonce)
	if err != nil {
		t.Fatalf("chacha20PolyKey: %v", err)
	}
	ct, err := chacha20Decrypt(key, nonce, plaintext) // XOR is its own inverse
	if err != nil {
		t.Fatalf("chacha20Decrypt: %v", err)
	}
	fullTag := poly1305MAC(polyKey, aad, ct)
	buf := append(append([]byte{}, ct...), fullTag[:shortTag]...)

	pt, err := Decrypt(zerolog.Nop(), key, nonce, aad, buf)
	if err != nil {
		t.Fatalf("Decrypt truncated-tag: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("truncated-tag round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestInvalidKeySize(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), make([]byte, NonceSize), nil, []byte("x")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestInvalidNonceSize(t *testing.T) {
	if _, err := Encrypt(make([]byte, KeySize), make([]byte, 4), nil, []byte("x")); err == nil {
		t.Fatal("expected error for short nonce")
	}
}
