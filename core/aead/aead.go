// Package aead wraps ChaCha20-Poly1305 with the decryption fallback matrix
// the pair-verify/tunnel control plane needs to interoperate with
// historical server variants.
package aead

import (
	"crypto/cipher"
	"crypto/subtle"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/poly1305"

	"github.com/gosuda/rxpc/rxpcerr"
)

// KeySize and NonceSize match ChaCha20-Poly1305's requirements: 32-byte
// keys, 12-byte nonces.
const (
	KeySize   = chacha20poly1305.KeySize
	NonceSize = chacha20poly1305.NonceSize
	TagSize   = chacha20poly1305.Overhead
	shortTag  = 12
)

// ErrAuthenticationFailed is returned when every fallback in the matrix
// fails to authenticate the ciphertext.
var ErrAuthenticationFailed = rxpcerr.New(rxpcerr.Cryptography, "aead: authentication failed")

// Encrypt seals plaintext under key/nonce/aad, returning ciphertext||tag.
func Encrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "aead: invalid nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext (which includes the trailing tag) under
// key/nonce, trying the provided AAD first and then, on authentication
// failure, falling back in order:
//
//  1. provided AAD (primary)
//  2. empty AAD
//  3. no AAD at all (kept distinct from "empty AAD" to mirror historical
//     server implementations that treated the two differently at the API
//     boundary, even though this construction has no wire difference
//     between them)
//  4. last 12 bytes of the buffer as a truncated tag, provided AAD
//  5. last 12 bytes of the buffer as a truncated tag, empty AAD
//
// logger may be the zero value; a successful fallback (anything past the
// first attempt) logs a warning through it to aid diagnostics.
func Decrypt(logger zerolog.Logger, key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "aead: invalid key size")
	}
	if len(nonce) != NonceSize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "aead: invalid nonce size")
	}

	std, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	if pt, err := std.Open(nil, nonce, ciphertext, aad); err == nil {
		return pt, nil
	}
	if pt, err := std.Open(nil, nonce, ciphertext, []byte{}); err == nil {
		logger.Warn().Str("fallback", "empty-aad").Msg("aead: decrypted via compatibility fallback")
		return pt, nil
	}
	if pt, err := std.Open(nil, nonce, ciphertext, nil); err == nil {
		logger.Warn().Str("fallback", "no-aad").Msg("aead: decrypted via compatibility fallback")
		return pt, nil
	}
	if pt, ok := openTruncatedTag(key, nonce, aad, ciphertext); ok {
		logger.Warn().Str("fallback", "short-tag-aad").Msg("aead: decrypted via compatibility fallback")
		return pt, nil
	}
	if pt, ok := openTruncatedTag(key, nonce, []byte{}, ciphertext); ok {
		logger.Warn().Str("fallback", "short-tag-empty-aad").Msg("aead: decrypted via compatibility fallback")
		return pt, nil
	}

	return nil, ErrAuthenticationFailed
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "aead: invalid key size")
	}
	return chacha20poly1305.New(key)
}

// openTruncatedTag authenticates and decrypts a ciphertext whose trailing
// tag is only the first 12 bytes of the full 16-byte Poly1305 tag,
// following the RFC 8439 construction by hand since crypto/cipher's AEAD
// interface has no way to accept a short tag.
func openTruncatedTag(key, nonce, aad, buf []byte) ([]byte, bool) {
	if len(buf) < shortTag {
		return nil, false
	}
	ct := buf[:len(buf)-shortTag]
	tag := buf[len(buf)-shortTag:]

	polyKey, err := chacha20PolyKey(key, nonce)
	if err != nil {
		return nil, false
	}

	computed := poly1305MAC(polyKey, aad, ct)
	if subtle.ConstantTimeCompare(computed[:shortTag], tag) != 1 {
		return nil, false
	}

	pt, err := chacha20Decrypt(key, nonce, ct)
	if err != nil {
		return nil, false
	}
	return pt, true
}

func chacha20PolyKey(key, nonce []byte) ([32]byte, error) {
	var polyKey [32]byte
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return polyKey, err
	}
	var block [64]byte
	c.XORKeyStream(block[:], block[:])
	copy(polyKey[:], block[:32])
	return polyKey, nil
}

func chacha20Decrypt(key, nonce, ct []byte) ([]byte, error) {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, err
	}
	c.SetCounter(1)
	pt := make([]byte, len(ct))
	c.XORKeyStream(pt, ct)
	return pt, nil
}

func poly1305MAC(key [32]byte, aad, ct []byte) [16]byte {
	msg := make([]byte, 0, pad16len(len(aad))+pad16len(len(ct))+16)
	msg = append(msg, aad...)
	msg = append(msg, make([]byte, pad16len(len(aad))-len(aad))...)
	msg = append(msg, ct...)
	msg = append(msg, make([]byte, pad16len(len(ct))-len(ct))...)
	msg = appendLE64(msg, uint64(len(aad)))
	msg = appendLE64(msg, uint64(len(ct)))

	var tag [16]byte
	poly1305.Sum(&tag, msg, &key)
	return tag
}

func pad16len(n int) int {
	rem := n % 16
	if rem == 0 {
		return n
	}
	return n + (16 - rem)
}

func appendLE64(b []byte, v uint64) []byte {
	return append(b,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}
