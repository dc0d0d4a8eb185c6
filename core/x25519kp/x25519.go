// Package x25519kp generates X25519 key pairs and performs the ECDH
// exchange behind pair-verify's ephemeral keys.
package x25519kp

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/gosuda/rxpc/rxpcerr"
)

// KeySize is the fixed length of every X25519 public and private key.
const KeySize = curve25519.ScalarSize

// GenerateKeyPair returns a fresh ephemeral X25519 key pair.
func GenerateKeyPair() (publicKey, privateKey []byte, err error) {
	priv := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, rxpcerr.Wrap(rxpcerr.Cryptography, "x25519: generate private key", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, rxpcerr.Wrap(rxpcerr.Cryptography, "x25519: derive public key", err)
	}
	return pub, priv, nil
}

// ECDH computes the shared secret between privateKey and peerPublicKey.
// peerPublicKey must be exactly KeySize bytes; any other length is a
// cryptography error.
func ECDH(privateKey, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != KeySize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "x25519: peer public key must be 32 bytes")
	}
	shared, err := curve25519.X25519(privateKey, peerPublicKey)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Cryptography, "x25519: ecdh", err)
	}
	return shared, nil
}
