// Package identity models the long-term signing keypair pair-verify
// uses to authenticate a host to a device and a device to a host, and
// the sign/verify operations built on it. Device identifiers are
// assigned externally by discovery, never derived from the key.
package identity

import (
	"crypto/ed25519"

	"github.com/gosuda/rxpc/rxpcerr"
)

// SeedSize is the length of the persisted long-term secret key
// (32 bytes), as opposed to ed25519.PrivateKeySize (64 bytes,
// seed+public key) which Go's stdlib uses internally.
const SeedSize = ed25519.SeedSize

// PublicKeySize is the length of the persisted long-term public key.
const PublicKeySize = ed25519.PublicKeySize

// Credential holds a long-term Ed25519 signing keypair.
type Credential struct {
	public ed25519.PublicKey
	secret ed25519.PrivateKey // stdlib-shaped (seed || public), derived from a 32-byte seed
}

// NewCredentialFromSeed reconstructs a Credential from a persisted
// 32-byte secret key.
func NewCredentialFromSeed(seed []byte) (*Credential, error) {
	if len(seed) != SeedSize {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "identity: secret key must be 32 bytes")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, rxpcerr.New(rxpcerr.Cryptography, "identity: failed to derive public key")
	}
	return &Credential{public: pub, secret: priv}, nil
}

// NewCredential generates a fresh long-term keypair, for the out-of-band
// pairing flow that provisions a new DeviceIdentity record.
func NewCredential() (*Credential, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Cryptography, "identity: generate keypair", err)
	}
	return &Credential{public: pub, secret: priv}, nil
}

// PublicKey returns the 32-byte long-term public key.
func (c *Credential) PublicKey() ed25519.PublicKey {
	return c.public
}

// Seed returns the persistable 32-byte long-term secret key.
func (c *Credential) Seed() []byte {
	return c.secret.Seed()
}

// Sign signs data with the long-term secret key.
func (c *Credential) Sign(data []byte) []byte {
	return ed25519.Sign(c.secret, data)
}

// Verify reports whether sig is a valid signature over data under the
// peer's long-term public key.
func Verify(peerPublicKey ed25519.PublicKey, data, sig []byte) bool {
	if len(peerPublicKey) != PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(peerPublicKey, data, sig)
}
