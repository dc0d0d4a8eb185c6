// Package pairing holds the data model for a paired device and the
// session-scoped key material pair-verify derives from it:
// DeviceIdentity (persisted), VerificationKeys and SequenceCounters
// (ephemeral, session-lifetime only, never persisted).
package pairing

import "github.com/gosuda/rxpc/rxpcerr"

// DeviceIdentity is the pairing-persistent tuple for one device. Created
// out-of-band; loaded read-only at the start of every session.
type DeviceIdentity struct {
	Identifier          string
	LongTermPublicKey   []byte // 32 B, Ed25519-style
	LongTermSecretKey   []byte // 32 B
	RemoteUnlockHostKey string // optional
}

// Validate checks the key sizes DeviceIdentity requires before it is
// handed to pair-verify.
func (d *DeviceIdentity) Validate() error {
	if len(d.LongTermPublicKey) != 32 {
		return rxpcerr.New(rxpcerr.Pairing, "pairing: long_term_public_key must be 32 bytes")
	}
	if len(d.LongTermSecretKey) != 32 {
		return rxpcerr.New(rxpcerr.Pairing, "pairing: long_term_secret_key must be 32 bytes")
	}
	return nil
}

// VerificationKeys is the ephemeral per-session key material pair-verify
// produces. Lifetime: from pair-verify completion until tunnel teardown;
// never persisted.
type VerificationKeys struct {
	SharedSecret        []byte // 32 B
	ClientEncryptionKey []byte // 32 B, HKDF-derived
	ServerEncryptionKey []byte // 32 B
	PSK                 []byte // 32 B
}

// SequenceCounters tracks the per-session nonce/sequence state. Both
// counters start at 0 and increment per sent message; each side
// maintains its own counters on receive for nonce derivation.
type SequenceCounters struct {
	ControlSeq   uint64
	EncryptedSeq uint64
}

// NextControl returns the current control_seq and post-increments it.
func (s *SequenceCounters) NextControl() uint64 {
	v := s.ControlSeq
	s.ControlSeq++
	return v
}

// NextEncrypted returns the current encrypted_seq and post-increments it.
func (s *SequenceCounters) NextEncrypted() uint64 {
	v := s.EncryptedSeq
	s.EncryptedSeq++
	return v
}
