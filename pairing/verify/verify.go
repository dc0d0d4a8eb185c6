// Package verify implements the M1-M4 pair-verify exchange: an
// ephemeral X25519 handshake, authenticated in both directions by
// long-term Ed25519 signatures, producing the session keys tunnel setup
// and AFC/DTX traffic encrypt under.
package verify

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/gosuda/rxpc/core/aead"
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/core/x25519kp"
	"github.com/gosuda/rxpc/internal/metrics"
	"github.com/gosuda/rxpc/pairing"
	"github.com/gosuda/rxpc/pairing/transport"
	"github.com/gosuda/rxpc/rxpcerr"

	"github.com/rs/zerolog"
)

// State names the pair-verify state machine's positions.
type State int

const (
	StateInit State = iota
	StateM1Sent
	StateM2Received
	StateM3Sent
	StateEstablished
)

const (
	pvStateInit      = 1
	pvStatePeerReply = 2
	pvStateHostReply = 3
	pvStateFinal     = 4
)

// frame is the JSON envelope every pair-verify control message travels
// in: the inner TLV8 bytes, base64-encoded.
type frame struct {
	Data string `json:"data"`
}

// Params bundles the inputs a Verifier needs beyond the persisted
// DeviceIdentity tuple: the device's long-term
// public key, obtained by whatever out-of-band pairing flow produced
// the DeviceIdentity record in the first place — the other half of that
// same flow's output, just not a field the persisted struct carries.
type Params struct {
	Identity        *pairing.DeviceIdentity
	PeerLongTermKey ed25519.PublicKey
	HostIdentifier  string
}

// Verifier drives one pair-verify exchange over a transport.Transport.
type Verifier struct {
	t      *transport.Transport
	params Params
	logger zerolog.Logger

	state  State
	epkH   []byte
	eskH   []byte
	epkD   []byte
	shared []byte
}

// New constructs a Verifier bound to an already-connected control
// transport.
func New(t *transport.Transport, params Params, logger zerolog.Logger) *Verifier {
	return &Verifier{t: t, params: params, logger: logger, state: StateInit}
}

// Run drives the full M1->M4 exchange and returns the derived session
// keys. All failures are fatal to the session.
func (v *Verifier) Run() (*pairing.VerificationKeys, error) {
	if v.state != StateInit {
		return nil, rxpcerr.New(rxpcerr.Protocol, "pairverify: Run called out of order")
	}

	keys, err := v.run()
	if err != nil {
		metrics.PairVerifyAttemptsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.PairVerifyAttemptsTotal.WithLabelValues("ok").Inc()
	return keys, nil
}

func (v *Verifier) run() (*pairing.VerificationKeys, error) {
	if err := v.sendM1(); err != nil {
		return nil, err
	}
	if err := v.recvM2(); err != nil {
		return nil, err
	}
	if err := v.sendM3(); err != nil {
		return nil, err
	}
	if err := v.recvM4(); err != nil {
		return nil, err
	}

	return v.deriveKeys()
}

func (v *Verifier) sendM1() error {
	epk, esk, err := x25519kp.GenerateKeyPair()
	if err != nil {
		return err
	}
	v.epkH, v.eskH = epk, esk

	items := []codec.TLV8Item{
		{Type: codec.TLV8TypeState, Value: []byte{pvStateInit}},
		{Type: codec.TLV8TypePublicKey, Value: epk},
	}
	if err := v.sendTLV8(items); err != nil {
		return err
	}
	v.state = StateM1Sent
	return nil
}

func (v *Verifier) recvM2() error {
	if v.state != StateM1Sent {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: recvM2 called out of order")
	}

	items, err := v.recvTLV8()
	if err != nil {
		return err
	}

	state, ok := codec.GetTLV8(items, codec.TLV8TypeState)
	if !ok || len(state) != 1 || state[0] != pvStatePeerReply {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: expected M2 state=2")
	}
	epkD, ok := codec.GetTLV8(items, codec.TLV8TypePublicKey)
	if !ok || len(epkD) != x25519kp.KeySize {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: M2 missing public_key")
	}
	encryptedData, ok := codec.GetTLV8(items, codec.TLV8TypeEncryptedData)
	if !ok {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: M2 missing encrypted_data")
	}

	shared, err := x25519kp.ECDH(v.eskH, epkD)
	if err != nil {
		return err
	}
	v.shared = shared
	v.epkD = epkD

	sessionKey := derive(shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	nonce := padNonce("PV-Msg02")

	inner, err := aead.Decrypt(v.logger, sessionKey, nonce, nil, encryptedData)
	if err != nil {
		return rxpcerr.Wrap(rxpcerr.Cryptography, "pairverify: M2 decrypt", err)
	}

	innerItems, err := codec.DecodeTLV8(inner)
	if err != nil {
		return rxpcerr.Wrap(rxpcerr.Protocol, "pairverify: M2 inner TLV8", err)
	}
	identifier, ok := codec.GetTLV8(innerItems, codec.TLV8TypeIdentity)
	if !ok {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: M2 inner missing identifier")
	}
	signature, ok := codec.GetTLV8(innerItems, codec.TLV8TypeSignature)
	if !ok {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: M2 inner missing signature")
	}

	transcript := make([]byte, 0, len(epkD)+len(identifier)+len(v.epkH))
	transcript = append(transcript, epkD...)
	transcript = append(transcript, identifier...)
	transcript = append(transcript, v.epkH...)

	if len(v.params.PeerLongTermKey) != ed25519.PublicKeySize || !ed25519.Verify(v.params.PeerLongTermKey, transcript, signature) {
		return rxpcerr.New(rxpcerr.Cryptography, "pairverify: M2 signature verification failed")
	}

	v.state = StateM2Received
	return nil
}

func (v *Verifier) sendM3() error {
	if v.state != StateM2Received {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: sendM3 called out of order")
	}
	if err := v.params.Identity.Validate(); err != nil {
		return err
	}

	if v.epkD == nil {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: peer public key not yet received")
	}

	transcript := make([]byte, 0, len(v.epkH)+len(v.params.HostIdentifier)+len(v.epkD))
	transcript = append(transcript, v.epkH...)
	transcript = append(transcript, v.params.HostIdentifier...)
	transcript = append(transcript, v.epkD...)

	signature := ed25519.Sign(ed25519.NewKeyFromSeed(v.params.Identity.LongTermSecretKey), transcript)

	innerItems := []codec.TLV8Item{
		{Type: codec.TLV8TypeIdentity, Value: []byte(v.params.HostIdentifier)},
		{Type: codec.TLV8TypeSignature, Value: signature},
	}
	inner := codec.EncodeTLV8(innerItems)

	sessionKey := derive(v.shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")
	nonce := padNonce("PV-Msg03")
	encryptedData, err := aead.Encrypt(sessionKey, nonce, nil, inner)
	if err != nil {
		return rxpcerr.Wrap(rxpcerr.Cryptography, "pairverify: M3 encrypt", err)
	}

	items := []codec.TLV8Item{
		{Type: codec.TLV8TypeState, Value: []byte{pvStateHostReply}},
		{Type: codec.TLV8TypeEncryptedData, Value: encryptedData},
	}
	if err := v.sendTLV8(items); err != nil {
		return err
	}
	v.state = StateM3Sent
	return nil
}

func (v *Verifier) recvM4() error {
	if v.state != StateM3Sent {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: recvM4 called out of order")
	}
	items, err := v.recvTLV8()
	if err != nil {
		return err
	}
	state, ok := codec.GetTLV8(items, codec.TLV8TypeState)
	if !ok || len(state) != 1 || state[0] != pvStateFinal {
		return rxpcerr.New(rxpcerr.Protocol, "pairverify: expected M4 state=4")
	}
	v.state = StateEstablished
	return nil
}

func (v *Verifier) deriveKeys() (*pairing.VerificationKeys, error) {
	return &pairing.VerificationKeys{
		SharedSecret:        v.shared,
		ClientEncryptionKey: derive(v.shared, "ClientEncrypt-main", "ClientEncrypt-Sub"),
		ServerEncryptionKey: derive(v.shared, "ServerEncrypt-main", "ServerEncrypt-Sub"),
		PSK:                 derive(v.shared, "RemotePairingCDXKit", "RemotePairingCDXKit"),
	}, nil
}

func (v *Verifier) sendTLV8(items []codec.TLV8Item) error {
	return v.t.Send(frame{Data: base64.StdEncoding.EncodeToString(codec.EncodeTLV8(items))})
}

func (v *Verifier) recvTLV8() ([]codec.TLV8Item, error) {
	var f frame
	if err := v.t.Receive(&f); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "pairverify: base64 decode frame", err)
	}
	items, err := codec.DecodeTLV8(raw)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "pairverify: decode TLV8 frame", err)
	}
	return items, nil
}

// derive runs HKDF-SHA512 with the given salt/info strings over shared,
// producing a 32-byte key.
func derive(shared []byte, salt, info string) []byte {
	r := hkdf.New(newSHA512, shared, []byte(salt), []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("hkdf: short read from an infinite stream: " + err.Error())
	}
	return out
}

// padNonce pads an 8-byte ASCII tag ("PV-Msg02"/"PV-Msg03") to the
// 12-byte ChaCha20-Poly1305 nonce size.
func padNonce(tag string) []byte {
	nonce := make([]byte, aead.NonceSize)
	copy(nonce, tag)
	return nonce
}

func newSHA512() hash.Hash {
	return sha512.New()
}
