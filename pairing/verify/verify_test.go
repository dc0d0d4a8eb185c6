package verify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gosuda/rxpc/core/aead"
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/core/x25519kp"
	"github.com/gosuda/rxpc/pairing"
	"github.com/gosuda/rxpc/pairing/transport"
)

// fakeDevice plays the device side of pair-verify against the Verifier
// (host side) under test, so the exchange can be driven end-to-end over
// an in-process pipe without a real device.
type fakeDevice struct {
	t          *transport.Transport
	identifier string
	ltsk       ed25519.PrivateKey
	hostLTPK   ed25519.PublicKey
	epkD, eskD []byte
}

// run plays the device side of one pair-verify exchange, returning the
// first error encountered instead of failing a test directly so it can
// be driven from a background goroutine.
func (d *fakeDevice) run() error {
	var m1 frame
	if err := d.t.Receive(&m1); err != nil {
		return fmt.Errorf("device receive M1: %w", err)
	}
	m1Raw, err := base64.StdEncoding.DecodeString(m1.Data)
	if err != nil {
		return fmt.Errorf("device decode M1 base64: %w", err)
	}
	m1Items, err := codec.DecodeTLV8(m1Raw)
	if err != nil {
		return fmt.Errorf("device decode M1 TLV8: %w", err)
	}
	epkH, ok := codec.GetTLV8(m1Items, codec.TLV8TypePublicKey)
	if !ok {
		return fmt.Errorf("device: M1 missing public_key")
	}

	epkD, eskD, err := x25519kp.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("device keygen: %w", err)
	}
	d.epkD, d.eskD = epkD, eskD

	shared, err := x25519kp.ECDH(eskD, epkH)
	if err != nil {
		return fmt.Errorf("device ecdh: %w", err)
	}

	sessionKey := derive(shared, "Pair-Verify-Encrypt-Salt", "Pair-Verify-Encrypt-Info")

	transcript := append(append(append([]byte{}, epkD...), []byte(d.identifier)...), epkH...)
	sig := ed25519.Sign(d.ltsk, transcript)
	inner := codec.EncodeTLV8([]codec.TLV8Item{
		{Type: codec.TLV8TypeIdentity, Value: []byte(d.identifier)},
		{Type: codec.TLV8TypeSignature, Value: sig},
	})
	encryptedData, err := aead.Encrypt(sessionKey, padNonce("PV-Msg02"), nil, inner)
	if err != nil {
		return fmt.Errorf("device encrypt M2: %w", err)
	}

	m2 := codec.EncodeTLV8([]codec.TLV8Item{
		{Type: codec.TLV8TypeState, Value: []byte{pvStatePeerReply}},
		{Type: codec.TLV8TypePublicKey, Value: epkD},
		{Type: codec.TLV8TypeEncryptedData, Value: encryptedData},
	})
	if err := d.t.Send(frame{Data: base64.StdEncoding.EncodeToString(m2)}); err != nil {
		return fmt.Errorf("device send M2: %w", err)
	}

	var m3 frame
	if err := d.t.Receive(&m3); err != nil {
		return fmt.Errorf("device receive M3: %w", err)
	}
	m3Raw, err := base64.StdEncoding.DecodeString(m3.Data)
	if err != nil {
		return fmt.Errorf("device decode M3 base64: %w", err)
	}
	m3Items, err := codec.DecodeTLV8(m3Raw)
	if err != nil {
		return fmt.Errorf("device decode M3 TLV8: %w", err)
	}
	m3Encrypted, ok := codec.GetTLV8(m3Items, codec.TLV8TypeEncryptedData)
	if !ok {
		return fmt.Errorf("device: M3 missing encrypted_data")
	}
	m3Inner, err := aead.Decrypt(zerolog.Nop(), sessionKey, padNonce("PV-Msg03"), nil, m3Encrypted)
	if err != nil {
		return fmt.Errorf("device decrypt M3: %w", err)
	}
	m3InnerItems, err := codec.DecodeTLV8(m3Inner)
	if err != nil {
		return fmt.Errorf("device decode M3 inner: %w", err)
	}
	hostIdentifier, _ := codec.GetTLV8(m3InnerItems, codec.TLV8TypeIdentity)
	hostSig, _ := codec.GetTLV8(m3InnerItems, codec.TLV8TypeSignature)

	hostTranscript := append(append(append([]byte{}, epkH...), hostIdentifier...), epkD...)
	if !ed25519.Verify(d.hostLTPK, hostTranscript, hostSig) {
		return fmt.Errorf("device: host M3 signature failed to verify")
	}

	m4 := codec.EncodeTLV8([]codec.TLV8Item{
		{Type: codec.TLV8TypeState, Value: []byte{pvStateFinal}},
	})
	if err := d.t.Send(frame{Data: base64.StdEncoding.EncodeToString(m4)}); err != nil {
		return fmt.Errorf("device send M4: %w", err)
	}
	return nil
}

// TestDeriveMatchesNamedSaltInfo pins the three key-derivation calls to
// their literal salt/info strings: a fixed shared secret must
// always produce the same three 32-byte keys, and changing any of the
// three name strings must change the corresponding key.
func TestDeriveMatchesNamedSaltInfo(t *testing.T) {
	shared := bytes.Repeat([]byte{0x42}, 32)

	client := derive(shared, "ClientEncrypt-main", "ClientEncrypt-Sub")
	server := derive(shared, "ServerEncrypt-main", "ServerEncrypt-Sub")
	psk := derive(shared, "RemotePairingCDXKit", "RemotePairingCDXKit")

	if len(client) != 32 || len(server) != 32 || len(psk) != 32 {
		t.Fatalf("unexpected key lengths: client=%d server=%d psk=%d", len(client), len(server), len(psk))
	}

	// Deterministic: re-deriving with the same inputs reproduces the same key.
	again := derive(shared, "ClientEncrypt-main", "ClientEncrypt-Sub")
	if !bytes.Equal(client, again) {
		t.Fatal("derive is not deterministic for identical inputs")
	}

	// Sensitive to the salt/info strings themselves.
	if bytes.Equal(client, server) || bytes.Equal(client, psk) || bytes.Equal(server, psk) {
		t.Fatal("distinct salt/info pairs must not collide")
	}

	// deriveKeys uses exactly these three salt/info pairs.
	keys, err := (&Verifier{shared: shared}).deriveKeys()
	if err != nil {
		t.Fatalf("deriveKeys: %v", err)
	}
	if !bytes.Equal(keys.ClientEncryptionKey, client) || !bytes.Equal(keys.ServerEncryptionKey, server) || !bytes.Equal(keys.PSK, psk) {
		t.Fatal("deriveKeys does not match derive over the named salt/info strings")
	}
}

func TestPairVerifyHappyPath(t *testing.T) {
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("host keygen: %v", err)
	}
	devicePub, devicePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("device keygen: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	identity := &pairing.DeviceIdentity{
		Identifier:        "host-0001",
		LongTermPublicKey: hostPub,
		LongTermSecretKey: hostPriv.Seed(),
	}

	verifier := New(transport.New(clientConn), Params{
		Identity:        identity,
		PeerLongTermKey: devicePub,
		HostIdentifier:  "host-0001",
	}, zerolog.Nop())

	device := &fakeDevice{
		t:          transport.New(serverConn),
		identifier: "device-0001",
		ltsk:       devicePriv,
		hostLTPK:   hostPub,
	}

	deviceErr := make(chan error, 1)
	go func() { deviceErr <- device.run() }()

	keys, err := verifier.Run()
	if derr := <-deviceErr; derr != nil {
		t.Fatalf("device side: %v", derr)
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(keys.ClientEncryptionKey) != 32 || len(keys.ServerEncryptionKey) != 32 || len(keys.PSK) != 32 {
		t.Fatalf("unexpected derived key sizes: %+v", keys)
	}
	if bytes.Equal(keys.ClientEncryptionKey, keys.ServerEncryptionKey) {
		t.Fatal("client and server encryption keys must differ")
	}
	if bytes.Equal(keys.ClientEncryptionKey, keys.PSK) {
		t.Fatal("encryption key and psk must differ")
	}
}

func TestPairVerifyRejectsWrongPeerSignature(t *testing.T) {
	hostPub, hostPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("host keygen: %v", err)
	}
	_, devicePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("device keygen: %v", err)
	}
	wrongDevicePub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("wrong device keygen: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	identity := &pairing.DeviceIdentity{
		Identifier:        "host-0002",
		LongTermPublicKey: hostPub,
		LongTermSecretKey: hostPriv.Seed(),
	}

	verifier := New(transport.New(clientConn), Params{
		Identity:        identity,
		PeerLongTermKey: wrongDevicePub, // does not match the device's actual key below
		HostIdentifier:  "host-0002",
	}, zerolog.Nop())

	device := &fakeDevice{
		t:          transport.New(serverConn),
		identifier: "device-0002",
		ltsk:       devicePriv,
		hostLTPK:   hostPub,
	}

	deviceErr := make(chan error, 1)
	go func() { deviceErr <- device.run() }()

	if _, err := verifier.Run(); err == nil {
		t.Fatal("expected verification failure with mismatched peer key")
	}
	clientConn.Close()
	serverConn.Close()
	<-deviceErr // device's blocked M3 receive fails once the host closes the pipe; drain it
}
