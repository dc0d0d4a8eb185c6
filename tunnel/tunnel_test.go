package tunnel

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/rs/zerolog"

	"github.com/gosuda/rxpc/core/aead"
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/pairing"
	"github.com/gosuda/rxpc/pairing/transport"
)

func testKeys() *pairing.VerificationKeys {
	return &pairing.VerificationKeys{
		SharedSecret:        make([]byte, 32),
		ClientEncryptionKey: fill(1),
		ServerEncryptionKey: fill(2),
		PSK:                 fill(3),
	}
}

func fill(b byte) []byte {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

// fakeListenerDevice plays the device side of one createListener
// exchange: decrypt the request, verify its shape, encrypt a canned
// response.
func fakeListenerDevice(t *testing.T, conn net.Conn, keys *pairing.VerificationKeys) error {
	tr := transport.New(conn)

	var req encryptedFrame
	if err := tr.Receive(&req); err != nil {
		return err
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		return err
	}
	plaintext, err := aead.Decrypt(zerolog.Nop(), keys.ClientEncryptionKey, sequenceNonce(0), nil, ciphertext)
	if err != nil {
		return err
	}
	decoded, _, err := codec.Decode(plaintext)
	if err != nil {
		return err
	}
	m, ok := decoded.(*codec.Map)
	if !ok {
		t.Fatal("device: request is not a mapping")
	}
	if _, ok := m.Get("key"); !ok {
		t.Fatal("device: request missing key field")
	}

	resp := codec.NewMap().
		Set("port", int64(62078)).
		Set("serviceName", "com.apple.rxpc.tunnel").
		Set("devicePublicKey", "deadbeef")
	respPayload, err := codec.Encode(resp)
	if err != nil {
		return err
	}
	respCiphertext, err := aead.Encrypt(keys.ServerEncryptionKey, sequenceNonce(0), nil, respPayload)
	if err != nil {
		return err
	}
	return tr.Send(encryptedFrame{Data: base64.StdEncoding.EncodeToString(respCiphertext)})
}

func TestCreateListenerHappyPath(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	keys := testKeys()
	session := NewSession(transport.New(clientConn), keys, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- fakeListenerDevice(t, serverConn, keys) }()

	info, err := session.CreateListener()
	if derr := <-done; derr != nil {
		t.Fatalf("device side: %v", derr)
	}
	if err != nil {
		t.Fatalf("CreateListener: %v", err)
	}

	if info.Port != 62078 || info.ServiceName != "com.apple.rxpc.tunnel" || info.DevicePublicKey != "deadbeef" {
		t.Fatalf("unexpected listener info: %+v", info)
	}
}

func TestSequenceNonceLayout(t *testing.T) {
	nonce := sequenceNonce(1)
	if nonce[0] != 1 {
		t.Fatalf("expected little-endian sequence in first byte, got %x", nonce[0])
	}
	for _, b := range nonce[8:] {
		if b != 0 {
			t.Fatalf("expected trailing 4 bytes to be zero, got %x", nonce)
		}
	}
	if len(nonce) != aead.NonceSize {
		t.Fatalf("nonce length = %d, want %d", len(nonce), aead.NonceSize)
	}
}

func TestSessionSequenceCountersPostIncrement(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	keys := testKeys()
	session := NewSession(transport.New(clientConn), keys, zerolog.Nop())

	if session.localSeq.EncryptedSeq != 0 || session.remoteSeq.EncryptedSeq != 0 {
		t.Fatal("expected both sequence counters to start at 0")
	}

	done := make(chan error, 1)
	go func() { done <- fakeListenerDevice(t, serverConn, keys) }()

	if _, err := session.CreateListener(); err != nil {
		t.Fatalf("CreateListener: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("device side: %v", err)
	}

	if session.localSeq.EncryptedSeq != 1 || session.remoteSeq.EncryptedSeq != 1 {
		t.Fatalf("expected both counters post-incremented to 1, got local=%d remote=%d",
			session.localSeq.EncryptedSeq, session.remoteSeq.EncryptedSeq)
	}
}
