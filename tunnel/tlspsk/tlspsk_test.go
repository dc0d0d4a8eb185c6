package tlspsk

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestDialUnreachableSurfacesNetworkError(t *testing.T) {
	// Pick a port nothing is listening on.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // closed immediately: nothing answers this address now

	_, err = Dial(addr, []byte("psk"), 200*time.Millisecond)
	if err == nil {
		t.Fatal("expected an error dialing a closed port")
	}
	if errors.Is(err, ErrPskCipherUnavailable) {
		t.Fatal("connection-refused should not classify as PskCipherUnavailable")
	}
}

func TestIsNoSharedCipherErrorMatchesKnownMessages(t *testing.T) {
	cases := []struct {
		msg   string
		match bool
	}{
		{"tls: no cipher suite supported by both client and server", true},
		{"remote error: tls: handshake failure (cipher suite mismatch)", true},
		{"connection reset by peer", false},
		{"i/o timeout", false},
	}
	for _, c := range cases {
		got := isNoSharedCipherError(errors.New(c.msg))
		if got != c.match {
			t.Errorf("isNoSharedCipherError(%q) = %v, want %v", c.msg, got, c.match)
		}
	}
}

// fakePSKServer plays the device side of the TLS-PSK handshake against
// Dial's client side, so the exchange can be driven end-to-end over an
// in-process pipe without a real device or a certificate.
type fakePSKServer struct {
	conn net.Conn
	psk  []byte
}

// run performs the server half of the handshake and then one
// application-data round trip, returning the first error encountered
// instead of failing the test directly so it can run on a goroutine.
func (s *fakePSKServer) run() error {
	rio := &recordIO{conn: s.conn}
	transcript := sha256.New()

	mt, _, raw, err := rio.nextHandshakeMessage()
	if err != nil {
		return fmt.Errorf("server read client hello: %w", err)
	}
	if mt != msgClientHello {
		return fmt.Errorf("server: expected client hello, got %d", mt)
	}
	clientRandom := append([]byte(nil), raw[4+2:4+2+32]...)
	transcript.Write(raw)

	serverRandom := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, serverRandom); err != nil {
		return fmt.Errorf("server random: %w", err)
	}

	const suite = SuitePSKWithAES128CBCSHA
	shBody := append([]byte{3, 3}, serverRandom...)
	shBody = append(shBody, 0, byte(suite>>8), byte(suite), 0)
	shMsg := handshakeMessage(msgServerHello, shBody)
	if err := writeRawRecord(s.conn, recordHandshake, shMsg); err != nil {
		return fmt.Errorf("server write server hello: %w", err)
	}
	transcript.Write(shMsg)

	skeMsg := handshakeMessage(msgServerKeyExchange, []byte{0, 0})
	if err := writeRawRecord(s.conn, recordHandshake, skeMsg); err != nil {
		return fmt.Errorf("server write server key exchange: %w", err)
	}
	transcript.Write(skeMsg)

	shdMsg := handshakeMessage(msgServerHelloDone, nil)
	if err := writeRawRecord(s.conn, recordHandshake, shdMsg); err != nil {
		return fmt.Errorf("server write server hello done: %w", err)
	}
	transcript.Write(shdMsg)

	mt, _, raw, err = rio.nextHandshakeMessage()
	if err != nil {
		return fmt.Errorf("server read client key exchange: %w", err)
	}
	if mt != msgClientKeyExchange {
		return fmt.Errorf("server: expected client key exchange, got %d", mt)
	}
	transcript.Write(raw)

	keyLen, _ := suiteKeyLen(suite)
	premaster := pskPremasterSecret(s.psk)
	masterSecret := prf(premaster, "master secret", concat(clientRandom, serverRandom), 48)
	keyBlock := prf(masterSecret, "key expansion", concat(serverRandom, clientRandom), 2*sha1.Size+2*keyLen)
	clientMAC := keyBlock[0:sha1.Size]
	serverMAC := keyBlock[sha1.Size : 2*sha1.Size]
	clientKey := keyBlock[2*sha1.Size : 2*sha1.Size+keyLen]
	serverKey := keyBlock[2*sha1.Size+keyLen : 2*sha1.Size+2*keyLen]

	// From the server's point of view its own outgoing records use
	// serverKey/serverMAC and incoming ones use clientKey/clientMAC, the
	// mirror image of the client's conn — so the same record-protection
	// type serves both ends of the test.
	c := &conn{raw: s.conn, clientWriteKey: serverKey, serverWriteKey: clientKey, clientWriteMAC: serverMAC, serverWriteMAC: clientMAC}

	ct, payload, err := readRawRecord(s.conn)
	if err != nil {
		return fmt.Errorf("server read change cipher spec: %w", err)
	}
	if ct != recordChangeCipherSpec || len(payload) != 1 || payload[0] != 1 {
		return fmt.Errorf("server: expected change cipher spec")
	}

	ct, payload, err = readRawRecord(s.conn)
	if err != nil {
		return fmt.Errorf("server read client finished: %w", err)
	}
	if ct != recordHandshake {
		return fmt.Errorf("server: expected finished record")
	}
	plain, err := c.decryptRecord(recordHandshake, payload)
	if err != nil {
		return fmt.Errorf("server decrypt client finished: %w", err)
	}
	expected := prf(masterSecret, "client finished", transcript.Sum(nil), 12)
	if !bytes.Equal(plain[4:], expected) {
		return fmt.Errorf("server: client finished does not verify")
	}
	transcript.Write(plain)

	if err := writeRawRecord(s.conn, recordChangeCipherSpec, []byte{1}); err != nil {
		return fmt.Errorf("server write change cipher spec: %w", err)
	}

	serverVerify := prf(masterSecret, "server finished", transcript.Sum(nil), 12)
	finMsg := handshakeMessage(msgFinished, serverVerify)
	encFin, err := c.encryptRecord(recordHandshake, finMsg)
	if err != nil {
		return fmt.Errorf("server encrypt finished: %w", err)
	}
	if err := writeRawRecord(s.conn, recordHandshake, encFin); err != nil {
		return fmt.Errorf("server write finished: %w", err)
	}

	ct, payload, err = readRawRecord(s.conn)
	if err != nil {
		return fmt.Errorf("server read application data: %w", err)
	}
	if ct != recordApplicationData {
		return fmt.Errorf("server: expected application data")
	}
	req, err := c.decryptRecord(recordApplicationData, payload)
	if err != nil {
		return fmt.Errorf("server decrypt application data: %w", err)
	}
	if string(req) != "ping" {
		return fmt.Errorf("server: got %q, want %q", req, "ping")
	}
	resp, err := c.encryptRecord(recordApplicationData, []byte("pong"))
	if err != nil {
		return fmt.Errorf("server encrypt response: %w", err)
	}
	return writeRawRecord(s.conn, recordApplicationData, resp)
}

func TestDialPerformsAuthenticatedPSKHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	psk := []byte("a shared secret known to both sides")
	server := &fakePSKServer{conn: serverConn, psk: psk}
	serverErrCh := make(chan error, 1)
	go func() {
		err := server.run()
		serverConn.Close() // unblock the client if the server bailed early
		serverErrCh <- err
	}()

	conn, err := clientHandshake(clientConn, psk)
	if err != nil {
		t.Fatalf("clientHandshake: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want %q", buf, "pong")
	}

	if err := <-serverErrCh; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestDialRejectsWrongPSK(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := &fakePSKServer{conn: serverConn, psk: []byte("server side secret")}
	go func() {
		server.run()
		serverConn.Close() // unblock the client once the server has bailed out
	}()

	conn, err := clientHandshake(clientConn, []byte("a different secret the client has"))
	if err == nil {
		conn.Close()
		t.Fatal("expected an error when the client's psk does not match the server's")
	}
	// The server derives different record keys from its own psk, so its
	// Finished MAC (or the record carrying it) never verifies against
	// what the client expects — whether that surfaces first as this
	// package's own cryptography error or as the pipe closing out from
	// under the client, Dial must never hand back a usable connection.
}

func TestSuitesPreferenceOrder(t *testing.T) {
	want := []uint16{
		SuitePSKWithAES256CBCSHA,
		SuitePSKWithAES128CBCSHA,
		SuitePSKWith3DESEDECBCSHA,
		SuitePSKWithRC4SHA,
	}
	if len(Suites) != len(want) {
		t.Fatalf("Suites has %d entries, want %d", len(Suites), len(want))
	}
	for i, s := range want {
		if Suites[i] != s {
			t.Fatalf("Suites[%d] = 0x%04x, want 0x%04x", i, Suites[i], s)
		}
	}
}
