// Package tunnel issues the createListener control-plane request: an
// OPACK2-framed request, encrypted under the pair-verify session keys,
// that asks the device to open the TCP listener the TLS-PSK data
// channel will later connect to.
package tunnel

import (
	"encoding/base64"
	"os"

	"github.com/rs/zerolog"

	"github.com/gosuda/rxpc/core/aead"
	"github.com/gosuda/rxpc/core/codec"
	"github.com/gosuda/rxpc/internal/metrics"
	"github.com/gosuda/rxpc/pairing"
	"github.com/gosuda/rxpc/pairing/transport"
	"github.com/gosuda/rxpc/rxpcerr"
)

// encryptedFrame is the JSON envelope the tunnel request/response travel
// in, identical in shape to pairverify's frame but kept as its own type:
// the two packages have no other coupling and nothing is gained by
// sharing a type across them for one field.
type encryptedFrame struct {
	Data string `json:"data"`
}

// ListenerInfo is the device's createListener response.
type ListenerInfo struct {
	Port            int
	ServiceName     string
	DevicePublicKey string
}

// Session wires together the control transport and the two independent
// sequence counters each direction maintains post pair-verify: localSeq
// counts messages the host itself sends, remoteSeq counts messages the
// device has sent (needed to derive the nonce the device encrypted its
// replies with). Each side maintains its own counter on receive for
// nonce derivation, so the two directions are independent
// SequenceCounters values.
type Session struct {
	t         *transport.Transport
	keys      *pairing.VerificationKeys
	localSeq  pairing.SequenceCounters
	remoteSeq pairing.SequenceCounters
	logger    zerolog.Logger
}

// NewSession constructs a tunnel Session over an already pair-verified
// control transport.
func NewSession(t *transport.Transport, keys *pairing.VerificationKeys, logger zerolog.Logger) *Session {
	return &Session{t: t, keys: keys, logger: logger}
}

// CreateListener sends the createListener request and returns the
// device's response.
func (s *Session) CreateListener() (*ListenerInfo, error) {
	req := codec.NewMap().
		Set("key", base64.StdEncoding.EncodeToString(s.keys.PSK)).
		Set("transportProtocolType", "tcp").
		Set("peerConnectionsInfo", []any{
			codec.NewMap().
				Set("owningProcessName", ownProcessName()).
				Set("owningPID", int64(os.Getpid())),
		})

	payload, err := codec.Encode(req)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "tunnel: encode createListener request", err)
	}

	localSeq := s.localSeq.NextEncrypted()
	metrics.TunnelSequence.WithLabelValues("local").Set(float64(localSeq))
	nonce := sequenceNonce(localSeq)
	ciphertext, err := aead.Encrypt(s.keys.ClientEncryptionKey, nonce, nil, payload)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Cryptography, "tunnel: encrypt createListener request", err)
	}

	if err := s.t.Send(encryptedFrame{Data: base64.StdEncoding.EncodeToString(ciphertext)}); err != nil {
		return nil, err
	}

	var resp encryptedFrame
	if err := s.t.Receive(&resp); err != nil {
		return nil, err
	}
	respCiphertext, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "tunnel: base64 decode response", err)
	}

	remoteSeq := s.remoteSeq.NextEncrypted()
	metrics.TunnelSequence.WithLabelValues("remote").Set(float64(remoteSeq))
	respNonce := sequenceNonce(remoteSeq)
	plaintext, err := aead.Decrypt(s.logger, s.keys.ServerEncryptionKey, respNonce, nil, respCiphertext)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Cryptography, "tunnel: decrypt createListener response", err)
	}

	decoded, _, err := codec.Decode(plaintext)
	if err != nil {
		return nil, rxpcerr.Wrap(rxpcerr.Protocol, "tunnel: decode createListener response", err)
	}
	m, ok := decoded.(*codec.Map)
	if !ok {
		return nil, rxpcerr.New(rxpcerr.Protocol, "tunnel: createListener response is not a mapping")
	}

	info := &ListenerInfo{}
	if v, ok := m.Get("port"); ok {
		info.Port = int(toInt64(v))
	}
	if v, ok := m.Get("serviceName"); ok {
		if s, ok := v.(string); ok {
			info.ServiceName = s
		}
	}
	if v, ok := m.Get("devicePublicKey"); ok {
		if s, ok := v.(string); ok {
			info.DevicePublicKey = s
		}
	}
	return info, nil
}

// sequenceNonce builds the 12-byte AEAD nonce: the little-endian 8-byte
// sequence number followed by 4 zero bytes.
func sequenceNonce(seq uint64) []byte {
	nonce := make([]byte, aead.NonceSize)
	for i := 0; i < 8; i++ {
		nonce[i] = byte(seq >> (8 * i))
	}
	return nonce
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func ownProcessName() string {
	exe, err := os.Executable()
	if err != nil {
		return "rxpc"
	}
	return exe
}
