// Package transport implements the framed control-plane transport
// pair-verify and tunnel setup speak over: magic("RPPairing") ‖
// length(BE u16) ‖ JSON body framing, lockstep request/response
// discipline, and timeout/close error surfacing. The underlying socket
// is never exposed; the wrapper is a pair of send/receive methods.
package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gosuda/rxpc/rxpcerr"
)

// Magic is the fixed ASCII preamble of every control-plane frame.
const Magic = "RPPairing"

// DefaultTimeout is the read/write deadline applied to every frame when
// the caller doesn't override it.
const DefaultTimeout = 30 * time.Second

// Transport is a lockstep, JSON-body, length-prefixed control channel.
// At most one request may be outstanding at a time; Send and Receive
// must always be called in strict alternation from the caller's
// perspective, and the internal mutex enforces that only one frame is
// in flight on the wire at once.
type Transport struct {
	conn    net.Conn
	timeout time.Duration
	mu      sync.Mutex
}

// New wraps conn in a Transport using DefaultTimeout.
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn, timeout: DefaultTimeout}
}

// SetTimeout overrides the per-frame read/write deadline.
func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

// Send serializes obj to JSON and writes it as one frame.
func (t *Transport) Send(obj any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	body, err := json.Marshal(obj)
	if err != nil {
		return rxpcerr.Wrap(rxpcerr.Protocol, "transport: marshal body", err)
	}
	if len(body) > 0xFFFF {
		return rxpcerr.New(rxpcerr.Protocol, "transport: body exceeds u16 length field")
	}

	frame := make([]byte, 0, len(Magic)+2+len(body))
	frame = append(frame, Magic...)
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(body)))
	frame = append(frame, body...)

	if err := t.setDeadline(); err != nil {
		return err
	}
	if _, err := t.conn.Write(frame); err != nil {
		return classifyIOError(err)
	}
	return nil
}

// Receive reads exactly one frame and unmarshals its JSON body into out.
func (t *Transport) Receive(out any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.setDeadline(); err != nil {
		return err
	}

	header := make([]byte, len(Magic)+2)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return classifyIOError(err)
	}
	if !bytes.Equal(header[:len(Magic)], []byte(Magic)) {
		return rxpcerr.New(rxpcerr.Protocol, "transport: bad frame magic")
	}
	length := binary.BigEndian.Uint16(header[len(Magic):])

	body := make([]byte, length)
	if _, err := io.ReadFull(t.conn, body); err != nil {
		return classifyIOError(err)
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return rxpcerr.Wrap(rxpcerr.Protocol, "transport: unmarshal body", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

func (t *Transport) setDeadline() error {
	if t.timeout <= 0 {
		return nil
	}
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return rxpcerr.Wrap(rxpcerr.Network, "transport: set deadline", err)
	}
	return nil
}

func classifyIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return rxpcerr.Wrap(rxpcerr.Timeout, "transport: operation timed out", err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return rxpcerr.Wrap(rxpcerr.Network, "transport: peer closed connection", err)
	}
	return rxpcerr.Wrap(rxpcerr.Network, "transport: io error", err)
}
