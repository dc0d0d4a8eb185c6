package dtx

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gosuda/rxpc/dtx/nskeyed"
	"github.com/gosuda/rxpc/internal/metrics"
	"github.com/gosuda/rxpc/rxpcerr"
)

// DefaultDeadline is the per-operation deadline applied when a caller
// doesn't override it.
const DefaultDeadline = 30 * time.Second

// BroadcastChannel is channel code 0, reserved for handshake and
// channel-lifecycle selectors.
const BroadcastChannel int32 = 0

const (
	selNotifyCapabilities = "_notifyOfPublishedCapabilities:"
	selRequestChannel     = "_requestChannelWithCode:identifier:"
	selChannelCanceled    = "_channelCanceled:"
)

// Message is a fully reassembled, decoded DTX message handed back to a
// caller: the wire header plus its aux items and its unarchived
// object_data. Selector is a convenience: when object_data archives a
// bare string (every request this package itself issues does), Selector
// holds it directly so callers don't need to type-assert Object.
type Message struct {
	Header   Header
	Aux      []AuxItem
	Object   any
	Selector string
}

// Session is the DTX multiplexer: one socket, one goroutine-owning
// caller serializing every send/recv behind mu, a monotonic message id
// and channel code counter, a channel name/fragmenter map, and the
// handshake capability set.
//
// The socket may carry post-handshake frames that arrived before the
// handshake reply was fully consumed, so the read path needs a
// carry-over byte buffer shared across calls. Reading through a single
// bufio.Reader for the session's lifetime satisfies that: its internal
// buffer *is* the carry-over, shared by every Handshake/RequestChannel/
// RecvOn call against the same Session.
type Session struct {
	mu sync.Mutex

	conn net.Conn
	r    *bufio.Reader

	nextMessageID   uint32
	nextChannelCode int32

	channelMap  map[string]int32
	fragmenters map[int32]*Fragmenter

	capabilities map[string]struct{}
	handshakeOK  bool

	codec    nskeyed.Codec
	deadline time.Duration
	logger   zerolog.Logger
}

// NewSession wraps an already-connected socket (the TLS-PSK data
// channel) as a DTX session. codec may be nil to use nskeyed.OpackCodec,
// this module's default opaque object_data bridge.
func NewSession(conn net.Conn, codec nskeyed.Codec, logger zerolog.Logger) *Session {
	if codec == nil {
		codec = nskeyed.OpackCodec{}
	}
	return &Session{
		conn:            conn,
		r:               bufio.NewReader(conn),
		nextChannelCode: 1,
		channelMap:      make(map[string]int32),
		fragmenters:     map[int32]*Fragmenter{BroadcastChannel: {}},
		capabilities:    make(map[string]struct{}),
		codec:           codec,
		deadline:        DefaultDeadline,
		logger:          logger,
	}
}

// SetDeadline overrides the per-operation deadline.
func (s *Session) SetDeadline(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = d
}

// Close tears down the underlying socket and discards every channel and
// fragmenter. The session is unusable afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelMap = nil
	s.fragmenters = nil
	s.capabilities = nil
	return s.conn.Close()
}

// Capabilities returns the identifier set the handshake reply published.
func (s *Session) Capabilities() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.capabilities))
	for k := range s.capabilities {
		out[k] = struct{}{}
	}
	return out
}

// HandshakeComplete reports whether Handshake has succeeded.
func (s *Session) HandshakeComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakeOK
}

// Handshake performs the channel-0 capability exchange: send
// _notifyOfPublishedCapabilities: with a dict aux arg,
// expect a reply with the same selector carrying the server's supported
// identifiers.
func (s *Session) Handshake() error {
	dict := nskeyed.NewMap().
		Set("com.apple.private.DTXBlockCompression", int64(0)).
		Set("com.apple.private.DTXConnection", int64(1))
	archived, err := s.marshalObject(dict)
	if err != nil {
		return err
	}

	if _, err := s.sendOn(BroadcastChannel, selNotifyCapabilities, []AuxItem{NewObjectAux(archived)}, true); err != nil {
		return err
	}
	reply, err := s.RecvOn(BroadcastChannel)
	if err != nil {
		return rxpcerr.Wrap(rxpcerr.Dtx, "dtx: handshake reply", err)
	}
	if reply.Selector != selNotifyCapabilities {
		return rxpcerr.New(rxpcerr.Protocol, "dtx: unexpected handshake selector "+reply.Selector)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(reply.Aux) > 0 {
		caps, err := s.unarchiveObject(reply.Aux[0].Object)
		if err == nil {
			if m, ok := caps.(*nskeyed.Map); ok {
				for _, k := range m.Keys() {
					s.capabilities[k] = struct{}{}
				}
			}
		}
	}
	s.handshakeOK = true
	return nil
}

// RequestChannel allocates a new channel code and asks the device to
// bind it to identifier. A reply whose
// object_data looks like an NSError-shaped dictionary (has an
// "NSUnderlyingError" or "NSLocalizedDescription" key) surfaces as
// ErrChannelCreationFailed.
func (s *Session) RequestChannel(identifier string) (int32, error) {
	s.mu.Lock()
	code := s.nextChannelCode
	s.nextChannelCode++
	s.channelMap[identifier] = code
	s.fragmenters[code] = &Fragmenter{}
	s.mu.Unlock()

	archivedID, err := s.marshalObject(identifier)
	if err != nil {
		return 0, err
	}
	aux := []AuxItem{NewInt32Aux(code), NewObjectAux(archivedID)}
	if _, err := s.sendOn(BroadcastChannel, selRequestChannel, aux, true); err != nil {
		return 0, err
	}
	reply, err := s.RecvOn(BroadcastChannel)
	if err != nil {
		return 0, rxpcerr.Wrap(rxpcerr.Dtx, "dtx: request channel reply", err)
	}
	if isNSError(reply.Object) {
		return 0, ErrChannelCreationFailed
	}
	return code, nil
}

// ErrChannelCreationFailed is raised when a _requestChannelWithCode:
// reply carries an NSError-shaped object.
var ErrChannelCreationFailed = rxpcerr.New(rxpcerr.Dtx, "dtx: channel creation failed")

func isNSError(obj any) bool {
	m, ok := obj.(*nskeyed.Map)
	if !ok {
		return false
	}
	if _, has := m.Get("NSUnderlyingError"); has {
		return true
	}
	_, has := m.Get("NSLocalizedDescription")
	return has
}

// CloseChannel sends _channelCanceled: for the given codes. It does
// not close the socket; callers close the Session
// separately once every channel they own has been cancelled.
func (s *Session) CloseChannel(codes ...int32) error {
	aux := make([]AuxItem, len(codes))
	for i, c := range codes {
		aux[i] = NewInt32Aux(c)
	}
	_, err := s.sendOn(BroadcastChannel, selChannelCanceled, aux, false)
	return err
}

// SendMessage sends selector (with aux) on channel, returning the
// message id assigned. expectsReply sets FlagExpectsReply.
func (s *Session) SendMessage(channel int32, selector string, aux []AuxItem, expectsReply bool) (uint32, error) {
	return s.sendOn(channel, selector, aux, expectsReply)
}

func (s *Session) sendOn(channel int32, selector string, aux []AuxItem, expectsReply bool) (uint32, error) {
	object, err := s.marshalObject(selector)
	if err != nil {
		return 0, err
	}
	auxBytes := EncodeAux(aux)

	flags := FlagInstruments
	var expectsReplyFlag uint32
	if expectsReply {
		flags |= FlagExpectsReply
		expectsReplyFlag = 1
	}
	payload := encodePayload(flags, auxBytes, object)

	s.mu.Lock()
	id := s.nextMessageID
	s.nextMessageID++
	conn := s.conn
	deadline := s.deadline
	s.mu.Unlock()

	hdr := Header{
		FragmentID:        0,
		FragmentCount:     1,
		PayloadLength:     uint32(len(payload)),
		MessageID:         id,
		ConversationIndex: 0,
		ChannelCode:       channel,
		ExpectsReply:      expectsReplyFlag,
	}

	if deadline > 0 {
		conn.SetWriteDeadline(time.Now().Add(deadline))
		defer conn.SetWriteDeadline(time.Time{})
	}
	wire := append(EncodeHeader(hdr), payload...)
	if _, err := conn.Write(wire); err != nil {
		return 0, classifyIOError(err)
	}
	metrics.DtxMessagesTotal.WithLabelValues("sent").Inc()
	return id, nil
}

// marshalObject archives v and encodes it through the session's Codec.
func (s *Session) marshalObject(v any) ([]byte, error) {
	return s.codec.Marshal(nskeyed.Archive(v))
}

// unarchiveObject decodes b through the session's Codec and walks the
// resulting envelope back into a plain value graph.
func (s *Session) unarchiveObject(b []byte) (any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	env, err := s.codec.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	m, ok := env.(*nskeyed.Map)
	if !ok {
		return nil, rxpcerr.New(rxpcerr.Protocol, "dtx: object_data is not an archiver envelope")
	}
	return nskeyed.Unarchive(m)
}

// RecvOn blocks until a complete message addressed to channel is
// available, buffering any other channel's traffic in its own
// Fragmenter along the way.
//
// Only one goroutine may be inside RecvOn (on any channel) for a given
// Session at a time: each session's socket has exactly one reading
// owner, and the wire stream itself has no way to interleave two
// concurrent reads safely. A multi-channel consumer calls RecvOn in a
// single dispatch loop and routes completed messages out to per-channel
// owners itself, rather than having each Instrument call RecvOn
// directly from its own goroutine.
func (s *Session) RecvOn(channel int32) (*Message, error) {
	for {
		s.mu.Lock()
		f := s.fragmenterFor(channel)
		if a, ok := f.Pop(); ok {
			s.mu.Unlock()
			metrics.DtxMessagesTotal.WithLabelValues("recv").Inc()
			return s.decodeAssembled(a)
		}
		s.mu.Unlock()

		h, payload, err := s.readOneWireMessage()
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if h.MessageID >= s.nextMessageID && h.ConversationIndex == 0 {
			s.nextMessageID = h.MessageID + 1
		}
		target := s.fragmenterFor(h.AbsChannel())
		ferr := target.Feed(h, payload)
		s.mu.Unlock()
		if ferr != nil {
			return nil, ferr
		}
		// Whatever just completed (if anything) is left queued on its
		// own channel's Fragmenter; the next loop iteration's Pop at the
		// top picks it up if it belongs to the channel this call wants,
		// otherwise it waits for that channel's own owner to call
		// RecvOn. Per-channel delivery stays FIFO either way.
	}
}

// fragmenterFor returns (creating if needed) the Fragmenter for abs
// channel code ch. Must be called with mu held.
func (s *Session) fragmenterFor(ch int32) *Fragmenter {
	f, ok := s.fragmenters[ch]
	if !ok {
		f = &Fragmenter{}
		s.fragmenters[ch] = f
	}
	return f
}

func (s *Session) decodeAssembled(a assembled) (*Message, error) {
	dp, err := decodePayload(a.Payload)
	if err != nil {
		return nil, err
	}
	aux, _, err := DecodeAux(dp.Aux)
	if err != nil {
		return nil, err
	}
	obj, err := s.unarchiveObject(dp.Object)
	if err != nil {
		return nil, err
	}
	msg := &Message{Header: a.Header, Aux: aux, Object: obj}
	if sel, ok := obj.(string); ok {
		msg.Selector = sel
	}
	return msg, nil
}

// readOneWireMessage reads the next fragment's header and, unless it is
// a header-only first fragment of a multi-fragment message, its
// payload bytes. The first fragment of a multi-fragment message carries
// only the header; subsequent fragments carry payload slices. This
// module reads exactly header.PayloadLength bytes for every fragment
// except that header-only first one, where it reads none regardless of
// payload_length's value.
func (s *Session) readOneWireMessage() (Header, []byte, error) {
	s.mu.Lock()
	deadline := s.deadline
	conn := s.conn
	s.mu.Unlock()

	if deadline > 0 {
		conn.SetReadDeadline(time.Now().Add(deadline))
		defer conn.SetReadDeadline(time.Time{})
	}

	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(s.r, hdrBuf); err != nil {
		return Header{}, nil, classifyIOError(err)
	}
	h, err := DecodeHeader(hdrBuf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.FragmentCount > 1 && h.FragmentID == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLength)
	if h.PayloadLength > 0 {
		if _, err := io.ReadFull(s.r, payload); err != nil {
			return Header{}, nil, classifyIOError(err)
		}
	}
	return h, payload, nil
}

func classifyIOError(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return rxpcerr.Wrap(rxpcerr.Timeout, "dtx: operation timed out", err)
	}
	return rxpcerr.Wrap(rxpcerr.Network, "dtx: socket error", err)
}
