package dtx

// Instrument is a thin handle on one already-opened channel: a struct
// that holds a channel code and offers selector-specific methods, with
// no inherited state. This struct, the free function OpenInstrument
// taking a *Session, and the Call/CallAsync/Recv/Close methods below
// (each forwarding to the Session with the stored channel code) are that
// flattening; concrete instruments (screenshots, process control, ...)
// would each be built as a thin wrapper of exactly this shape.
type Instrument struct {
	Session *Session
	Code    int32
}

// OpenInstrument requests a channel for identifier and returns a handle
// to it.
func OpenInstrument(s *Session, identifier string) (*Instrument, error) {
	code, err := s.RequestChannel(identifier)
	if err != nil {
		return nil, err
	}
	return &Instrument{Session: s, Code: code}, nil
}

// Call sends selector with aux on the instrument's channel and waits for
// a reply.
func (i *Instrument) Call(selector string, aux []AuxItem) (*Message, error) {
	if _, err := i.Session.SendMessage(i.Code, selector, aux, true); err != nil {
		return nil, err
	}
	return i.Session.RecvOn(i.Code)
}

// CallAsync sends selector with aux on the instrument's channel without
// waiting for a reply, returning the assigned message id.
func (i *Instrument) CallAsync(selector string, aux []AuxItem) (uint32, error) {
	return i.Session.SendMessage(i.Code, selector, aux, false)
}

// Recv waits for the next message addressed to this instrument's
// channel, without sending anything first — for server-initiated
// notifications on an already-open channel.
func (i *Instrument) Recv() (*Message, error) {
	return i.Session.RecvOn(i.Code)
}

// Close cancels this instrument's channel.
func (i *Instrument) Close() error {
	return i.Session.CloseChannel(i.Code)
}
