package dtx

import "github.com/gosuda/rxpc/rxpcerr"

// assembled is one fully-reassembled message, paired with the header
// that completed it (message id, channel, expects-reply flag) so a
// caller doesn't lose that bookkeeping to the reassembly process.
type assembled struct {
	Header  Header
	Payload []byte
}

// Fragmenter reassembles the fragments of one DTX channel's messages:
// fragments arrive with monotonically increasing fragment_id, and
// fragment_id == fragment_count-1 finalizes and enqueues the message.
//
// A Fragmenter belongs to exactly one channel and must not be accessed
// concurrently; Session serializes all access to it behind its own
// mutex.
type Fragmenter struct {
	accum    []byte
	expected uint16
	next     uint16
	active   bool
	queue    []assembled
}

// ErrFragmentOutOfOrder marks a fragment whose id isn't the next one
// this channel's Fragmenter expected.
var ErrFragmentOutOfOrder = rxpcerr.New(rxpcerr.Protocol, "dtx: fragment out of order")

// Feed adds one wire message's header+payload to the fragmenter. Single-
// fragment messages (fragment_count <= 1) enqueue immediately. The first
// fragment of a multi-fragment message carries only the header (no
// payload to add); subsequent fragments carry payload
// slices, concatenated until the final one completes the message.
func (f *Fragmenter) Feed(h Header, payload []byte) error {
	if h.FragmentCount <= 1 {
		f.queue = append(f.queue, assembled{Header: h, Payload: payload})
		return nil
	}
	if h.FragmentID == 0 {
		f.accum = f.accum[:0]
		f.expected = h.FragmentCount
		f.next = 1
		f.active = true
		return nil
	}
	if !f.active || h.FragmentID != f.next || h.FragmentCount != f.expected {
		return ErrFragmentOutOfOrder
	}
	f.accum = append(f.accum, payload...)
	f.next++
	if h.FragmentID == f.expected-1 {
		complete := make([]byte, len(f.accum))
		copy(complete, f.accum)
		f.queue = append(f.queue, assembled{Header: h, Payload: complete})
		f.accum = f.accum[:0]
		f.active = false
	}
	return nil
}

// Pop removes and returns the oldest complete message, if any.
func (f *Fragmenter) Pop() (assembled, bool) {
	if len(f.queue) == 0 {
		return assembled{}, false
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, true
}
