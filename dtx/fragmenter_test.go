package dtx

import "testing"

func TestFragmenterSingleFragment(t *testing.T) {
	var f Fragmenter
	h := Header{FragmentID: 0, FragmentCount: 1, ChannelCode: 3}
	if err := f.Feed(h, []byte("hello")); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	a, ok := f.Pop()
	if !ok || string(a.Payload) != "hello" {
		t.Fatalf("got %#v, ok=%v", a, ok)
	}
	if _, ok := f.Pop(); ok {
		t.Fatalf("expected empty queue after Pop")
	}
}

func TestFragmenterThreeFragmentReassembly(t *testing.T) {
	var f Fragmenter
	base := Header{FragmentCount: 3, ChannelCode: 1}

	first := base
	first.FragmentID = 0
	if err := f.Feed(first, nil); err != nil {
		t.Fatalf("Feed(first): %v", err)
	}
	if _, ok := f.Pop(); ok {
		t.Fatalf("header-only first fragment must not complete a message")
	}

	mid := base
	mid.FragmentID = 1
	if err := f.Feed(mid, []byte("abc")); err != nil {
		t.Fatalf("Feed(mid): %v", err)
	}
	if _, ok := f.Pop(); ok {
		t.Fatalf("message must not complete before the final fragment")
	}

	last := base
	last.FragmentID = 2
	if err := f.Feed(last, []byte("def")); err != nil {
		t.Fatalf("Feed(last): %v", err)
	}
	a, ok := f.Pop()
	if !ok {
		t.Fatalf("expected a completed message")
	}
	if string(a.Payload) != "abcdef" {
		t.Fatalf("payload = %q, want %q", a.Payload, "abcdef")
	}
	if _, ok := f.Pop(); ok {
		t.Fatalf("message must be emitted exactly once")
	}
}

func TestFragmenterRejectsOutOfOrder(t *testing.T) {
	var f Fragmenter
	base := Header{FragmentCount: 3, ChannelCode: 1}
	first := base
	first.FragmentID = 0
	if err := f.Feed(first, nil); err != nil {
		t.Fatalf("Feed(first): %v", err)
	}
	skip := base
	skip.FragmentID = 2
	if err := f.Feed(skip, []byte("x")); err != ErrFragmentOutOfOrder {
		t.Fatalf("got %v, want ErrFragmentOutOfOrder", err)
	}
}

// TestFragmenterChannelIsolation covers channel isolation under
// interleaved fragments: two independent
// Fragmenters (one per channel) never see each other's fragments, so
// feeding a 3-fragment message on one channel interleaved with a
// single-fragment message on another yields exactly each channel's own
// reassembled payload.
func TestFragmenterChannelIsolation(t *testing.T) {
	chanA := &Fragmenter{}
	chanB := &Fragmenter{}

	base := Header{FragmentCount: 3, ChannelCode: 10}
	f0 := base
	f0.FragmentID = 0
	chanA.Feed(f0, nil)

	other := Header{FragmentCount: 1, ChannelCode: 20}
	chanB.Feed(other, []byte("single"))

	f1 := base
	f1.FragmentID = 1
	chanA.Feed(f1, []byte("AB"))

	f2 := base
	f2.FragmentID = 2
	chanA.Feed(f2, []byte("CD"))

	bMsg, ok := chanB.Pop()
	if !ok || string(bMsg.Payload) != "single" {
		t.Fatalf("channel B payload = %#v", bMsg)
	}
	aMsg, ok := chanA.Pop()
	if !ok || string(aMsg.Payload) != "ABCD" {
		t.Fatalf("channel A payload = %#v", aMsg)
	}
}
