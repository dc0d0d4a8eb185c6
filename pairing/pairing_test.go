package pairing

import "testing"

func TestSequenceCountersIncrementIndependently(t *testing.T) {
	var s SequenceCounters

	if v := s.NextControl(); v != 0 {
		t.Fatalf("first control_seq = %d, want 0", v)
	}
	if v := s.NextControl(); v != 1 {
		t.Fatalf("second control_seq = %d, want 1", v)
	}
	if v := s.NextEncrypted(); v != 0 {
		t.Fatalf("first encrypted_seq = %d, want 0", v)
	}
	if s.ControlSeq != 2 || s.EncryptedSeq != 1 {
		t.Fatalf("unexpected counter state: %+v", s)
	}
}

func TestDeviceIdentityValidate(t *testing.T) {
	id := testIdentity()
	if err := id.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	id.LongTermSecretKey = []byte{1}
	if err := id.Validate(); err == nil {
		t.Fatal("expected error for undersized secret key")
	}
}
