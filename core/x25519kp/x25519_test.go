package x25519kp

import (
	"bytes"
	"testing"
)

func TestECDHAgreement(t *testing.T) {
	aPub, aPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair a: %v", err)
	}
	bPub, bPriv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair b: %v", err)
	}

	sharedA, err := ECDH(aPriv, bPub)
	if err != nil {
		t.Fatalf("ECDH a: %v", err)
	}
	sharedB, err := ECDH(bPriv, aPub)
	if err != nil {
		t.Fatalf("ECDH b: %v", err)
	}

	if !bytes.Equal(sharedA, sharedB) {
		t.Fatalf("shared secrets disagree: %x vs %x", sharedA, sharedB)
	}
}

func TestECDHRejectsWrongPeerKeyLength(t *testing.T) {
	_, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if _, err := ECDH(priv, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short peer public key")
	}
}

func TestGenerateKeyPairSizes(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	if len(pub) != KeySize || len(priv) != KeySize {
		t.Fatalf("unexpected key sizes: pub=%d priv=%d", len(pub), len(priv))
	}
}
