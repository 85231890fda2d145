package authcrypto

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	var s Secp256k1
	if err := s.Generate(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := make([]byte, 32)
	for i := range msg {
		msg[i] = byte(i)
	}
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var verifier Secp256k1
	if err = verifier.InitPub(s.Pub()); err != nil {
		t.Fatalf("init pub: %v", err)
	}
	ok, err := verifier.Verify(msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	var s Secp256k1
	if err := s.Generate(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := make([]byte, 32)
	sig, err := s.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	msg[0] ^= 0xff
	ok, err := s.Verify(msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("expected tampered message to fail verification")
	}
}

func TestECDHIsSymmetric(t *testing.T) {
	var alice, bob Secp256k1
	if err := alice.Generate(); err != nil {
		t.Fatalf("alice generate: %v", err)
	}
	if err := bob.Generate(); err != nil {
		t.Fatalf("bob generate: %v", err)
	}
	secretA, err := alice.ECDH(bob.Pub())
	if err != nil {
		t.Fatalf("alice ecdh: %v", err)
	}
	secretB, err := bob.ECDH(alice.Pub())
	if err != nil {
		t.Fatalf("bob ecdh: %v", err)
	}
	if len(secretA) != 32 {
		t.Fatalf("expected 32 byte shared secret, got %d", len(secretA))
	}
	if string(secretA) != string(secretB) {
		t.Fatal("expected both parties to derive the same shared secret")
	}
}

func TestInitSecRejectsWrongLength(t *testing.T) {
	var s Secp256k1
	if err := s.InitSec(make([]byte, 16)); err == nil {
		t.Fatal("expected error for short secret key")
	}
}
