package authcrypto

import "testing"

func TestEnvelopeRoundTrip(t *testing.T) {
	var alice, bob Secp256k1
	if err := alice.Generate(); err != nil {
		t.Fatalf("alice generate: %v", err)
	}
	if err := bob.Generate(); err != nil {
		t.Fatalf("bob generate: %v", err)
	}
	secret, err := alice.ECDH(bob.Pub())
	if err != nil {
		t.Fatalf("ecdh: %v", err)
	}
	want := "the quick brown fox jumps over the lazy dog"
	env, err := EncryptEnvelope(secret, want)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptEnvelope(secret, env)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %q want %q", got, want)
	}
}

func TestEnvelopeFormat(t *testing.T) {
	secret := make([]byte, 32)
	env, err := EncryptEnvelope(secret, "hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	idx := -1
	for i := 0; i+4 <= len(env); i++ {
		if env[i:i+4] == "?iv=" {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.Fatalf("expected '?iv=' marker in envelope %q", env)
	}
}

func TestDecryptRejectsMalformedEnvelope(t *testing.T) {
	secret := make([]byte, 32)
	if _, err := DecryptEnvelope(secret, "not-an-envelope"); err == nil {
		t.Fatal("expected error for envelope missing '?iv='")
	}
}

func TestDecryptWithWrongSecretFails(t *testing.T) {
	secretA := make([]byte, 32)
	secretB := make([]byte, 32)
	secretB[0] = 1
	env, err := EncryptEnvelope(secretA, "a genuine secret message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := DecryptEnvelope(secretB, env)
	if err == nil && got == "a genuine secret message" {
		t.Fatal("expected wrong secret to fail to recover the plaintext")
	}
}
