// Package authcrypto implements the secp256k1 keypair, Schnorr signing, and
// ECDH primitives specified in spec.md §4.6, grounded on the signer.I method
// set of kwsantiago-orly/crypto/p256k/btcec/btcec.go (Generate/InitSec/
// InitPub/Pub/Sec/Sign/Verify), rebuilt here over the real, importable
// github.com/btcsuite/btcd/btcec/v2 module rather than orly's internal
// crypto/ec fork (see DESIGN.md). It also implements the ECDH+AES-CBC
// envelope and the challenge/response handshake store.
package authcrypto

import (
	"crypto/rand"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"hypertuna.dev/errorf"
)

// PubKeyLen is the length, in bytes, of an x-only secp256k1 public key.
const PubKeyLen = 32

// SigLen is the length, in bytes, of a BIP-340 Schnorr signature.
const SigLen = 64

// Signer is the capability an event, a handshake, or an envelope needs from
// a keypair: sign, verify, and derive a shared secret. A Signer initialized
// only with a public key can Verify but not Sign or ECDH.
type Signer interface {
	Generate() error
	InitSec(sec []byte) error
	InitPub(pub []byte) error
	Pub() []byte
	Sec() []byte
	Sign(msg []byte) ([]byte, error)
	Verify(msg, sig []byte) (bool, error)
	ECDH(theirPub []byte) ([]byte, error)
}

// Secp256k1 is the Signer implementation used throughout the worker.
type Secp256k1 struct {
	priv *btcec.PrivateKey
	pub  *btcec.PublicKey
	pkb  []byte
}

var _ Signer = (*Secp256k1)(nil)

// Generate creates a fresh random keypair.
func (s *Secp256k1) Generate() (err error) {
	if s.priv, err = btcec.NewPrivateKey(); err != nil {
		return errorf.E("authcrypto: generate: %w", err)
	}
	s.pub = s.priv.PubKey()
	s.pkb = schnorr.SerializePubKey(s.pub)
	return nil
}

// InitSec loads a 32-byte raw secret key.
func (s *Secp256k1) InitSec(sec []byte) (err error) {
	if len(sec) != 32 {
		return errorf.E("authcrypto: secret key must be 32 bytes, got %d", len(sec))
	}
	s.priv, s.pub = btcec.PrivKeyFromBytes(sec)
	s.pkb = schnorr.SerializePubKey(s.pub)
	return nil
}

// InitPub loads a 32-byte x-only public key, for verify-only use.
func (s *Secp256k1) InitPub(pub []byte) (err error) {
	if len(pub) != PubKeyLen {
		return errorf.E("authcrypto: public key must be %d bytes, got %d", PubKeyLen, len(pub))
	}
	if s.pub, err = schnorr.ParsePubKey(pub); err != nil {
		return errorf.E("authcrypto: parse pubkey: %w", err)
	}
	s.pkb = append([]byte(nil), pub...)
	return nil
}

// Pub returns the raw x-only public key bytes.
func (s *Secp256k1) Pub() []byte { return s.pkb }

// Sec returns the raw secret key bytes, or nil if this Signer only has a
// public key.
func (s *Secp256k1) Sec() []byte {
	if s.priv == nil {
		return nil
	}
	return s.priv.Serialize()
}

// Sign produces a BIP-340 Schnorr signature over msg (the caller is
// responsible for passing the 32-byte event id, never raw content).
func (s *Secp256k1) Sign(msg []byte) (sig []byte, err error) {
	if s.priv == nil {
		return nil, errorf.E("authcrypto: signer has no private key")
	}
	aux := make([]byte, 32)
	if _, err = rand.Read(aux); err != nil {
		return nil, errorf.E("authcrypto: aux rand: %w", err)
	}
	signature, err := schnorr.Sign(s.priv, msg, schnorr.CustomNonce(aux32(aux)))
	if err != nil {
		return nil, errorf.E("authcrypto: sign: %w", err)
	}
	return signature.Serialize(), nil
}

func aux32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

// Verify checks a BIP-340 signature against msg and this Signer's public
// key.
func (s *Secp256k1) Verify(msg, sig []byte) (bool, error) {
	if s.pub == nil {
		return false, errorf.E("authcrypto: signer has no public key")
	}
	if len(sig) != SigLen {
		return false, errorf.E("authcrypto: signature must be %d bytes, got %d", SigLen, len(sig))
	}
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return false, errorf.E("authcrypto: parse signature: %w", err)
	}
	return parsed.Verify(msg, s.pub), nil
}

// ECDH derives a 32-byte shared secret with theirPub per spec.md §4.6:
// ECDH(privA, 0x02||pubB), dropping the leading prefix byte that a
// compressed-point ECDH would otherwise retain.
func (s *Secp256k1) ECDH(theirPub []byte) (secret []byte, err error) {
	if s.priv == nil {
		return nil, errorf.E("authcrypto: ECDH requires a private key")
	}
	theirs, err := schnorr.ParsePubKey(theirPub)
	if err != nil {
		return nil, errorf.E("authcrypto: parse counterparty pubkey: %w", err)
	}
	var point btcec.JacobianPoint
	theirs.AsJacobian(&point)
	var result btcec.JacobianPoint
	btcec.ScalarMultNonConst(&s.priv.Key, &point, &result)
	result.ToAffine()
	pub := btcec.NewPublicKey(&result.X, &result.Y)
	full := pub.SerializeCompressed() // 0x02/0x03 prefix || 32-byte x
	secret = append([]byte(nil), full[1:]...)
	return secret, nil
}
