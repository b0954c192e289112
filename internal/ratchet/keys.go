// Package ratchet implements the X3DH handshake and double ratchet used for
// per-device messaging sessions: X25519 key agreement, HKDF-SHA256 key
// derivation, and ChaCha20-Poly1305 message encryption.
package ratchet

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// PublicKey is an X25519 public key.
type PublicKey [32]byte

// PrivateKey is a clamped X25519 private key.
type PrivateKey [32]byte

// KeyPair is an X25519 key pair.
type KeyPair struct {
	Public  PublicKey
	Private PrivateKey
}

// IsZero reports whether the key is all zeroes (unset).
func (p PublicKey) IsZero() bool {
	var zero PublicKey
	return p == zero
}

func (p PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p[:]))
}

func (p *PublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("ratchet: public key length %d", len(b))
	}
	copy(p[:], b)
	return nil
}

func (p PrivateKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(p[:]))
}

func (p *PrivateKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != 32 {
		return fmt.Errorf("ratchet: private key length %d", len(b))
	}
	copy(p[:], b)
	return nil
}

// GenerateKeyPair generates a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return KeyPair{}, &KeyGenerationError{Err: err}
	}
	clamp(&kp.Private)

	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, &KeyGenerationError{Err: err}
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// clamp applies the X25519 scalar clamping to a private key in place.
func clamp(k *PrivateKey) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// dh performs X25519 key agreement.
func dh(priv PrivateKey, pub PublicKey) ([32]byte, error) {
	var out [32]byte
	res, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return out, err
	}
	copy(out[:], res)
	return out, nil
}

// IdentityKeyPair is the long-term device identity: an X25519 pair for key
// agreement plus an Ed25519 pair for signing pre-keys. The private halves
// never leave the device.
type IdentityKeyPair struct {
	DH             KeyPair
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey
}

// GenerateIdentityKeyPair generates a fresh device identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	dhPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, &KeyGenerationError{Err: err}
	}
	return &IdentityKeyPair{
		DH:             dhPair,
		SigningPublic:  sigPub,
		SigningPrivate: sigPriv,
	}, nil
}

// Sign signs message with the identity's Ed25519 signing key.
func (ik *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(ik.SigningPrivate, message)
}

// serializedIdentity is the storage form of an IdentityKeyPair.
type serializedIdentity struct {
	DHPublic       PublicKey  `json:"dhPublic"`
	DHPrivate      PrivateKey `json:"dhPrivate"`
	SigningPublic  []byte     `json:"signingPublic"`
	SigningPrivate []byte     `json:"signingPrivate"`
}

// Serialize returns the JSON storage form of the identity key pair.
func (ik *IdentityKeyPair) Serialize() ([]byte, error) {
	return json.Marshal(serializedIdentity{
		DHPublic:       ik.DH.Public,
		DHPrivate:      ik.DH.Private,
		SigningPublic:  ik.SigningPublic,
		SigningPrivate: ik.SigningPrivate,
	})
}

// DeserializeIdentityKeyPair reconstructs an identity key pair from its
// serialized form.
func DeserializeIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	var s serializedIdentity
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("ratchet: deserialize identity: %w", err)
	}
	if len(s.SigningPublic) != ed25519.PublicKeySize || len(s.SigningPrivate) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ratchet: deserialize identity: bad signing key length")
	}
	return &IdentityKeyPair{
		DH:             KeyPair{Public: s.DHPublic, Private: s.DHPrivate},
		SigningPublic:  ed25519.PublicKey(s.SigningPublic),
		SigningPrivate: ed25519.PrivateKey(s.SigningPrivate),
	}, nil
}
