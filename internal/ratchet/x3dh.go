package ratchet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const x3dhInfo = "relay-x3dh-v1"

// InitiatorRootKey derives the shared root key on the side that fetched the
// peer's pre-key bundle:
//
//	DH1 = DH(IK_us,  SPK_peer)
//	DH2 = DH(EK_us,  IK_peer)
//	DH3 = DH(EK_us,  SPK_peer)
//	DH4 = DH(EK_us,  OPK_peer)   (when a one-time pre-key was available)
func InitiatorRootKey(ourIdentity PrivateKey, ourEphemeral PrivateKey, peerIdentity, peerSignedPreKey PublicKey, peerOneTime *PublicKey) ([32]byte, error) {
	dh1, err := dh(ourIdentity, peerSignedPreKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh1: %w", err)
	}
	dh2, err := dh(ourEphemeral, peerIdentity)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh2: %w", err)
	}
	dh3, err := dh(ourEphemeral, peerSignedPreKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh3: %w", err)
	}

	secret := make([]byte, 0, 4*32)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)

	if peerOneTime != nil {
		dh4, err := dh(ourEphemeral, *peerOneTime)
		if err != nil {
			return [32]byte{}, fmt.Errorf("ratchet: x3dh dh4: %w", err)
		}
		secret = append(secret, dh4[:]...)
	}
	return deriveRoot(secret), nil
}

// ResponderRootKey derives the same root key on the side whose bundle was
// used. The DH operations mirror InitiatorRootKey.
func ResponderRootKey(ourIdentity PrivateKey, ourSignedPreKey PrivateKey, ourOneTime *PrivateKey, peerIdentity, peerEphemeral PublicKey) ([32]byte, error) {
	dh1, err := dh(ourSignedPreKey, peerIdentity)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh1: %w", err)
	}
	dh2, err := dh(ourIdentity, peerEphemeral)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh2: %w", err)
	}
	dh3, err := dh(ourSignedPreKey, peerEphemeral)
	if err != nil {
		return [32]byte{}, fmt.Errorf("ratchet: x3dh dh3: %w", err)
	}

	secret := make([]byte, 0, 4*32)
	secret = append(secret, dh1[:]...)
	secret = append(secret, dh2[:]...)
	secret = append(secret, dh3[:]...)

	if ourOneTime != nil {
		dh4, err := dh(*ourOneTime, peerEphemeral)
		if err != nil {
			return [32]byte{}, fmt.Errorf("ratchet: x3dh dh4: %w", err)
		}
		secret = append(secret, dh4[:]...)
	}
	return deriveRoot(secret), nil
}

// VerifySignedPreKey checks the Ed25519 signature over a signed pre-key's
// public key against the peer's identity signing key.
func VerifySignedPreKey(signingKey ed25519.PublicKey, signedPreKey PublicKey, signature []byte) bool {
	if len(signingKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(signingKey, signedPreKey[:], signature)
}

func deriveRoot(secret []byte) [32]byte {
	var root [32]byte
	r := hkdf.New(sha256.New, secret, nil, []byte(x3dhInfo))
	_, _ = io.ReadFull(r, root[:])
	for i := range secret {
		secret[i] = 0
	}
	return root
}
