package ratchet

import (
	"crypto/ed25519"
	"fmt"
)

// PreKeyBundle is a peer device's published key material, fetched from the
// directory service to initiate a session while the peer is offline.
type PreKeyBundle struct {
	RegistrationID    uint32
	DeviceID          uint32
	IdentityKey       PublicKey // peer identity DH key
	SigningKey        ed25519.PublicKey
	SignedPreKeyID    uint32
	SignedPreKey      PublicKey
	SignedPreKeySig   []byte
	PreKeyID          uint32 // NoPreKeyID when the pool was empty
	PreKey            *PublicKey
}

// InitiateSession performs the X3DH handshake against a peer's bundle and
// returns a session record ready for encryption. The signed pre-key
// signature is verified first; a bad signature fails the handshake.
func InitiateSession(ourIdentity *IdentityKeyPair, bundle *PreKeyBundle) (*SessionRecord, error) {
	if !VerifySignedPreKey(bundle.SigningKey, bundle.SignedPreKey, bundle.SignedPreKeySig) {
		return nil, ErrInvalidSignature
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	root, err := InitiatorRootKey(ourIdentity.DH.Private, ephemeral.Private,
		bundle.IdentityKey, bundle.SignedPreKey, bundle.PreKey)
	if err != nil {
		return nil, err
	}

	state, err := NewInitiator(root, bundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	preKeyID := bundle.PreKeyID
	if bundle.PreKey == nil {
		preKeyID = NoPreKeyID
	}

	ad := make([]byte, 0, 64)
	ad = append(ad, ourIdentity.DH.Public[:]...)
	ad = append(ad, bundle.IdentityKey[:]...)

	return &SessionRecord{
		State:                 state,
		PeerIdentity:          bundle.IdentityKey,
		PeerRegistrationID:    bundle.RegistrationID,
		AD:                    ad,
		PendingPreKeyID:       preKeyID,
		PendingSignedPreKeyID: bundle.SignedPreKeyID,
		PendingBaseKey:        ephemeral.Public,
		Unacknowledged:        true,
	}, nil
}

// WrapPreKeyMessage wraps an encrypted Message with the handshake header for
// an unacknowledged session.
func (r *SessionRecord) WrapPreKeyMessage(localRegistrationID uint32, msg *Message) *PreKeyMessage {
	var identity PublicKey
	copy(identity[:], r.AD[:32])
	return &PreKeyMessage{
		RegistrationID: localRegistrationID,
		PreKeyID:       r.PendingPreKeyID,
		SignedPreKeyID: r.PendingSignedPreKeyID,
		BaseKey:        r.PendingBaseKey,
		IdentityKey:    identity,
		Message:        msg,
	}
}

// RespondSession builds a session record from an incoming pre-key message,
// using our identity, the referenced signed pre-key pair, and (when present)
// the referenced one-time pre-key pair.
func RespondSession(ourIdentity *IdentityKeyPair, signedPreKey *SignedPreKeyRecord, oneTime *PreKeyRecord, msg *PreKeyMessage) (*SessionRecord, error) {
	var oneTimePriv *PrivateKey
	if msg.PreKeyID != NoPreKeyID {
		if oneTime == nil {
			return nil, fmt.Errorf("ratchet: pre-key message references pre-key %d but none supplied", msg.PreKeyID)
		}
		oneTimePriv = &oneTime.KeyPair.Private
	}

	root, err := ResponderRootKey(ourIdentity.DH.Private, signedPreKey.KeyPair.Private,
		oneTimePriv, msg.IdentityKey, msg.BaseKey)
	if err != nil {
		return nil, err
	}

	ad := make([]byte, 0, 64)
	ad = append(ad, msg.IdentityKey[:]...)
	ad = append(ad, ourIdentity.DH.Public[:]...)

	return &SessionRecord{
		State:              NewResponder(root, signedPreKey.KeyPair),
		PeerIdentity:       msg.IdentityKey,
		PeerRegistrationID: msg.RegistrationID,
		AD:                 ad,
	}, nil
}
