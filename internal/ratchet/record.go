package ratchet

import (
	"encoding/json"
	"fmt"
	"time"
)

// SessionRecord is the durable form of a session: the ratchet state, the
// pinned peer identity, and handshake bookkeeping. A session is usable for
// encryption only once State is non-nil (established via bundle or pre-key
// message).
type SessionRecord struct {
	State        *State    `json:"state"`
	PeerIdentity PublicKey `json:"peerIdentity"`

	// PeerRegistrationID is the registration ID the peer advertised when the
	// session was established. Stamped on outgoing transport messages.
	PeerRegistrationID uint32 `json:"peerRegistrationId,omitempty"`

	// AD is the additional authenticated data for every message in this
	// session: initiator identity key followed by responder identity key.
	AD []byte `json:"ad"`

	// Pending handshake material replayed in the pre-key message header
	// until the peer's first reply confirms the session.
	PendingPreKeyID       uint32    `json:"pendingPreKeyId,omitempty"`
	PendingSignedPreKeyID uint32    `json:"pendingSignedPreKeyId,omitempty"`
	PendingBaseKey        PublicKey `json:"pendingBaseKey,omitempty"`
	Unacknowledged        bool      `json:"unacknowledged,omitempty"`
}

// Serialize returns the JSON storage form of the record.
func (r *SessionRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("ratchet: serialize session: %w", err)
	}
	return data, nil
}

// DeserializeSessionRecord reconstructs a session record.
func DeserializeSessionRecord(data []byte) (*SessionRecord, error) {
	var r SessionRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ratchet: deserialize session: %w", err)
	}
	if r.State != nil && r.State.Skipped == nil {
		r.State.Skipped = make(map[string][]byte)
	}
	return &r, nil
}

// PreKeyRecord is a one-time pre-key. It is consumed (deleted) at most once
// when a peer initiates a session from it.
type PreKeyRecord struct {
	ID      uint32  `json:"id"`
	KeyPair KeyPair `json:"keyPair"`
}

// NewPreKeyRecord generates a one-time pre-key with the given ID.
func NewPreKeyRecord(id uint32) (*PreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{ID: id, KeyPair: kp}, nil
}

func (r *PreKeyRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("ratchet: serialize pre-key: %w", err)
	}
	return data, nil
}

func DeserializePreKeyRecord(data []byte) (*PreKeyRecord, error) {
	var r PreKeyRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ratchet: deserialize pre-key: %w", err)
	}
	return &r, nil
}

// SignedPreKeyRecord is a medium-term pre-key whose public key is signed by
// the identity's signing key. At most one is current; stale ones are kept
// for a grace window for in-flight sessions.
type SignedPreKeyRecord struct {
	ID        uint32    `json:"id"`
	KeyPair   KeyPair   `json:"keyPair"`
	Signature []byte    `json:"signature"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSignedPreKeyRecord generates a signed pre-key with the given ID, signed
// by identity.
func NewSignedPreKeyRecord(identity *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyRecord{
		ID:        id,
		KeyPair:   kp,
		Signature: identity.Sign(kp.Public[:]),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *SignedPreKeyRecord) Serialize() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("ratchet: serialize signed pre-key: %w", err)
	}
	return data, nil
}

func DeserializeSignedPreKeyRecord(data []byte) (*SignedPreKeyRecord, error) {
	var r SignedPreKeyRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("ratchet: deserialize signed pre-key: %w", err)
	}
	return &r, nil
}
