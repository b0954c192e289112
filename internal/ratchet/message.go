package ratchet

import (
	"encoding/binary"
	"fmt"
)

// Wire version byte for ratchet and pre-key messages.
const messageVersion = 1

// NoPreKeyID marks a pre-key message that was built from a bundle without a
// one-time pre-key.
const NoPreKeyID = ^uint32(0)

// Message is a single ratchet message: the sender's current ratchet key, the
// previous chain length, the counter within the chain, and the ciphertext.
type Message struct {
	RatchetKey PublicKey
	PrevCount  uint32
	Counter    uint32
	Ciphertext []byte
}

// authData returns the additional authenticated data for the AEAD: caller-
// provided session AD followed by the header fields.
func (m *Message) authData(ad []byte) []byte {
	out := make([]byte, 0, len(ad)+32+8)
	out = append(out, ad...)
	out = append(out, m.RatchetKey[:]...)
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], m.PrevCount)
	out = append(out, b[:]...)
	binary.BigEndian.PutUint32(b[:], m.Counter)
	out = append(out, b[:]...)
	return out
}

// Serialize encodes the message:
//
//	[1 version][32 ratchet key][4 prevCount][4 counter][ciphertext]
func (m *Message) Serialize() []byte {
	out := make([]byte, 41+len(m.Ciphertext))
	out[0] = messageVersion
	copy(out[1:33], m.RatchetKey[:])
	binary.BigEndian.PutUint32(out[33:37], m.PrevCount)
	binary.BigEndian.PutUint32(out[37:41], m.Counter)
	copy(out[41:], m.Ciphertext)
	return out
}

// DeserializeMessage decodes a serialized ratchet message.
func DeserializeMessage(data []byte) (*Message, error) {
	if len(data) < 41 {
		return nil, fmt.Errorf("ratchet: message too short (%d bytes)", len(data))
	}
	if data[0] != messageVersion {
		return nil, fmt.Errorf("ratchet: unsupported message version %d", data[0])
	}
	m := &Message{
		PrevCount:  binary.BigEndian.Uint32(data[33:37]),
		Counter:    binary.BigEndian.Uint32(data[37:41]),
		Ciphertext: append([]byte(nil), data[41:]...),
	}
	copy(m.RatchetKey[:], data[1:33])
	return m, nil
}

// PreKeyMessage wraps the first Message of a session with the handshake
// material the responder needs to derive the same root key: which of its
// keys were used and the initiator's identity and ephemeral public keys.
type PreKeyMessage struct {
	RegistrationID uint32
	PreKeyID       uint32 // NoPreKeyID when no one-time pre-key was consumed
	SignedPreKeyID uint32
	BaseKey        PublicKey // initiator's ephemeral key
	IdentityKey    PublicKey // initiator's identity DH key
	Message        *Message
}

// Serialize encodes the pre-key message:
//
//	[1 version][4 regID][4 preKeyID][4 signedPreKeyID][32 baseKey]
//	[32 identityKey][serialized inner message]
func (p *PreKeyMessage) Serialize() []byte {
	inner := p.Message.Serialize()
	out := make([]byte, 77, 77+len(inner))
	out[0] = messageVersion
	binary.BigEndian.PutUint32(out[1:5], p.RegistrationID)
	binary.BigEndian.PutUint32(out[5:9], p.PreKeyID)
	binary.BigEndian.PutUint32(out[9:13], p.SignedPreKeyID)
	copy(out[13:45], p.BaseKey[:])
	copy(out[45:77], p.IdentityKey[:])
	return append(out, inner...)
}

// DeserializePreKeyMessage decodes a serialized pre-key message.
func DeserializePreKeyMessage(data []byte) (*PreKeyMessage, error) {
	if len(data) < 77 {
		return nil, fmt.Errorf("ratchet: pre-key message too short (%d bytes)", len(data))
	}
	if data[0] != messageVersion {
		return nil, fmt.Errorf("ratchet: unsupported pre-key message version %d", data[0])
	}
	inner, err := DeserializeMessage(data[77:])
	if err != nil {
		return nil, fmt.Errorf("ratchet: pre-key inner: %w", err)
	}
	p := &PreKeyMessage{
		RegistrationID: binary.BigEndian.Uint32(data[1:5]),
		PreKeyID:       binary.BigEndian.Uint32(data[5:9]),
		SignedPreKeyID: binary.BigEndian.Uint32(data[9:13]),
		Message:        inner,
	}
	copy(p.BaseKey[:], data[13:45])
	copy(p.IdentityKey[:], data[45:77])
	return p, nil
}
