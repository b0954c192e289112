package ratchet

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// MaxSkippedKeys bounds the number of message keys cached per session to
	// tolerate out-of-order delivery. Messages further ahead than this fail
	// with ErrMessageTooFarInFuture instead of caching unboundedly.
	MaxSkippedKeys = 500

	// maxRetiredChains bounds how many previous receiving-chain keys are
	// remembered for classifying replays of fully-consumed old chains.
	maxRetiredChains = 5
)

// State is the double ratchet state for one (recipient, device) session.
// All fields are exported for JSON persistence; callers must treat it as
// opaque and only mutate it through Encrypt and Decrypt.
type State struct {
	RootKey   [32]byte   `json:"rootKey"`
	DHPriv    PrivateKey `json:"dhPriv"`
	DHPub     PublicKey  `json:"dhPub"`
	PeerDHPub PublicKey  `json:"peerDhPub"`

	SendChainKey []byte `json:"sendChainKey,omitempty"`
	RecvChainKey []byte `json:"recvChainKey,omitempty"`

	SendCount uint32 `json:"sendCount"` // messages sent on the current sending chain
	RecvCount uint32 `json:"recvCount"` // messages received on the current receiving chain
	PrevCount uint32 `json:"prevCount"` // length of the previous sending chain

	// Skipped maps hex(chainPub || counter) to cached message keys for
	// out-of-order messages. Bounded by MaxSkippedKeys.
	Skipped map[string][]byte `json:"skipped,omitempty"`

	// RetiredChains holds hex-encoded peer ratchet keys of receiving chains
	// that have been stepped past. A message on a retired chain whose key is
	// no longer in Skipped is a replay.
	RetiredChains []string `json:"retiredChains,omitempty"`
}

// NewInitiator creates session state on the side that performed the bundle
// fetch. peerRatchetPub is the peer's signed pre-key, acting as its initial
// ratchet key; the sending chain is derived immediately so the first message
// can be encrypted without any round trip.
func NewInitiator(root [32]byte, peerRatchetPub PublicKey) (*State, error) {
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	shared, err := dh(pair.Private, peerRatchetPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet: initiator dh: %w", err)
	}
	newRoot, sendCK := kdfRootKey(root, shared)

	return &State{
		RootKey:      newRoot,
		DHPriv:       pair.Private,
		DHPub:        pair.Public,
		PeerDHPub:    peerRatchetPub,
		SendChainKey: sendCK,
		Skipped:      make(map[string][]byte),
	}, nil
}

// NewResponder creates session state on the side whose pre-key bundle was
// consumed. ourRatchet is the signed pre-key pair referenced by the incoming
// pre-key message; the receiving chain is derived on the first Decrypt when
// the initiator's ratchet key is seen.
func NewResponder(root [32]byte, ourRatchet KeyPair) *State {
	return &State{
		RootKey: root,
		DHPriv:  ourRatchet.Private,
		DHPub:   ourRatchet.Public,
		Skipped: make(map[string][]byte),
	}
}

// Encrypt advances the sending chain and encrypts plaintext. ad is
// additional authenticated data binding the ciphertext to the session's
// identities. On a responder's first send the DH ratchet is stepped first.
func (s *State) Encrypt(plaintext, ad []byte) (*Message, error) {
	if len(s.SendChainKey) == 0 {
		if s.PeerDHPub.IsZero() {
			return nil, ErrUninitializedChain
		}
		if err := s.stepSendingChain(); err != nil {
			return nil, err
		}
	}

	var msgKey [32]byte
	s.SendChainKey, msgKey = kdfChainKey(s.SendChainKey)

	msg := &Message{
		RatchetKey: s.DHPub,
		PrevCount:  s.PrevCount,
		Counter:    s.SendCount,
	}
	ct, err := seal(msgKey, msg, ad, plaintext)
	if err != nil {
		return nil, err
	}
	msg.Ciphertext = ct
	s.SendCount++
	return msg, nil
}

// Decrypt decrypts a message, handling skipped keys and DH ratchet steps.
// It works on a copy of the state and commits only on success, so a failed
// decrypt (replay, forgery, malformed input) never corrupts the session.
func (s *State) Decrypt(msg *Message, ad []byte) ([]byte, error) {
	work := s.clone()
	pt, err := work.decrypt(msg, ad)
	if err != nil {
		return nil, err
	}
	*s = *work
	return pt, nil
}

func (s *State) decrypt(msg *Message, ad []byte) ([]byte, error) {
	chainHex := hex.EncodeToString(msg.RatchetKey[:])

	// Skipped key from the current or an older chain.
	if mk, ok := s.Skipped[skippedKeyID(msg.RatchetKey, msg.Counter)]; ok {
		delete(s.Skipped, skippedKeyID(msg.RatchetKey, msg.Counter))
		var key [32]byte
		copy(key[:], mk)
		return open(key, msg, ad)
	}

	// A message on a retired chain whose key is gone was already consumed.
	for _, retired := range s.RetiredChains {
		if retired == chainHex {
			return nil, ErrDuplicateMessage
		}
	}

	if msg.RatchetKey != s.PeerDHPub {
		// New remote ratchet key: close out the current receiving chain,
		// then step both chains.
		if err := s.skipReceivingKeys(msg.PrevCount); err != nil {
			return nil, err
		}
		if err := s.stepReceivingChain(msg.RatchetKey); err != nil {
			return nil, err
		}
	} else if msg.Counter < s.RecvCount {
		// Same chain, counter behind, and no cached key: replay.
		return nil, ErrDuplicateMessage
	}

	if err := s.skipReceivingKeys(msg.Counter); err != nil {
		return nil, err
	}

	if len(s.RecvChainKey) == 0 {
		return nil, ErrUninitializedChain
	}
	var msgKey [32]byte
	s.RecvChainKey, msgKey = kdfChainKey(s.RecvChainKey)
	pt, err := open(msgKey, msg, ad)
	if err != nil {
		return nil, err
	}
	s.RecvCount++
	return pt, nil
}

// stepSendingChain performs a DH ratchet step to open a new sending chain
// (responder's first send after establishing, or after a receiving step).
func (s *State) stepSendingChain() error {
	pair, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	shared, err := dh(pair.Private, s.PeerDHPub)
	if err != nil {
		return fmt.Errorf("ratchet: sending step dh: %w", err)
	}
	s.RootKey, s.SendChainKey = kdfRootKey(s.RootKey, shared)
	s.DHPriv, s.DHPub = pair.Private, pair.Public
	s.PrevCount = s.SendCount
	s.SendCount = 0
	return nil
}

// stepReceivingChain advances to a new receiving chain keyed by the peer's
// fresh ratchet key, retiring the previous one, and opens a matching new
// sending chain so our next message ratchets forward too.
func (s *State) stepReceivingChain(peerPub PublicKey) error {
	if !s.PeerDHPub.IsZero() {
		s.RetiredChains = append(s.RetiredChains, hex.EncodeToString(s.PeerDHPub[:]))
		if len(s.RetiredChains) > maxRetiredChains {
			s.RetiredChains = s.RetiredChains[len(s.RetiredChains)-maxRetiredChains:]
		}
	}

	shared, err := dh(s.DHPriv, peerPub)
	if err != nil {
		return fmt.Errorf("ratchet: receiving step dh: %w", err)
	}
	var recvCK []byte
	s.RootKey, recvCK = kdfRootKey(s.RootKey, shared)

	pair, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	shared2, err := dh(pair.Private, peerPub)
	if err != nil {
		return fmt.Errorf("ratchet: sending step dh: %w", err)
	}
	var sendCK []byte
	s.RootKey, sendCK = kdfRootKey(s.RootKey, shared2)

	s.PeerDHPub = peerPub
	s.DHPriv, s.DHPub = pair.Private, pair.Public
	s.RecvChainKey = recvCK
	s.SendChainKey = sendCK
	s.PrevCount = s.SendCount
	s.SendCount = 0
	s.RecvCount = 0
	return nil
}

// skipReceivingKeys derives and caches message keys up to (but excluding)
// until, bounded by MaxSkippedKeys.
func (s *State) skipReceivingKeys(until uint32) error {
	if s.RecvCount >= until {
		return nil
	}
	if len(s.RecvChainKey) == 0 {
		return ErrUninitializedChain
	}
	needed := int(until - s.RecvCount)
	if needed > MaxSkippedKeys || len(s.Skipped)+needed > MaxSkippedKeys {
		return ErrMessageTooFarInFuture
	}
	for s.RecvCount < until {
		var mk [32]byte
		s.RecvChainKey, mk = kdfChainKey(s.RecvChainKey)
		s.Skipped[skippedKeyID(s.PeerDHPub, s.RecvCount)] = mk[:]
		s.RecvCount++
	}
	return nil
}

func (s *State) clone() *State {
	c := *s
	c.SendChainKey = append([]byte(nil), s.SendChainKey...)
	c.RecvChainKey = append([]byte(nil), s.RecvChainKey...)
	c.Skipped = make(map[string][]byte, len(s.Skipped))
	for k, v := range s.Skipped {
		c.Skipped[k] = append([]byte(nil), v...)
	}
	c.RetiredChains = append([]string(nil), s.RetiredChains...)
	return &c
}

// --- key derivation and AEAD ---

func kdfRootKey(root [32]byte, shared [32]byte) ([32]byte, []byte) {
	r := hkdf.New(sha256.New, shared[:], root[:], []byte("relay-dr-root"))
	var newRoot [32]byte
	ck := make([]byte, 32)
	_, _ = io.ReadFull(r, newRoot[:])
	_, _ = io.ReadFull(r, ck)
	return newRoot, ck
}

func kdfChainKey(ck []byte) ([]byte, [32]byte) {
	r := hkdf.New(sha256.New, ck, nil, []byte("relay-dr-chain"))
	next := make([]byte, 32)
	var mk [32]byte
	_, _ = io.ReadFull(r, next)
	_, _ = io.ReadFull(r, mk[:])
	return next, mk
}

func seal(key [32]byte, msg *Message, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], msg.Counter)
	return aead.Seal(nil, nonce, plaintext, msg.authData(ad)), nil
}

func open(key [32]byte, msg *Message, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], msg.Counter)
	pt, err := aead.Open(nil, nonce, msg.Ciphertext, msg.authData(ad))
	if err != nil {
		return nil, fmt.Errorf("ratchet: open: %w", err)
	}
	return pt, nil
}

func skippedKeyID(chain PublicKey, counter uint32) string {
	var buf [36]byte
	copy(buf[:32], chain[:])
	binary.BigEndian.PutUint32(buf[32:], counter)
	return hex.EncodeToString(buf[:])
}
