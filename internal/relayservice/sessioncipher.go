package relayservice

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/store"
)

// ErrNoSession is returned when encrypting for a device we have no
// established session with.
var ErrNoSession = errors.New("relayservice: no session")

// SessionCipher bridges the durable session store and the ratchet: it
// serializes all state changes for one (recipient, device) pair and persists
// the advanced session before any ciphertext leaves this process.
type SessionCipher struct {
	store  *store.Store
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionCipher(st *store.Store, logger *log.Logger) *SessionCipher {
	return &SessionCipher{
		store:  st,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex guarding one (address, device) session.
func (c *SessionCipher) lock(address string, deviceID uint32) *sync.Mutex {
	key := fmt.Sprintf("%s.%d", address, deviceID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.locks[key] = l
	return l
}

// EstablishSession runs the handshake against a fetched bundle and persists
// the resulting session. The peer's identity key must match any existing pin.
func (c *SessionCipher) EstablishSession(address string, deviceID uint32, bundle *ratchet.PreKeyBundle) error {
	l := c.lock(address, deviceID)
	l.Lock()
	defer l.Unlock()

	trusted, err := c.store.IsTrustedIdentity(address, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &UntrustedIdentityError{Recipient: address, Device: deviceID}
	}

	identity, err := c.store.LocalIdentity()
	if err != nil {
		return err
	}
	rec, err := ratchet.InitiateSession(identity, bundle)
	if err != nil {
		return err
	}
	if err := c.store.SaveIdentityKey(address, bundle.IdentityKey); err != nil {
		return err
	}
	if err := c.store.StoreSession(address, deviceID, rec); err != nil {
		return err
	}
	logf(c.logger, "session: established with %s.%d (pre-key %d)", address, deviceID, rec.PendingPreKeyID)
	return nil
}

// TrustIdentity replaces the pinned identity key for a peer after the user
// confirmed the change. Active sessions keyed to the old identity are
// archived so the next send performs a fresh handshake.
func (c *SessionCipher) TrustIdentity(address string, key ratchet.PublicKey, deviceIDs []uint32) error {
	if err := c.store.SaveIdentityKey(address, key); err != nil {
		return err
	}
	for _, deviceID := range deviceIDs {
		if err := c.ArchiveSession(address, deviceID); err != nil {
			return err
		}
	}
	logf(c.logger, "session: identity for %s re-pinned, %d sessions archived", address, len(deviceIDs))
	return nil
}

// HasSession reports whether an active session exists for the device.
func (c *SessionCipher) HasSession(address string, deviceID uint32) (bool, error) {
	rec, err := c.store.LoadSession(address, deviceID)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// ArchiveSession retires the active session for the device.
func (c *SessionCipher) ArchiveSession(address string, deviceID uint32) error {
	l := c.lock(address, deviceID)
	l.Lock()
	defer l.Unlock()
	return c.store.ArchiveSession(address, deviceID)
}

// Encrypt pads and encrypts plaintext for one device. The advanced session
// is persisted before the ciphertext is returned, so a crash after Encrypt
// can never reuse a message key. Returns the wire message type, the
// serialized message, and the peer's registration ID.
func (c *SessionCipher) Encrypt(address string, deviceID uint32, plaintext []byte) (string, []byte, uint32, error) {
	l := c.lock(address, deviceID)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.LoadSession(address, deviceID)
	if err != nil {
		return "", nil, 0, err
	}
	if rec == nil {
		return "", nil, 0, ErrNoSession
	}

	msg, err := rec.State.Encrypt(padMessage(plaintext), rec.AD)
	if err != nil {
		return "", nil, 0, err
	}
	if err := c.store.StoreSession(address, deviceID, rec); err != nil {
		return "", nil, 0, err
	}

	if rec.Unacknowledged {
		wrapped := rec.WrapPreKeyMessage(c.store.LocalRegistrationID(), msg)
		return MsgTypePreKey, wrapped.Serialize(), rec.PeerRegistrationID, nil
	}
	return MsgTypeCiphertext, msg.Serialize(), rec.PeerRegistrationID, nil
}

// Decrypt routes an incoming message through the session for its sender
// device, building the session first for pre-key messages. The plaintext is
// returned with transport padding removed.
func (c *SessionCipher) Decrypt(msgType, address string, deviceID uint32, content []byte) ([]byte, error) {
	l := c.lock(address, deviceID)
	l.Lock()
	defer l.Unlock()

	switch msgType {
	case MsgTypePreKey:
		return c.decryptPreKeyMessage(address, deviceID, content)
	case MsgTypeCiphertext:
		return c.decryptMessage(address, deviceID, content)
	default:
		return nil, fmt.Errorf("relayservice: unknown message type %q", msgType)
	}
}

func (c *SessionCipher) decryptMessage(address string, deviceID uint32, content []byte) ([]byte, error) {
	msg, err := ratchet.DeserializeMessage(content)
	if err != nil {
		return nil, err
	}
	rec, err := c.store.LoadSession(address, deviceID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoSession
	}
	return c.finishDecrypt(address, deviceID, rec, msg)
}

func (c *SessionCipher) decryptPreKeyMessage(address string, deviceID uint32, content []byte) ([]byte, error) {
	pkm, err := ratchet.DeserializePreKeyMessage(content)
	if err != nil {
		return nil, err
	}

	trusted, err := c.store.IsTrustedIdentity(address, pkm.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityError{Recipient: address, Device: deviceID}
	}

	// A retransmitted handshake message for a session we already hold must
	// go through the existing ratchet, which reports the replay, rather
	// than consume another one-time pre-key.
	existing, err := c.store.LoadSession(address, deviceID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.PeerIdentity == pkm.IdentityKey {
		return c.finishDecrypt(address, deviceID, existing, pkm.Message)
	}

	identity, err := c.store.LocalIdentity()
	if err != nil {
		return nil, err
	}
	spk, err := c.store.LoadSignedPreKey(pkm.SignedPreKeyID)
	if err != nil {
		return nil, err
	}

	var oneTime *ratchet.PreKeyRecord
	if pkm.PreKeyID != ratchet.NoPreKeyID {
		oneTime, err = c.store.ConsumePreKey(pkm.PreKeyID)
		if err != nil {
			return nil, err
		}
	}

	rec, err := ratchet.RespondSession(identity, spk, oneTime, pkm)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveIdentityKey(address, pkm.IdentityKey); err != nil {
		return nil, err
	}
	logf(c.logger, "session: accepted handshake from %s.%d", address, deviceID)
	return c.finishDecrypt(address, deviceID, rec, pkm.Message)
}

// finishDecrypt runs the ratchet, persists the advanced session, and strips
// padding. The first successful inbound decrypt acknowledges a session we
// initiated, dropping the handshake header from future sends.
func (c *SessionCipher) finishDecrypt(address string, deviceID uint32, rec *ratchet.SessionRecord, msg *ratchet.Message) ([]byte, error) {
	plaintext, err := rec.State.Decrypt(msg, rec.AD)
	if err != nil {
		return nil, err
	}
	rec.Unacknowledged = false
	if err := c.store.StoreSession(address, deviceID, rec); err != nil {
		return nil, err
	}
	return stripPadding(plaintext)
}
