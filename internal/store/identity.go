package store

import (
	"fmt"

	"github.com/relayfed/relay-go/internal/ratchet"
)

// SetLocalIdentity caches the local identity key pair and registration ID.
// These are loaded from the account row once at startup.
func (s *Store) SetLocalIdentity(keyPair *ratchet.IdentityKeyPair, registrationID uint32) {
	s.identityKeyPair = keyPair
	s.registrationID = registrationID
}

// LocalIdentity returns the cached local identity key pair.
func (s *Store) LocalIdentity() (*ratchet.IdentityKeyPair, error) {
	if s.identityKeyPair == nil {
		return nil, fmt.Errorf("store: identity key pair not set")
	}
	return s.identityKeyPair, nil
}

// LocalRegistrationID returns the cached local registration ID.
func (s *Store) LocalRegistrationID() uint32 {
	return s.registrationID
}

// SaveIdentityKey pins a remote identity key for the given address,
// overwriting any previous pin.
func (s *Store) SaveIdentityKey(address string, key ratchet.PublicKey) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO identity (address, public_key) VALUES (?, ?)",
		address, key[:],
	)
	if err != nil {
		return fmt.Errorf("store: save identity key: %w", err)
	}
	return nil
}

// GetIdentityKey loads the pinned identity key for the given address.
// Returns nil, nil if no identity is pinned for this address.
func (s *Store) GetIdentityKey(address string) (*ratchet.PublicKey, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT public_key FROM identity WHERE address = ?", address,
	).Scan(&data)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load identity key: %w", err)
	}
	if len(data) != len(ratchet.PublicKey{}) {
		return nil, fmt.Errorf("store: identity key for %s has %d bytes", address, len(data))
	}

	var key ratchet.PublicKey
	copy(key[:], data)
	return &key, nil
}

// IsTrustedIdentity checks whether a remote identity key matches the pin.
// Uses trust-on-first-use (TOFU): unknown identities are trusted.
func (s *Store) IsTrustedIdentity(address string, key ratchet.PublicKey) (bool, error) {
	existing, err := s.GetIdentityKey(address)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return *existing == key, nil
}
