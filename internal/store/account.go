package store

import (
	"encoding/json"
	"fmt"
)

// Registration states persisted on the account row.
const (
	StateUnregistered         = "unregistered"
	StateAwaitingVerification = "awaitingVerification"
	StateRegistered           = "registered"
)

// Key IDs are 24-bit on the wire and wrap back to 1.
const MaxKeyID = 0xFFFFFF

// Account holds all credentials and registration bookkeeping. It is stored
// as a single JSON row so that every save is one atomic commit.
type Account struct {
	Address        string `json:"address"`
	PendingAddress string `json:"pendingAddress,omitempty"`
	DeviceID       uint32 `json:"deviceId"`
	State          string `json:"state"`
	Deregistered   bool   `json:"deregistered"`

	RegistrationID  uint32 `json:"registrationId"`
	ServerAuthToken string `json:"serverAuthToken,omitempty"`
	SignalingKey    []byte `json:"signalingKey,omitempty"`
	IdentityKey     []byte `json:"identityKey,omitempty"`

	NextPreKeyID       uint32 `json:"nextPreKeyId"`
	NextSignedPreKeyID uint32 `json:"nextSignedPreKeyId"`
}

const accountKey = "account"

// SaveAccount persists the account to the database.
func (s *Store) SaveAccount(acct *Account) error {
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("store: marshal account: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO account (key, value) VALUES (?, ?)",
		accountKey, data,
	)
	if err != nil {
		return fmt.Errorf("store: save account: %w", err)
	}
	return nil
}

// LoadAccount loads the account from the database.
// Returns nil, nil if no account has been saved.
func (s *Store) LoadAccount() (*Account, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT value FROM account WHERE key = ?", accountKey,
	).Scan(&data)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}

	var acct Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("store: unmarshal account: %w", err)
	}
	return &acct, nil
}

// UpdateAccount applies fn to the current account under the store lock and
// saves the result. A fresh unregistered account is created when none exists
// yet. Returns the saved account.
func (s *Store) UpdateAccount(fn func(*Account) error) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, err := s.LoadAccount()
	if err != nil {
		return nil, err
	}
	if acct == nil {
		acct = &Account{State: StateUnregistered}
	}
	if err := fn(acct); err != nil {
		return nil, err
	}
	if err := s.SaveAccount(acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// AllocatePreKeyIDs reserves a contiguous block of n one-time pre-key IDs
// and returns the first. IDs wrap back to 1 past MaxKeyID.
func (s *Store) AllocatePreKeyIDs(n int) (uint32, error) {
	var start uint32
	_, err := s.UpdateAccount(func(acct *Account) error {
		if acct.NextPreKeyID == 0 {
			acct.NextPreKeyID = 1
		}
		start = acct.NextPreKeyID
		next := (uint64(start) + uint64(n)) % MaxKeyID
		if next == 0 {
			next = 1
		}
		acct.NextPreKeyID = uint32(next)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// AllocateSignedPreKeyID reserves the next signed pre-key ID.
func (s *Store) AllocateSignedPreKeyID() (uint32, error) {
	var id uint32
	_, err := s.UpdateAccount(func(acct *Account) error {
		if acct.NextSignedPreKeyID == 0 {
			acct.NextSignedPreKeyID = 1
		}
		id = acct.NextSignedPreKeyID
		acct.NextSignedPreKeyID = id%MaxKeyID + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}
