package store

import (
	"fmt"

	"github.com/relayfed/relay-go/internal/ratchet"
)

// LoadSession loads the active session record for a recipient device.
// Archived sessions are skipped. Returns nil, nil if no active session
// exists.
func (s *Store) LoadSession(address string, deviceID uint32) (*ratchet.SessionRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM session WHERE address = ? AND device_id = ? AND archived = 0",
		address, deviceID,
	).Scan(&record)
	if err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session: %w", err)
	}

	rec, err := ratchet.DeserializeSessionRecord(record)
	if err != nil {
		return nil, fmt.Errorf("store: decode session: %w", err)
	}
	return rec, nil
}

// StoreSession stores a session record for a recipient device, replacing
// any previous record and clearing the archived flag.
func (s *Store) StoreSession(address string, deviceID uint32, rec *ratchet.SessionRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize session: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO session (address, device_id, record, archived) VALUES (?, ?, ?, 0)",
		address, deviceID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store session: %w", err)
	}
	return nil
}

// ArchiveSession flags the session for the given recipient device so the
// next encrypt attempt establishes a fresh one via pre-key fetch. The record
// is kept for audit rather than deleted. Idempotent.
func (s *Store) ArchiveSession(address string, deviceID uint32) error {
	_, err := s.db.Exec(
		"UPDATE session SET archived = 1 WHERE address = ? AND device_id = ?",
		address, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: archive session: %w", err)
	}
	return nil
}
