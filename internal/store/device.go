package store

import (
	"fmt"
	"time"
)

// GetDevices returns known device IDs for a recipient, ordered by device_id.
// Returns an empty slice if no devices are cached.
func (s *Store) GetDevices(address string) ([]uint32, error) {
	rows, err := s.db.Query(
		"SELECT device_id FROM recipient_device WHERE address = ? ORDER BY device_id",
		address,
	)
	if err != nil {
		return nil, fmt.Errorf("store: get devices: %w", err)
	}
	defer rows.Close()

	var devices []uint32
	for rows.Next() {
		var deviceID uint32
		if err := rows.Scan(&deviceID); err != nil {
			return nil, fmt.Errorf("store: scan device: %w", err)
		}
		devices = append(devices, deviceID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate devices: %w", err)
	}
	return devices, nil
}

// SetDevices replaces the cached device list for a recipient.
func (s *Store) SetDevices(address string, deviceIDs []uint32) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM recipient_device WHERE address = ?", address); err != nil {
		return fmt.Errorf("store: delete devices: %w", err)
	}

	now := time.Now().Unix()
	stmt, err := tx.Prepare("INSERT INTO recipient_device (address, device_id, last_seen) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("store: prepare: %w", err)
	}
	defer stmt.Close()

	for _, deviceID := range deviceIDs {
		if _, err := stmt.Exec(address, deviceID, now); err != nil {
			return fmt.Errorf("store: insert device %d: %w", deviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// AddDevice adds a device to a recipient's cached list. Idempotent.
func (s *Store) AddDevice(address string, deviceID uint32) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO recipient_device (address, device_id, last_seen) VALUES (?, ?, ?)",
		address, deviceID, now,
	)
	if err != nil {
		return fmt.Errorf("store: add device: %w", err)
	}
	return nil
}

// RemoveDevice removes a device from a recipient's cached list. Idempotent.
func (s *Store) RemoveDevice(address string, deviceID uint32) error {
	_, err := s.db.Exec(
		"DELETE FROM recipient_device WHERE address = ? AND device_id = ?",
		address, deviceID,
	)
	if err != nil {
		return fmt.Errorf("store: remove device: %w", err)
	}
	return nil
}
