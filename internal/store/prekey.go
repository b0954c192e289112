package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/relayfed/relay-go/internal/ratchet"
)

// ErrPreKeyNotFound is returned when a one-time pre-key does not exist,
// including when a concurrent decrypt already consumed it.
var ErrPreKeyNotFound = errors.New("store: pre-key not found")

// StorePreKey stores a one-time pre-key record.
func (s *Store) StorePreKey(rec *ratchet.PreKeyRecord) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize pre-key: %w", err)
	}
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO pre_key (id, record) VALUES (?, ?)",
		rec.ID, data,
	)
	if err != nil {
		return fmt.Errorf("store: store pre-key: %w", err)
	}
	return nil
}

// LoadPreKey loads a one-time pre-key record by ID without consuming it.
func (s *Store) LoadPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM pre_key WHERE id = ?", id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreKeyNotFound
		}
		return nil, fmt.Errorf("store: load pre-key: %w", err)
	}
	return ratchet.DeserializePreKeyRecord(record)
}

// ConsumePreKey atomically loads and deletes a one-time pre-key. A second
// consumer of the same ID gets ErrPreKeyNotFound, which guarantees each
// pre-key keys at most one inbound session.
func (s *Store) ConsumePreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var record []byte
	err = tx.QueryRow("SELECT record FROM pre_key WHERE id = ?", id).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPreKeyNotFound
		}
		return nil, fmt.Errorf("store: consume pre-key: %w", err)
	}

	res, err := tx.Exec("DELETE FROM pre_key WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("store: consume pre-key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: consume pre-key: %w", err)
	}
	if n != 1 {
		return nil, ErrPreKeyNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return ratchet.DeserializePreKeyRecord(record)
}

// RemovePreKey deletes a one-time pre-key record. Idempotent.
func (s *Store) RemovePreKey(id uint32) error {
	_, err := s.db.Exec("DELETE FROM pre_key WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: remove pre-key: %w", err)
	}
	return nil
}

// CountPreKeys returns the number of unconsumed one-time pre-keys.
func (s *Store) CountPreKeys() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM pre_key").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count pre-keys: %w", err)
	}
	return n, nil
}

// ListPreKeys returns all unconsumed one-time pre-key records ordered by ID.
func (s *Store) ListPreKeys() ([]*ratchet.PreKeyRecord, error) {
	rows, err := s.db.Query("SELECT record FROM pre_key ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("store: list pre-keys: %w", err)
	}
	defer rows.Close()

	var recs []*ratchet.PreKeyRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan pre-key: %w", err)
		}
		rec, err := ratchet.DeserializePreKeyRecord(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate pre-keys: %w", err)
	}
	return recs, nil
}

// StoreSignedPreKey stores a signed pre-key record. When current is true the
// record becomes the one advertised in fresh pre-key bundles and the previous
// current flag is cleared in the same transaction.
func (s *Store) StoreSignedPreKey(rec *ratchet.SignedPreKeyRecord, current bool) error {
	data, err := rec.Serialize()
	if err != nil {
		return fmt.Errorf("store: serialize signed pre-key: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	if current {
		if _, err := tx.Exec("UPDATE signed_pre_key SET current = 0"); err != nil {
			return fmt.Errorf("store: clear current signed pre-key: %w", err)
		}
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO signed_pre_key (id, record, created_at, current) VALUES (?, ?, ?, ?)",
		rec.ID, data, rec.CreatedAt.Unix(), boolToInt(current),
	)
	if err != nil {
		return fmt.Errorf("store: store signed pre-key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// LoadSignedPreKey loads a signed pre-key record by ID.
func (s *Store) LoadSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM signed_pre_key WHERE id = ?", id,
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: signed pre-key %d not found", id)
		}
		return nil, fmt.Errorf("store: load signed pre-key: %w", err)
	}
	return ratchet.DeserializeSignedPreKeyRecord(record)
}

// CurrentSignedPreKey returns the signed pre-key advertised in fresh
// bundles. Returns nil, nil if none has been stored yet.
func (s *Store) CurrentSignedPreKey() (*ratchet.SignedPreKeyRecord, error) {
	var record []byte
	err := s.db.QueryRow(
		"SELECT record FROM signed_pre_key WHERE current = 1",
	).Scan(&record)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: current signed pre-key: %w", err)
	}
	return ratchet.DeserializeSignedPreKeyRecord(record)
}

// PruneSignedPreKeys deletes non-current signed pre-keys created before the
// cutoff. Stale keys are kept around for a grace period so in-flight bundles
// referencing them still decrypt.
func (s *Store) PruneSignedPreKeys(before time.Time) error {
	_, err := s.db.Exec(
		"DELETE FROM signed_pre_key WHERE current = 0 AND created_at < ?",
		before.Unix(),
	)
	if err != nil {
		return fmt.Errorf("store: prune signed pre-keys: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
