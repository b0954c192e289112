package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/relayfed/relay-go/internal/ratchet"
)

// Store wraps a SQLite database holding the account credentials, ratchet
// sessions, identity pins and the pre-key pool.
type Store struct {
	db *sql.DB

	mu              sync.Mutex // guards account read-modify-write
	identityKeyPair *ratchet.IdentityKeyPair
	registrationID  uint32
}

const schema = `
CREATE TABLE IF NOT EXISTS account (
	key TEXT PRIMARY KEY,
	value BLOB
);
CREATE TABLE IF NOT EXISTS session (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	record BLOB NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (address, device_id)
);
CREATE TABLE IF NOT EXISTS identity (
	address TEXT PRIMARY KEY,
	public_key BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS signed_pre_key (
	id INTEGER PRIMARY KEY,
	record BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	current INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS recipient_device (
	address TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	PRIMARY KEY (address, device_id)
);
`

// DefaultDataDir returns the default data directory for relay-go databases.
// Uses $XDG_DATA_HOME/relay-go, falling back to ~/.local/share/relay-go.
func DefaultDataDir() string {
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		home, _ := os.UserHomeDir()
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, "relay-go")
}

// Open opens or creates a SQLite store at the given path.
// If dbPath is empty, it defaults to $XDG_DATA_HOME/relay-go/default.db.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = filepath.Join(DefaultDataDir(), "default.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	// Single connection: concurrent writers queue instead of failing busy.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.identityKeyPair = nil
	return s.db.Close()
}
