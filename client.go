// Package relay provides a high-level client for the Relay secure messaging
// protocol: account registration, key management, encrypted sending, and
// encrypted receiving over a persistent WebSocket.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/relayservice"
	"github.com/relayfed/relay-go/internal/store"
)

// Message represents a received, decrypted message.
type Message = relayservice.IncomingMessage

// Content is the inner payload of a message.
type Content = relayservice.Content

// Event is a state change notification emitted by the client.
type Event = relayservice.Event

// SendReport describes the per-device outcome of one send.
type SendReport = relayservice.SendReport

// DeviceInfo describes one device registered to the account.
type DeviceInfo = relayservice.DeviceInfo

// Verification channels accepted by Register and Reregister.
const (
	ChannelSMS   = relayservice.ChannelSMS
	ChannelVoice = relayservice.ChannelVoice
)

// Content kinds carried in received messages.
const (
	ContentKindText    = relayservice.ContentKindText
	ContentKindReceipt = relayservice.ContentKindReceipt
	ContentKindControl = relayservice.ContentKindControl
)

const (
	defaultAPIURL = "https://api.relay.example.org"
	defaultWSURL  = "wss://api.relay.example.org"
)

// Client is the main entry point for interacting with a Relay server.
type Client struct {
	apiURL    string
	wsURL     string
	tlsConfig *tls.Config
	dbPath    string
	logger    *log.Logger

	store   *store.Store
	service *relayservice.Service
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the default REST API URL.
func WithAPIURL(url string) Option {
	return func(c *Client) { c.apiURL = url }
}

// WithWSURL overrides the default message WebSocket URL.
func WithWSURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithTLSConfig overrides the TLS configuration used for connections.
func WithTLSConfig(tc *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = tc }
}

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/relay-go/default.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithLogger sets the logger for verbose output.
// If not set, logging is disabled.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client and opens (or creates) its local database.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		apiURL: defaultAPIURL,
		wsURL:  defaultWSURL,
	}
	for _, o := range opts {
		o(c)
	}

	st, err := store.Open(c.dbPath)
	if err != nil {
		return nil, fmt.Errorf("client: open store: %w", err)
	}
	c.store = st

	svc, err := relayservice.New(c.apiURL, c.wsURL, st, c.tlsConfig, c.logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("client: %w", err)
	}
	c.service = svc
	return c, nil
}

// Open opens an existing account by address (e.g. "@alice:example.org").
// It finds the database in the default data directory and verifies that a
// registered account is present.
func Open(address string, opts ...Option) (*Client, error) {
	dbPath, err := discoverDBByAddress(address)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(append(opts, WithDBPath(dbPath))...)
	if err != nil {
		return nil, err
	}
	acct, err := c.store.LoadAccount()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("client: load account: %w", err)
	}
	if acct == nil || acct.State != store.StateRegistered {
		c.Close()
		return nil, fmt.Errorf("client: account %s is not registered", address)
	}
	return c, nil
}

// Close closes the client's database connection.
func (c *Client) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// Register starts registration for the given address. The server sends a
// verification code over the chosen channel ("sms" or "voice"); complete the
// flow by calling Verify with that code.
func (c *Client) Register(ctx context.Context, address, channel string) error {
	return c.service.Accounts.RequestCode(ctx, address, channel)
}

// Verify submits the verification code received after Register. On success
// the account is registered, its identity is pinned, and an initial batch of
// pre-keys is published to the server.
func (c *Client) Verify(ctx context.Context, code string) error {
	return c.service.Accounts.VerifyCode(ctx, code)
}

// Reregister requests a fresh verification code for an account that was
// deregistered, keeping its identity and registration ID.
func (c *Client) Reregister(ctx context.Context, channel string) error {
	return c.service.Accounts.Reregister(ctx, channel)
}

// Unregister deletes the account from the server and clears its credentials.
func (c *Client) Unregister(ctx context.Context) error {
	return c.service.Accounts.Unregister(ctx)
}

// Send sends a text message to every device of the given recipient address.
// The returned report lists per-device outcomes; an error is returned only
// when no device accepted the message.
func (c *Client) Send(ctx context.Context, recipient, text string) (*SendReport, error) {
	return c.service.Sender.SendText(ctx, recipient, text)
}

// SendToThread sends a text message to every device of every recipient in a
// thread. One report is returned per recipient; an error is returned only
// when no device anywhere accepted the message.
func (c *Client) SendToThread(ctx context.Context, recipients []string, text string) ([]*SendReport, error) {
	return c.service.Sender.SendTextToThread(ctx, recipients, text)
}

// SendReceipt sends a delivery receipt for a previously received message.
func (c *Client) SendReceipt(ctx context.Context, recipient string, timestamp uint64) (*SendReport, error) {
	return c.service.Sender.SendReceipt(ctx, recipient, timestamp)
}

// Receive connects to the message WebSocket and yields decrypted incoming
// messages until ctx is canceled. Poisoned or duplicate envelopes are
// acknowledged and skipped; yielded errors are informational and the stream
// continues after them.
func (c *Client) Receive(ctx context.Context) iter.Seq2[*Message, error] {
	return c.service.Receiver.Receive(ctx)
}

// Devices lists the devices registered to the account.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	return c.service.Devices(ctx)
}

// RefreshKeys checks the server's pre-key count, replenishes the pool when it
// runs low, and rotates the signed pre-key when it has aged out.
func (c *Client) RefreshKeys(ctx context.Context) error {
	return c.service.Keys.CheckPreKeys(ctx)
}

// OnEvent registers an observer for client state changes (registration,
// socket connectivity, queue drained). Observers must not block.
func (c *Client) OnEvent(fn func(Event)) {
	c.service.Notifier.Observe(fn)
}

// IsRegistered reports whether the account can authenticate against the
// server. False before verification and after the server revokes our
// credentials.
func (c *Client) IsRegistered() bool {
	ok, err := c.service.Accounts.IsRegistered()
	return err == nil && ok
}

// Address returns the registered account address, or "" before registration.
func (c *Client) Address() string {
	acct, err := c.store.LoadAccount()
	if err != nil || acct == nil {
		return ""
	}
	return acct.Address
}

// DeviceID returns the device ID assigned during registration.
func (c *Client) DeviceID() uint32 {
	acct, err := c.store.LoadAccount()
	if err != nil || acct == nil {
		return 0
	}
	return acct.DeviceID
}

// IdentityKey returns the public half of the local identity key.
func (c *Client) IdentityKey() ([]byte, error) {
	kp, err := c.store.LocalIdentity()
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	pub := kp.DH.Public
	return pub[:], nil
}

// PeerIdentityKey returns the pinned identity key for a remote address, or an
// error when no sessions with that peer exist yet.
func (c *Client) PeerIdentityKey(address string) ([]byte, error) {
	key, err := c.store.GetIdentityKey(address)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("client: no identity stored for %s", address)
	}
	return key[:], nil
}

// TrustPeerIdentity replaces the pinned identity key for a peer whose key
// changed, after the user verified the new key out of band. Sessions bound to
// the old identity are archived; the next send re-establishes them.
func (c *Client) TrustPeerIdentity(address string, key []byte) error {
	var pub ratchet.PublicKey
	if len(key) != len(pub) {
		return fmt.Errorf("client: identity key must be %d bytes", len(pub))
	}
	copy(pub[:], key)
	devices, err := c.store.GetDevices(address)
	if err != nil {
		return err
	}
	return c.service.Cipher.TrustIdentity(address, pub, devices)
}

// discoverDBByAddress finds a database file by account address.
func discoverDBByAddress(address string) (string, error) {
	dbFiles, err := listDBFiles()
	if err != nil {
		return "", err
	}
	for _, path := range dbFiles {
		if getAccountAddress(path) == address {
			return path, nil
		}
	}
	return "", fmt.Errorf("no account found for address %s", address)
}

// listDBFiles returns all .db files in the default data directory.
func listDBFiles() ([]string, error) {
	dir := store.DefaultDataDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir %s: %w", dir, err)
	}

	var dbFiles []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".db" {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, "-wal") || strings.HasSuffix(name, "-shm") {
			continue
		}
		dbFiles = append(dbFiles, filepath.Join(dir, name))
	}
	return dbFiles, nil
}

// getAccountAddress opens a database and returns the account address, or ""
// on error.
func getAccountAddress(dbPath string) string {
	s, err := store.Open(dbPath)
	if err != nil {
		return ""
	}
	defer s.Close()

	acct, err := s.LoadAccount()
	if err != nil || acct == nil {
		return ""
	}
	return acct.Address
}
