package store

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relayfed/relay-go/internal/ratchet"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testSession builds a real outbound session record via a handshake.
func testSession(t *testing.T) *ratchet.SessionRecord {
	t.Helper()

	us, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	spk, err := ratchet.NewSignedPreKeyRecord(peer, 1)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := ratchet.InitiateSession(us, &ratchet.PreKeyBundle{
		IdentityKey:     peer.DH.Public,
		SigningKey:      peer.SigningPublic,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.KeyPair.Public,
		SignedPreKeySig: spk.Signature,
	})
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestOpenClose(t *testing.T) {
	s := tempStore(t)
	if s.db == nil {
		t.Fatal("db should not be nil")
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Dir(path)); os.IsNotExist(err) {
		t.Fatal("directory should have been created")
	}
}

func TestAccountSaveLoad(t *testing.T) {
	s := tempStore(t)

	// Loading with no account returns nil.
	acct, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if acct != nil {
		t.Fatal("expected nil account")
	}

	want := &Account{
		Address:         "@alice:example.org",
		DeviceID:        2,
		State:           StateRegistered,
		RegistrationID:  12345,
		ServerAuthToken: "secret",
		SignalingKey:    []byte("0123456789012345678901234567890123456789012345678901"),
	}
	if err := s.SaveAccount(want); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != want.Address {
		t.Errorf("address: got %q, want %q", got.Address, want.Address)
	}
	if got.State != StateRegistered {
		t.Errorf("state: got %q", got.State)
	}
	if got.RegistrationID != 12345 {
		t.Errorf("registrationId: got %d", got.RegistrationID)
	}
	if len(got.SignalingKey) != 52 {
		t.Errorf("signalingKey: got %d bytes", len(got.SignalingKey))
	}

	// Overwrite.
	want.ServerAuthToken = "new-secret"
	if err := s.SaveAccount(want); err != nil {
		t.Fatal(err)
	}
	got, err = s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerAuthToken != "new-secret" {
		t.Errorf("token after overwrite: got %q", got.ServerAuthToken)
	}
}

func TestUpdateAccountCreatesFresh(t *testing.T) {
	s := tempStore(t)

	acct, err := s.UpdateAccount(func(a *Account) error {
		a.PendingAddress = "@bob:example.org"
		a.State = StateAwaitingVerification
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if acct.State != StateAwaitingVerification {
		t.Fatalf("state: got %q", acct.State)
	}

	loaded, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PendingAddress != "@bob:example.org" {
		t.Fatalf("pendingAddress: got %q", loaded.PendingAddress)
	}
}

func TestAllocatePreKeyIDs(t *testing.T) {
	s := tempStore(t)

	start, err := s.AllocatePreKeyIDs(100)
	if err != nil {
		t.Fatal(err)
	}
	if start != 1 {
		t.Fatalf("first block: got %d, want 1", start)
	}

	start, err = s.AllocatePreKeyIDs(100)
	if err != nil {
		t.Fatal(err)
	}
	if start != 101 {
		t.Fatalf("second block: got %d, want 101", start)
	}

	// Concurrent allocations never hand out overlapping blocks.
	var mu sync.Mutex
	seen := map[uint32]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := s.AllocatePreKeyIDs(10)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[st] {
				t.Errorf("block start %d handed out twice", st)
			}
			seen[st] = true
		}()
	}
	wg.Wait()
}

func TestSessionStore(t *testing.T) {
	s := tempStore(t)

	// Load non-existent session returns nil.
	rec, err := s.LoadSession("@bob:example.org", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("expected nil session")
	}

	orig := testSession(t)
	if err := s.StoreSession("@bob:example.org", 1, orig); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.LoadSession("@bob:example.org", 1)
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil {
		t.Fatal("expected loaded session")
	}
	if loaded.PeerIdentity != orig.PeerIdentity {
		t.Fatal("peer identity mismatch after round trip")
	}
	if loaded.State.SendCount != orig.State.SendCount {
		t.Fatal("ratchet state mismatch after round trip")
	}

	// Sessions are per device.
	other, err := s.LoadSession("@bob:example.org", 2)
	if err != nil {
		t.Fatal(err)
	}
	if other != nil {
		t.Fatal("expected nil session for other device")
	}
}

func TestArchiveSession(t *testing.T) {
	s := tempStore(t)

	if err := s.StoreSession("@bob:example.org", 1, testSession(t)); err != nil {
		t.Fatal(err)
	}

	if err := s.ArchiveSession("@bob:example.org", 1); err != nil {
		t.Fatal(err)
	}

	// Archived sessions are invisible to LoadSession.
	rec, err := s.LoadSession("@bob:example.org", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec != nil {
		t.Fatal("expected nil session after archive")
	}

	// Storing a new session reactivates the slot.
	if err := s.StoreSession("@bob:example.org", 1, testSession(t)); err != nil {
		t.Fatal(err)
	}
	rec, err = s.LoadSession("@bob:example.org", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected session after re-store")
	}

	// Archiving a non-existent session does not error.
	if err := s.ArchiveSession("@nobody:example.org", 1); err != nil {
		t.Fatal(err)
	}
}

func TestIdentityPinning(t *testing.T) {
	s := tempStore(t)

	peer, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	// No pin yet.
	existing, err := s.GetIdentityKey("@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if existing != nil {
		t.Fatal("expected nil identity")
	}

	// TOFU: unknown identity is trusted.
	trusted, err := s.IsTrustedIdentity("@bob:example.org", peer.DH.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !trusted {
		t.Fatal("expected unknown identity to be trusted")
	}

	if err := s.SaveIdentityKey("@bob:example.org", peer.DH.Public); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.GetIdentityKey("@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if loaded == nil || *loaded != peer.DH.Public {
		t.Fatal("pinned identity mismatch")
	}

	// Same key is trusted, a different key is not.
	trusted, err = s.IsTrustedIdentity("@bob:example.org", peer.DH.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !trusted {
		t.Fatal("expected pinned key to be trusted")
	}

	other, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	trusted, err = s.IsTrustedIdentity("@bob:example.org", other.DH.Public)
	if err != nil {
		t.Fatal(err)
	}
	if trusted {
		t.Fatal("expected different key to be untrusted")
	}
}

func TestPreKeyConsumeOnce(t *testing.T) {
	s := tempStore(t)

	if _, err := s.LoadPreKey(1); !errors.Is(err, ErrPreKeyNotFound) {
		t.Fatalf("missing pre-key: got %v", err)
	}

	rec, err := ratchet.NewPreKeyRecord(1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StorePreKey(rec); err != nil {
		t.Fatal(err)
	}

	n, err := s.CountPreKeys()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count: got %d, want 1", n)
	}

	got, err := s.ConsumePreKey(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.KeyPair.Public != rec.KeyPair.Public {
		t.Fatal("consumed pre-key mismatch")
	}

	// Second consume fails: the key is gone.
	if _, err := s.ConsumePreKey(1); !errors.Is(err, ErrPreKeyNotFound) {
		t.Fatalf("second consume: got %v, want ErrPreKeyNotFound", err)
	}
	n, err = s.CountPreKeys()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("count after consume: got %d, want 0", n)
	}
}

func TestPreKeyConcurrentConsume(t *testing.T) {
	s := tempStore(t)

	rec, err := ratchet.NewPreKeyRecord(7)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StorePreKey(rec); err != nil {
		t.Fatal(err)
	}

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.ConsumePreKey(7)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok int
	for err := range results {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrPreKeyNotFound) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("pre-key consumed %d times, want exactly 1", ok)
	}
}

func TestSignedPreKeyCurrent(t *testing.T) {
	s := tempStore(t)

	// No current key yet.
	cur, err := s.CurrentSignedPreKey()
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil {
		t.Fatal("expected nil current signed pre-key")
	}

	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	first, err := ratchet.NewSignedPreKeyRecord(identity, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreSignedPreKey(first, true); err != nil {
		t.Fatal(err)
	}

	second, err := ratchet.NewSignedPreKeyRecord(identity, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreSignedPreKey(second, true); err != nil {
		t.Fatal(err)
	}

	// Only the latest is current; the old one stays loadable for in-flight
	// handshakes.
	cur, err = s.CurrentSignedPreKey()
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil || cur.ID != 2 {
		t.Fatalf("current: got %+v, want ID 2", cur)
	}
	if _, err := s.LoadSignedPreKey(1); err != nil {
		t.Fatalf("stale signed pre-key should remain loadable: %v", err)
	}
}

func TestPruneSignedPreKeys(t *testing.T) {
	s := tempStore(t)

	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	old, err := ratchet.NewSignedPreKeyRecord(identity, 1)
	if err != nil {
		t.Fatal(err)
	}
	old.CreatedAt = time.Now().Add(-40 * 24 * time.Hour)
	if err := s.StoreSignedPreKey(old, false); err != nil {
		t.Fatal(err)
	}

	cur, err := ratchet.NewSignedPreKeyRecord(identity, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StoreSignedPreKey(cur, true); err != nil {
		t.Fatal(err)
	}

	if err := s.PruneSignedPreKeys(time.Now().Add(-30 * 24 * time.Hour)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.LoadSignedPreKey(1); err == nil {
		t.Fatal("expected stale signed pre-key to be pruned")
	}
	if _, err := s.LoadSignedPreKey(2); err != nil {
		t.Fatalf("current signed pre-key must survive prune: %v", err)
	}
}

func TestRecipientDevices(t *testing.T) {
	s := tempStore(t)

	devices, err := s.GetDevices("@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 0 {
		t.Fatal("expected no cached devices")
	}

	if err := s.SetDevices("@bob:example.org", []uint32{3, 1}); err != nil {
		t.Fatal(err)
	}
	devices, err = s.GetDevices("@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0] != 1 || devices[1] != 3 {
		t.Fatalf("devices: got %v, want [1 3]", devices)
	}

	if err := s.AddDevice("@bob:example.org", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.AddDevice("@bob:example.org", 2); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveDevice("@bob:example.org", 3); err != nil {
		t.Fatal(err)
	}

	devices, err = s.GetDevices("@bob:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0] != 1 || devices[1] != 2 {
		t.Fatalf("devices: got %v, want [1 2]", devices)
	}
}
