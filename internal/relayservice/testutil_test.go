package relayservice

import (
	"path/filepath"
	"testing"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/store"
)

// tempStore opens a store backed by a per-test temp directory.
func tempStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// registeredStore returns a store holding a registered account with a fresh
// identity, plus its signaling key.
func registeredStore(t *testing.T, address string) *store.Store {
	t.Helper()
	st := tempStore(t)

	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	identityData, err := identity.Serialize()
	if err != nil {
		t.Fatalf("serialize identity: %v", err)
	}
	signalingKey, err := GenerateSignalingKey()
	if err != nil {
		t.Fatalf("generate signaling key: %v", err)
	}

	_, err = st.UpdateAccount(func(acct *store.Account) error {
		acct.Address = address
		acct.DeviceID = 1
		acct.State = store.StateRegistered
		acct.RegistrationID = 4242
		acct.ServerAuthToken = "test-token"
		acct.SignalingKey = signalingKey
		acct.IdentityKey = identityData
		return nil
	})
	if err != nil {
		t.Fatalf("save account: %v", err)
	}
	st.SetLocalIdentity(identity, 4242)
	return st
}

// publishBundle generates a signed pre-key and one-time pre-key in st and
// returns the bundle a peer would fetch for the given device.
func publishBundle(t *testing.T, st *store.Store, deviceID uint32) *ratchet.PreKeyBundle {
	t.Helper()
	identity, err := st.LocalIdentity()
	if err != nil {
		t.Fatalf("local identity: %v", err)
	}

	spkID, err := st.AllocateSignedPreKeyID()
	if err != nil {
		t.Fatalf("allocate signed pre-key id: %v", err)
	}
	spk, err := ratchet.NewSignedPreKeyRecord(identity, spkID)
	if err != nil {
		t.Fatalf("signed pre-key: %v", err)
	}
	if err := st.StoreSignedPreKey(spk, true); err != nil {
		t.Fatalf("store signed pre-key: %v", err)
	}

	opkID, err := st.AllocatePreKeyIDs(1)
	if err != nil {
		t.Fatalf("allocate pre-key id: %v", err)
	}
	opk, err := ratchet.NewPreKeyRecord(opkID)
	if err != nil {
		t.Fatalf("pre-key: %v", err)
	}
	if err := st.StorePreKey(opk); err != nil {
		t.Fatalf("store pre-key: %v", err)
	}

	opkPub := opk.KeyPair.Public
	return &ratchet.PreKeyBundle{
		RegistrationID:  st.LocalRegistrationID(),
		DeviceID:        deviceID,
		IdentityKey:     identity.DH.Public,
		SigningKey:      identity.SigningPublic,
		SignedPreKeyID:  spk.ID,
		SignedPreKey:    spk.KeyPair.Public,
		SignedPreKeySig: spk.Signature,
		PreKeyID:        opk.ID,
		PreKey:          &opkPub,
	}
}
