package relayservice

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/store"
)

const (
	// Pool sizing for one-time pre-keys.
	targetPreKeyCount = 100
	preKeyLowWater    = 25

	// Signed pre-key lifecycle.
	signedPreKeyRotationAge = 7 * 24 * time.Hour
	signedPreKeyGrace       = 30 * 24 * time.Hour
)

// KeyManager owns the published key material: the one-time pre-key pool and
// the current signed pre-key, locally and server-side.
type KeyManager struct {
	transport *Transport
	store     *store.Store
	auth      func() (*BasicAuth, error)
	logger    *log.Logger
}

func NewKeyManager(transport *Transport, st *store.Store, auth func() (*BasicAuth, error), logger *log.Logger) *KeyManager {
	return &KeyManager{
		transport: transport,
		store:     st,
		auth:      auth,
		logger:    logger,
	}
}

// PublishKeys generates the initial key material and uploads it. Records are
// persisted locally before the upload so a crash mid-publish never strands a
// server-advertised key without its private half.
func (k *KeyManager) PublishKeys(ctx context.Context) error {
	if _, err := k.generatePreKeys(targetPreKeyCount); err != nil {
		return err
	}
	if _, err := k.rotateSignedPreKey(); err != nil {
		return err
	}
	return k.uploadKeys(ctx)
}

// CheckPreKeys queries the server-side pool count and replenishes when it
// falls below the low-water mark. Also rotates the signed pre-key when due.
func (k *KeyManager) CheckPreKeys(ctx context.Context) error {
	auth, err := k.auth()
	if err != nil {
		return err
	}
	var count PreKeyCountResponse
	status, err := k.transport.GetJSON(ctx, "/v2/keys", auth, &count)
	if err != nil {
		return fmt.Errorf("relayservice: pre-key count: %w", err)
	}
	if err := statusError("/v2/keys", status, nil); err != nil {
		return err
	}
	logf(k.logger, "keys: server reports %d one-time pre-keys", count.Count)

	rotated, err := k.rotateSignedPreKeyIfDue()
	if err != nil {
		return err
	}
	if count.Count >= preKeyLowWater && !rotated {
		return nil
	}
	if count.Count < preKeyLowWater {
		if _, err := k.generatePreKeys(targetPreKeyCount - count.Count); err != nil {
			return err
		}
	}
	return k.uploadKeys(ctx)
}

// uploadKeys pushes the full local pool and current signed pre-key. The
// server replaces its pool with the uploaded set, so re-uploading after a
// partial failure is safe.
func (k *KeyManager) uploadKeys(ctx context.Context) error {
	auth, err := k.auth()
	if err != nil {
		return err
	}
	identity, err := k.store.LocalIdentity()
	if err != nil {
		return err
	}
	pool, err := k.store.ListPreKeys()
	if err != nil {
		return err
	}
	current, err := k.store.CurrentSignedPreKey()
	if err != nil {
		return err
	}
	if current == nil {
		return fmt.Errorf("relayservice: no current signed pre-key to upload")
	}

	upload := PreKeyUpload{
		IdentityKey: encodeBase64(identity.DH.Public[:]),
		SigningKey:  encodeBase64(identity.SigningPublic),
		SignedPreKey: SignedPreKeyEntity{
			ID:        current.ID,
			PublicKey: encodeBase64(current.KeyPair.Public[:]),
			Signature: encodeBase64(current.Signature),
		},
	}
	for _, rec := range pool {
		upload.PreKeys = append(upload.PreKeys, PreKeyEntity{
			ID:        rec.ID,
			PublicKey: encodeBase64(rec.KeyPair.Public[:]),
		})
	}

	body, status, err := k.transport.PutJSON(ctx, "/v2/keys", &upload, auth)
	if err != nil {
		return fmt.Errorf("relayservice: upload keys: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusError("/v2/keys", status, body)
	}
	logf(k.logger, "keys: uploaded %d pre-keys, signed pre-key %d", len(upload.PreKeys), current.ID)
	return nil
}

// generatePreKeys creates and persists n fresh one-time pre-keys.
func (k *KeyManager) generatePreKeys(n int) ([]*ratchet.PreKeyRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	start, err := k.store.AllocatePreKeyIDs(n)
	if err != nil {
		return nil, err
	}
	recs := make([]*ratchet.PreKeyRecord, 0, n)
	id := start
	for range n {
		rec, err := ratchet.NewPreKeyRecord(id)
		if err != nil {
			return nil, err
		}
		if err := k.store.StorePreKey(rec); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		id = id%store.MaxKeyID + 1
	}
	return recs, nil
}

// rotateSignedPreKey generates a new signed pre-key, makes it current, and
// prunes stale ones past the grace window.
func (k *KeyManager) rotateSignedPreKey() (*ratchet.SignedPreKeyRecord, error) {
	identity, err := k.store.LocalIdentity()
	if err != nil {
		return nil, err
	}
	id, err := k.store.AllocateSignedPreKeyID()
	if err != nil {
		return nil, err
	}
	rec, err := ratchet.NewSignedPreKeyRecord(identity, id)
	if err != nil {
		return nil, err
	}
	if err := k.store.StoreSignedPreKey(rec, true); err != nil {
		return nil, err
	}
	if err := k.store.PruneSignedPreKeys(time.Now().Add(-signedPreKeyGrace)); err != nil {
		return nil, err
	}
	logf(k.logger, "keys: rotated signed pre-key to %d", id)
	return rec, nil
}

func (k *KeyManager) rotateSignedPreKeyIfDue() (bool, error) {
	current, err := k.store.CurrentSignedPreKey()
	if err != nil {
		return false, err
	}
	if current != nil && time.Since(current.CreatedAt) < signedPreKeyRotationAge {
		return false, nil
	}
	if _, err := k.rotateSignedPreKey(); err != nil {
		return false, err
	}
	return true, nil
}

// FetchBundles retrieves a recipient's published key material. Pass device
// "*" for all devices or a specific device ID string.
func (k *KeyManager) FetchBundles(ctx context.Context, address, device string) ([]*ratchet.PreKeyBundle, error) {
	auth, err := k.auth()
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/v2/keys/%s/%s", address, device)
	body, status, err := k.transport.Get(ctx, path, auth)
	if err != nil {
		return nil, fmt.Errorf("relayservice: fetch bundles: %w", err)
	}
	if err := statusError(path, status, body); err != nil {
		return nil, err
	}

	var resp PreKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("relayservice: bundle response: %w", err)
	}
	identityKey, err := decodeBase64(resp.IdentityKey)
	if err != nil {
		return nil, err
	}
	signingKey, err := decodeBase64(resp.SigningKey)
	if err != nil {
		return nil, err
	}
	if len(identityKey) != 32 || len(signingKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("relayservice: bundle for %s has malformed identity keys", address)
	}

	bundles := make([]*ratchet.PreKeyBundle, 0, len(resp.Devices))
	for _, dev := range resp.Devices {
		if dev.SignedPreKey == nil {
			return nil, fmt.Errorf("relayservice: bundle for %s.%d missing signed pre-key", address, dev.DeviceID)
		}
		spk, err := decodeBase64(dev.SignedPreKey.PublicKey)
		if err != nil {
			return nil, err
		}
		sig, err := decodeBase64(dev.SignedPreKey.Signature)
		if err != nil {
			return nil, err
		}
		if len(spk) != 32 {
			return nil, fmt.Errorf("relayservice: bundle for %s.%d has malformed signed pre-key", address, dev.DeviceID)
		}

		bundle := &ratchet.PreKeyBundle{
			RegistrationID:  dev.RegistrationID,
			DeviceID:        dev.DeviceID,
			SignedPreKeyID:  dev.SignedPreKey.ID,
			SignedPreKeySig: sig,
			PreKeyID:        ratchet.NoPreKeyID,
			SigningKey:      ed25519.PublicKey(signingKey),
		}
		copy(bundle.IdentityKey[:], identityKey)
		copy(bundle.SignedPreKey[:], spk)

		if dev.PreKey != nil {
			opk, err := decodeBase64(dev.PreKey.PublicKey)
			if err != nil {
				return nil, err
			}
			if len(opk) != 32 {
				return nil, fmt.Errorf("relayservice: bundle for %s.%d has malformed pre-key", address, dev.DeviceID)
			}
			var pub ratchet.PublicKey
			copy(pub[:], opk)
			bundle.PreKeyID = dev.PreKey.ID
			bundle.PreKey = &pub
		}
		bundles = append(bundles, bundle)
	}
	return bundles, nil
}
