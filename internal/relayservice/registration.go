package relayservice

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/relayfed/relay-go/internal/ratchet"
	"github.com/relayfed/relay-go/internal/store"
)

// Verification channels for RequestCode.
const (
	ChannelSMS   = "sms"
	ChannelVoice = "voice"
)

// AccountManager drives the registration state machine: code request,
// code verification, deregistration, and the credentials derived from them.
type AccountManager struct {
	transport *Transport
	store     *store.Store
	notifier  *Notifier
	logger    *log.Logger

	// inFlight guards the whole state machine: at most one code request or
	// verification runs at a time.
	inFlight atomic.Bool

	// finalize runs after a successful verification commit. The service
	// wires it to key publication so this package stays acyclic.
	finalize func(ctx context.Context) error
}

func NewAccountManager(transport *Transport, st *store.Store, notifier *Notifier, logger *log.Logger) *AccountManager {
	return &AccountManager{
		transport: transport,
		store:     st,
		notifier:  notifier,
		logger:    logger,
	}
}

// SetFinalizer installs the post-verification step. Must be called before
// VerifyCode.
func (a *AccountManager) SetFinalizer(fn func(ctx context.Context) error) {
	a.finalize = fn
}

// RequestCode asks the server to deliver a verification code to address over
// the given channel and moves the account to the awaiting-verification state.
func (a *AccountManager) RequestCode(ctx context.Context, address, channel string) error {
	if channel != ChannelSMS && channel != ChannelVoice {
		return fmt.Errorf("relayservice: unknown verification channel %q", channel)
	}
	if address == "" {
		return fmt.Errorf("relayservice: empty address")
	}
	if !a.inFlight.CompareAndSwap(false, true) {
		return ErrRegistrationInProgress
	}
	defer a.inFlight.Store(false)

	path := fmt.Sprintf("/v1/accounts/%s/code/%s", channel, address)
	body, status, err := a.transport.Get(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("relayservice: request code: %w", err)
	}
	if err := statusError(path, status, body); err != nil {
		return err
	}

	_, err = a.store.UpdateAccount(func(acct *store.Account) error {
		acct.PendingAddress = address
		acct.State = store.StateAwaitingVerification
		return nil
	})
	if err != nil {
		return err
	}
	a.notifier.Emit(Event{Kind: EventRegistrationStateChanged, Detail: store.StateAwaitingVerification})
	logf(a.logger, "registration: code requested for %s via %s", address, channel)
	return nil
}

// VerifyCode submits the received code, provisions fresh credentials, and
// commits the registered account in one save. Key publication runs after the
// commit via the installed finalizer. Only one verification may run at a
// time.
func (a *AccountManager) VerifyCode(ctx context.Context, code string) error {
	if !a.inFlight.CompareAndSwap(false, true) {
		return ErrRegistrationInProgress
	}
	defer a.inFlight.Store(false)

	acct, err := a.store.LoadAccount()
	if err != nil {
		return err
	}
	if acct == nil || acct.State != store.StateAwaitingVerification || acct.PendingAddress == "" {
		return fmt.Errorf("relayservice: no verification pending")
	}

	password := generatePassword()
	signalingKey, err := GenerateSignalingKey()
	if err != nil {
		return err
	}
	registrationID := acct.RegistrationID
	if registrationID == 0 {
		registrationID = generateRegistrationID()
	}
	hadIdentity := len(acct.IdentityKey) > 0
	identity, identityData, err := loadOrCreateIdentity(acct)
	if err != nil {
		return err
	}

	attrs := AccountAttributes{
		SignalingKey:    encodeBase64(signalingKey),
		RegistrationID:  registrationID,
		FetchesMessages: true,
		Voice:           true,
		Video:           true,
	}
	auth := &BasicAuth{Username: acct.PendingAddress, Password: password}
	path := "/v1/accounts/code/" + code
	body, status, err := a.transport.PutJSON(ctx, path, &attrs, auth)
	if err != nil {
		return fmt.Errorf("relayservice: verify code: %w", err)
	}
	if err := statusError(path, status, body); err != nil {
		return err
	}

	var resp VerifyResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("relayservice: verify response: %w", err)
		}
	}
	address := resp.Address
	if address == "" {
		address = acct.PendingAddress
	}

	saved, err := a.store.UpdateAccount(func(acct *store.Account) error {
		acct.Address = address
		acct.PendingAddress = ""
		acct.DeviceID = resp.DeviceID
		acct.State = store.StateRegistered
		acct.Deregistered = false
		acct.RegistrationID = registrationID
		acct.ServerAuthToken = password
		acct.SignalingKey = signalingKey
		acct.IdentityKey = identityData
		return nil
	})
	if err != nil {
		return err
	}
	a.store.SetLocalIdentity(identity, saved.RegistrationID)
	if !hadIdentity {
		a.notifier.Emit(Event{Kind: EventLocalIdentityChanged, Detail: saved.Address})
	}
	a.notifier.Emit(Event{Kind: EventRegistrationStateChanged, Detail: store.StateRegistered})
	logf(a.logger, "registration: verified as %s.%d", saved.Address, saved.DeviceID)

	if a.finalize != nil {
		if err := a.finalize(ctx); err != nil {
			return fmt.Errorf("relayservice: post-registration: %w", err)
		}
	}
	return nil
}

// IsRegistered reports whether the account holds usable credentials. False
// before verification completes and again after the server rejects our
// credentials.
func (a *AccountManager) IsRegistered() (bool, error) {
	acct, err := a.store.LoadAccount()
	if err != nil {
		return false, err
	}
	return acct != nil && acct.State == store.StateRegistered && !acct.Deregistered, nil
}

// Auth returns the basic auth credentials for the registered account, or
// ErrNotRegistered. A deregistered account has no usable credentials until
// it verifies again.
func (a *AccountManager) Auth() (*BasicAuth, error) {
	acct, err := a.store.LoadAccount()
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.State != store.StateRegistered || acct.Deregistered {
		return nil, ErrNotRegistered
	}
	return &BasicAuth{
		Username: fmt.Sprintf("%s.%d", acct.Address, acct.DeviceID),
		Password: acct.ServerAuthToken,
	}, nil
}

// LoadLocalIdentity primes the in-memory identity cache from the persisted
// account. Call once at startup for an already registered account.
func (a *AccountManager) LoadLocalIdentity() error {
	acct, err := a.store.LoadAccount()
	if err != nil {
		return err
	}
	if acct == nil || acct.State != store.StateRegistered {
		return ErrNotRegistered
	}
	identity, err := ratchet.DeserializeIdentityKeyPair(acct.IdentityKey)
	if err != nil {
		return err
	}
	a.store.SetLocalIdentity(identity, acct.RegistrationID)
	return nil
}

// SetAttributes re-pushes the current account attributes to the server.
func (a *AccountManager) SetAttributes(ctx context.Context) error {
	acct, err := a.store.LoadAccount()
	if err != nil {
		return err
	}
	if acct == nil || acct.State != store.StateRegistered {
		return ErrNotRegistered
	}
	auth, err := a.Auth()
	if err != nil {
		return err
	}
	attrs := AccountAttributes{
		SignalingKey:    encodeBase64(acct.SignalingKey),
		RegistrationID:  acct.RegistrationID,
		FetchesMessages: true,
		Voice:           true,
		Video:           true,
	}
	body, status, err := a.transport.PutJSON(ctx, "/v1/accounts/attributes", &attrs, auth)
	if err != nil {
		return fmt.Errorf("relayservice: set attributes: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return statusError("/v1/accounts/attributes", status, body)
	}
	return nil
}

// Unregister deletes the account server-side and resets local state.
func (a *AccountManager) Unregister(ctx context.Context) error {
	auth, err := a.Auth()
	if err != nil {
		return err
	}
	body, status, err := a.transport.Delete(ctx, "/v1/accounts/me", auth)
	if err != nil {
		return fmt.Errorf("relayservice: unregister: %w", err)
	}
	if err := statusError("/v1/accounts/me", status, body); err != nil {
		return err
	}

	_, err = a.store.UpdateAccount(func(acct *store.Account) error {
		acct.State = store.StateUnregistered
		acct.Deregistered = false
		acct.ServerAuthToken = ""
		acct.SignalingKey = nil
		return nil
	})
	if err != nil {
		return err
	}
	a.notifier.Emit(Event{Kind: EventRegistrationStateChanged, Detail: store.StateUnregistered})
	return nil
}

// Reregister starts a fresh verification round for the existing address,
// keeping the local identity. Used after the server marks us deregistered.
func (a *AccountManager) Reregister(ctx context.Context, channel string) error {
	acct, err := a.store.LoadAccount()
	if err != nil {
		return err
	}
	if acct == nil || acct.Address == "" {
		return ErrNotRegistered
	}
	return a.RequestCode(ctx, acct.Address, channel)
}

// HandleAuthFailure marks the account deregistered after a 403 on an
// authenticated endpoint. The notification fires once per transition.
func (a *AccountManager) HandleAuthFailure() {
	var transitioned bool
	_, err := a.store.UpdateAccount(func(acct *store.Account) error {
		if acct.State == store.StateRegistered && !acct.Deregistered {
			acct.Deregistered = true
			transitioned = true
		}
		return nil
	})
	if err != nil {
		logf(a.logger, "registration: record auth failure: %v", err)
		return
	}
	if transitioned {
		logf(a.logger, "registration: server rejected credentials, marking deregistered")
		a.notifier.Emit(Event{Kind: EventDeregistrationStateChanged, Detail: "deregistered"})
	}
}

// loadOrCreateIdentity returns the account's identity key pair, generating
// and serializing a fresh one when the account has none yet.
func loadOrCreateIdentity(acct *store.Account) (*ratchet.IdentityKeyPair, []byte, error) {
	if len(acct.IdentityKey) > 0 {
		identity, err := ratchet.DeserializeIdentityKeyPair(acct.IdentityKey)
		if err != nil {
			return nil, nil, err
		}
		return identity, acct.IdentityKey, nil
	}
	identity, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		return nil, nil, err
	}
	data, err := identity.Serialize()
	if err != nil {
		return nil, nil, err
	}
	return identity, data, nil
}

// generateRegistrationID generates a random 14-bit registration ID (1-16380).
func generateRegistrationID() uint32 {
	var buf [4]byte
	rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])&0x3FFF + 1
}

// generatePassword generates a random 24-byte password, base64url-encoded.
func generatePassword() string {
	buf := make([]byte, 24)
	rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
