package relayservice

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"

	"github.com/relayfed/relay-go/internal/store"
)

// Service wires the account, key, session, send, and receive components over
// one transport and data store.
type Service struct {
	Store    *store.Store
	Notifier *Notifier
	Accounts *AccountManager
	Keys     *KeyManager
	Cipher   *SessionCipher
	Sender   *Sender
	Receiver *Receiver

	transport *Transport
	logger    *log.Logger
}

// New assembles a service against the given API and WebSocket endpoints. For
// an already registered account the local identity cache is primed from the
// store.
func New(apiURL, wsURL string, st *store.Store, tlsConf *tls.Config, logger *log.Logger) (*Service, error) {
	notifier := &Notifier{}
	transport := NewTransport(apiURL, tlsConf, logger)
	accounts := NewAccountManager(transport, st, notifier, logger)
	keys := NewKeyManager(transport, st, accounts.Auth, logger)
	cipher := NewSessionCipher(st, logger)

	svc := &Service{
		Store:     st,
		Notifier:  notifier,
		Accounts:  accounts,
		Keys:      keys,
		Cipher:    cipher,
		Sender:    NewSender(transport, st, cipher, keys, accounts.Auth, logger),
		Receiver:  NewReceiver(wsURL, tlsConf, st, cipher, notifier, logger),
		transport: transport,
		logger:    logger,
	}

	transport.OnAuthFailure(accounts.HandleAuthFailure)
	accounts.SetFinalizer(func(ctx context.Context) error {
		if err := keys.PublishKeys(ctx); err != nil {
			return fmt.Errorf("publish keys: %w", err)
		}
		return accounts.SetAttributes(ctx)
	})

	if err := accounts.LoadLocalIdentity(); err != nil && !errors.Is(err, ErrNotRegistered) {
		return nil, err
	}
	return svc, nil
}

// Devices lists the devices registered to the account.
func (s *Service) Devices(ctx context.Context) ([]DeviceInfo, error) {
	auth, err := s.Accounts.Auth()
	if err != nil {
		return nil, err
	}
	var resp DeviceListResponse
	status, err := s.transport.GetJSON(ctx, "/v1/devices", auth, &resp)
	if err != nil {
		return nil, fmt.Errorf("relayservice: list devices: %w", err)
	}
	if err := statusError("/v1/devices", status, nil); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}
