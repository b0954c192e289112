package relayservice

import (
	"errors"
	"fmt"
)

// ErrRegistrationInProgress is returned when a second registration attempt
// starts while one is already in flight.
var ErrRegistrationInProgress = errors.New("relayservice: registration already in progress")

// ErrNotRegistered is returned by operations that require a verified account.
var ErrNotRegistered = errors.New("relayservice: account not registered")

// AuthorizationDeniedError reports a 403 from an authenticated endpoint. The
// transport maps it to the deregistered state.
type AuthorizationDeniedError struct {
	Path string
}

func (e *AuthorizationDeniedError) Error() string {
	return fmt.Sprintf("relayservice: authorization denied for %s", e.Path)
}

// UntrustedIdentityError reports that a peer's advertised identity key does
// not match the pinned one. The caller must explicitly override trust to
// proceed.
type UntrustedIdentityError struct {
	Recipient string
	Device    uint32
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("relayservice: untrusted identity for %s.%d", e.Recipient, e.Device)
}

// TransientError is a retryable server failure (timeouts, 5xx, exhausted
// rate limiting).
type TransientError struct {
	Status  int
	Message string
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("relayservice: transient failure (status %d): %s", e.Status, e.Message)
}

// PermanentError is a non-retryable server rejection.
type PermanentError struct {
	Status  int
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("relayservice: permanent failure (status %d): %s", e.Status, e.Message)
}

// StaleDevicesError reports a 410: the server knows our session for these
// devices is stale and the message was not delivered.
type StaleDevicesError struct {
	StaleDevices []uint32
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("relayservice: stale devices %v", e.StaleDevices)
}

// MismatchedDevicesError reports a 409: the set of devices the message was
// addressed to does not match the recipient's current device list.
type MismatchedDevicesError struct {
	MissingDevices []uint32
	ExtraDevices   []uint32
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("relayservice: mismatched devices (missing %v, extra %v)",
		e.MissingDevices, e.ExtraDevices)
}

// statusError classifies a non-2xx response into the error taxonomy.
// Returns nil for 2xx.
func statusError(path string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 403:
		return &AuthorizationDeniedError{Path: path}
	case status == 429 || status >= 500:
		return &TransientError{Status: status, Message: string(body)}
	default:
		return &PermanentError{Status: status, Message: string(body)}
	}
}
