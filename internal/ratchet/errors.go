package ratchet

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateMessage is returned when a message key has already been
	// consumed. Message keys are single-use and forward-erased, so a replayed
	// ciphertext can never be decrypted again.
	ErrDuplicateMessage = errors.New("ratchet: duplicate message")

	// ErrMessageTooFarInFuture is returned when decrypting a message would
	// require skipping more message keys than the session's bounded window.
	ErrMessageTooFarInFuture = errors.New("ratchet: message too far in future")

	// ErrUninitializedChain is returned when a chain key is missing.
	ErrUninitializedChain = errors.New("ratchet: chain key is uninitialized")

	// ErrInvalidSignature is returned when a signed pre-key signature does
	// not verify against the peer's identity signing key.
	ErrInvalidSignature = errors.New("ratchet: invalid signed pre-key signature")
)

// KeyGenerationError indicates the underlying cryptographic primitive could
// not produce a key pair. This is fatal: no valid device identity is possible.
type KeyGenerationError struct {
	Err error
}

func (e *KeyGenerationError) Error() string {
	return fmt.Sprintf("ratchet: key generation failed: %v", e.Err)
}

func (e *KeyGenerationError) Unwrap() error { return e.Err }
