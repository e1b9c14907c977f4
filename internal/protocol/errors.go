package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolViolation is a message that is not valid in the current state of a session.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCryptoFormat is a malformed public key or signature received on the wire.
	ErrCryptoFormat = errors.New("invalid cryptographic encoding")

	// ErrIntegrity is a hash mismatch or a certificate that fails verification.
	ErrIntegrity = errors.New("integrity failure")
)

// violation builds an ErrProtocolViolation with detail.
func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// Unexpected reports a message of the wrong variant for the current state.
func Unexpected(got Message, want string) error {
	return violation("unexpected %s, want %s", Name(got), want)
}
