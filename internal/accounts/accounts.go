// Package accounts verifies client credentials against the account
// store. The relay never issues credentials; it only checks tokens
// minted elsewhere.
package accounts

import (
	"context"
	"errors"
)

var (
	// ErrAuthFailed is returned when the credential does not verify.
	// Callers must not distinguish unknown accounts from bad tokens.
	ErrAuthFailed = errors.New("authentication failed")
	// ErrUnavailable is returned when the account store cannot be
	// reached. The session still tears down; the client retries by
	// reconnecting.
	ErrUnavailable = errors.New("account store unavailable")
)

// Identity is the verified account identity bound to a session.
type Identity struct {
	AccountID   int32
	DisplayName string
}

// Verifier checks one credential. Invoked once per session during
// authentication, never on the relay hot path.
type Verifier interface {
	Verify(ctx context.Context, accountID int32, token string) (Identity, error)
}
