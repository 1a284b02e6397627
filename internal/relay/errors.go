// Package relay is the HTTP client for the remote token-exchange relay.
// The relay alone holds the OAuth client secret; this client only ever
// sends authorization codes, state tokens, and refresh tokens.
package relay

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for relay operation outcomes.
// Use errors.Is(err, relay.ErrExchangeFailed) to check.
var (
	ErrExchangeFailed = errors.New("relay: token exchange failed")
	ErrRefreshFailed  = errors.New("relay: token refresh failed")
	ErrRevokeFailed   = errors.New("relay: token revocation failed")
)

// Error wraps a sentinel with the HTTP status and the OAuth-style error
// body returned by the relay.
type Error struct {
	StatusCode  int
	Code        string // OAuth error code, e.g. "invalid_grant"
	Description string
	Err         error // sentinel, for errors.Is()
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("relay: HTTP %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}

	return fmt.Sprintf("relay: HTTP %d: %s", e.StatusCode, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsInvalidGrant reports whether err is a relay rejection that no retry
// or refresh can repair — the grant itself is dead and a fresh
// authorization flow is required.
func IsInvalidGrant(err error) bool {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		return false
	}

	switch strings.ToLower(relayErr.Code) {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}

	return strings.Contains(strings.ToLower(relayErr.Description), "revoked")
}
