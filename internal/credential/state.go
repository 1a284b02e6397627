package credential

import "time"

// AuthState is the derived authentication state for a backend's active
// identity. It is computed from the active Record and wall-clock time,
// never stored.
type AuthState int

const (
	// NotAuthenticated means no identity is active.
	NotAuthenticated AuthState = iota
	// Authenticating means an authorization flow is in progress.
	Authenticating
	// Authenticated means the active identity has a usable, fully
	// granted token.
	Authenticated
	// NeedsRefresh means the access token has expired but a refresh
	// token exists; the next API call or scheduler fire will repair it.
	NeedsRefresh
	// NeedsReauth means the identity requires a fresh authorization
	// flow (scope problem or refresh exhausted). Sticky until a new
	// flow supplies a replacement record.
	NeedsReauth
	// AuthenticationFailed means the last flow ended in a terminal
	// failure (consent denied, state mismatch).
	AuthenticationFailed
)

// String returns the state name for logs and status output.
func (s AuthState) String() string {
	switch s {
	case NotAuthenticated:
		return "not_authenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case NeedsRefresh:
		return "needs_refresh"
	case NeedsReauth:
		return "needs_reauth"
	case AuthenticationFailed:
		return "authentication_failed"
	default:
		return "unknown"
	}
}

// StateFor derives the authentication state for a record. A nil or
// token-less record is NotAuthenticated. Degraded or reauth-flagged
// records surface as NeedsReauth even when the token still works, so
// the caller can prompt for re-consent. An expired token downgrades to
// NeedsRefresh when a refresh token exists, NeedsReauth when not.
func StateFor(r *Record, now time.Time) AuthState {
	if !r.Usable() {
		return NotAuthenticated
	}

	if r.NeedsReauth || r.PermissionIssue {
		return NeedsReauth
	}

	if r.Expired(now) {
		if r.HasRefreshToken() {
			return NeedsRefresh
		}

		return NeedsReauth
	}

	return Authenticated
}
