// Package credential defines the value type for one identity's OAuth
// tokens and flags, and the authentication state derived from it. It is
// a leaf package imported by the store, directory, and lifecycle layers.
package credential

import (
	"maps"
	"time"

	"golang.org/x/oauth2"
)

// Record holds the persisted tokens and derived flags for one user
// identity on one backend. A degraded record (PermissionIssue set) still
// carries a usable access token — it is kept, not deleted, so the user
// can repair it by re-consenting.
type Record struct {
	// Backend identifies which remote storage backend this record
	// belongs to (e.g. "gdrive", "dropbox").
	Backend string `json:"backend"`

	// UserID is the stable identity id resolved from the backend's
	// user-info endpoint. May be empty until resolved.
	UserID string `json:"user_id"`

	// Token carries access token, optional refresh token, and expiry.
	// A zero Expiry means the token lifetime is unknown: the record is
	// never scheduled for proactive refresh, only reactive refresh.
	Token *oauth2.Token `json:"token"`

	// Scopes is the raw granted-scopes string returned by the token
	// exchange, kept verbatim for later re-evaluation.
	Scopes string `json:"scopes,omitempty"`

	// PermissionIssue marks a credential obtained with fewer grants
	// than the backend needs for full functionality.
	PermissionIssue bool `json:"permission_issue,omitempty"`

	// NeedsReauth marks a credential that requires a fresh
	// authorization flow before it is fully usable again.
	NeedsReauth bool `json:"needs_reauth,omitempty"`

	// Success records whether the originating flow completed with full
	// grants. Mutually informative with PermissionIssue, not exclusive
	// of a usable token.
	Success bool `json:"success"`

	// Profile caches display fields from the user-info endpoint so the
	// account picker works offline.
	Profile Profile `json:"profile,omitempty"`

	// Metadata holds free-form backend-specific values.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Profile holds cached user-info fields.
type Profile struct {
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Picture   string    `json:"picture,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// AccessToken returns the access token, or "" if none is present.
func (r *Record) AccessToken() string {
	if r == nil || r.Token == nil {
		return ""
	}

	return r.Token.AccessToken
}

// Usable reports whether the record carries a non-empty access token.
// Degraded records are usable; only a missing token disqualifies.
func (r *Record) Usable() bool {
	return r.AccessToken() != ""
}

// HasRefreshToken reports whether a refresh token is available.
func (r *Record) HasRefreshToken() bool {
	return r != nil && r.Token != nil && r.Token.RefreshToken != ""
}

// Expired reports whether the access token has expired as of now.
// A zero expiry means unknown lifetime and is never considered expired.
func (r *Record) Expired(now time.Time) bool {
	if r == nil || r.Token == nil || r.Token.Expiry.IsZero() {
		return false
	}

	return !r.Token.Expiry.After(now)
}

// ExpiresAt returns the token expiry, or the zero time if unknown.
func (r *Record) ExpiresAt() time.Time {
	if r == nil || r.Token == nil {
		return time.Time{}
	}

	return r.Token.Expiry
}

// Clone returns a deep copy, so callers can mutate flags without
// aliasing the stored record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	out := *r

	if r.Token != nil {
		tok := *r.Token
		out.Token = &tok
	}

	if r.Metadata != nil {
		out.Metadata = maps.Clone(r.Metadata)
	}

	return &out
}
