// Package classify maps API failures and granted-scope strings to the
// recovery action they require. It is stateless and shared by every
// backend adapter, so a 403 means the same thing everywhere.
package classify

import (
	"net/http"
	"strings"
)

// Kind buckets an API failure by the recovery action it needs.
type Kind int

const (
	// Generic is everything that has no dedicated recovery path.
	Generic Kind = iota
	// Authentication is a 401-class failure: the token itself was
	// rejected. Recover by refresh or re-login.
	Authentication
	// PermissionOrScope is a 403-class failure carrying permission or
	// scope markers: the token works but lacks grants. Recover by
	// re-consent, not by refresh.
	PermissionOrScope
	// Transient is throttling or a server fault. Recover by retrying.
	Transient
)

// String returns the kind name for logs.
func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case PermissionOrScope:
		return "permission_or_scope"
	case Transient:
		return "transient"
	default:
		return "generic"
	}
}

// permissionMarkers are body substrings that mark a 403 as a grant
// problem rather than e.g. a quota or policy rejection.
var permissionMarkers = []string{
	"insufficient permission",
	"insufficientpermissions",
	"insufficient_scope",
	"insufficient authentication scopes",
	"access_denied",
	"accessdenied",
	"scope not granted",
	"permission",
}

// Classify buckets an HTTP failure by status code and response body.
// The body is only consulted for 403s, where providers overload the
// status with both grant problems and unrelated policy rejections.
func Classify(statusCode int, body string) Kind {
	switch {
	case statusCode == http.StatusUnauthorized:
		return Authentication
	case statusCode == http.StatusForbidden:
		lower := strings.ToLower(body)
		for _, marker := range permissionMarkers {
			if strings.Contains(lower, marker) {
				return PermissionOrScope
			}
		}

		return Generic
	case statusCode == http.StatusTooManyRequests:
		return Transient
	case statusCode >= http.StatusInternalServerError:
		return Transient
	default:
		return Generic
	}
}

// Level grades how well a granted-scopes string covers a required
// minimum.
type Level int

const (
	// Full means every required scope was granted.
	Full Level = iota
	// Degraded means the required minimum is covered but some requested
	// scopes are missing; the session works with reduced functionality.
	Degraded
	// Insufficient means the required minimum is not covered. The token
	// is still usable for whatever it does cover, but the record must
	// carry a permission issue flag.
	Insufficient
)

// String returns the level name for logs.
func (l Level) String() string {
	switch l {
	case Full:
		return "full"
	case Degraded:
		return "degraded"
	default:
		return "insufficient"
	}
}

// SatisfyScopes grades the raw granted-scopes string against the
// backend's required minimum. Both are space-separated scope lists;
// comparison is case-insensitive and order-independent. Evaluated at
// token-exchange time so a short grant is caught before the first API
// call ever fails.
//
// requested is the full scope set the flow asked for; it may be empty,
// in which case anything beyond the required minimum counts as Full.
func SatisfyScopes(granted, required, requested string) Level {
	grantedSet := scopeSet(granted)

	for scope := range scopeSet(required) {
		if _, ok := grantedSet[scope]; !ok {
			return Insufficient
		}
	}

	for scope := range scopeSet(requested) {
		if _, ok := grantedSet[scope]; !ok {
			return Degraded
		}
	}

	return Full
}

func scopeSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})

	for _, scope := range strings.Fields(strings.ToLower(raw)) {
		out[scope] = struct{}{}
	}

	return out
}
