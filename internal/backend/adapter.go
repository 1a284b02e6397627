// Package backend defines the small capability set a remote storage
// backend contributes to the authentication lifecycle: an opaque
// authorization-URL generator, scope requirements, and a user-info
// fetch. Backend REST semantics (listing, transfer) live elsewhere;
// adapters here only know how to identify a user.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// UserInfo is the resolved identity for an access token.
type UserInfo struct {
	ID      string
	Name    string
	Email   string
	Picture string
}

// Adapter is the per-backend capability set the lifecycle manager is
// parameterized by. One flattened interface instead of a provider
// class hierarchy.
type Adapter interface {
	// Name is the stable backend id, e.g. "gdrive".
	Name() string

	// AuthorizeURL builds the authorization URL for a state token.
	// The client id and redirect URI live in the remote relay's
	// configuration; this function is opaque to the caller.
	AuthorizeURL(state string) string

	// RequiredScopes is the space-separated minimum grant the backend
	// needs for full functionality.
	RequiredScopes() string

	// RequestedScopes is the space-separated set the flow asks for.
	RequestedScopes() string

	// UserInfo resolves a stable user id and profile fields for an
	// access token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// SupportsRevoke reports whether the backend's tokens can be
	// revoked through the relay.
	SupportsRevoke() bool
}

// statePlaceholder is substituted into authorize URL templates.
const statePlaceholder = "{state}"

// Config describes an HTTP-backed adapter. Authorize and user-info
// URLs are deployment configuration, not provider knowledge baked into
// this package.
type Config struct {
	Name            string
	AuthorizeURL    string // template containing {state}
	UserInfoURL     string
	RequiredScopes  string
	RequestedScopes string
	Revocable       bool
}

// HTTPAdapter implements Adapter against configured URLs.
type HTTPAdapter struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPAdapter creates an adapter from config.
func NewHTTPAdapter(cfg Config, httpClient *http.Client, logger *slog.Logger) (*HTTPAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("backend: adapter name is required")
	}

	if !strings.Contains(cfg.AuthorizeURL, statePlaceholder) {
		return nil, fmt.Errorf("backend: authorize URL for %q missing %s placeholder", cfg.Name, statePlaceholder)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPAdapter{cfg: cfg, httpClient: httpClient, logger: logger}, nil
}

func (a *HTTPAdapter) Name() string            { return a.cfg.Name }
func (a *HTTPAdapter) RequiredScopes() string  { return a.cfg.RequiredScopes }
func (a *HTTPAdapter) RequestedScopes() string { return a.cfg.RequestedScopes }
func (a *HTTPAdapter) SupportsRevoke() bool    { return a.cfg.Revocable }

// AuthorizeURL substitutes the state token into the configured template.
func (a *HTTPAdapter) AuthorizeURL(state string) string {
	return strings.ReplaceAll(a.cfg.AuthorizeURL, statePlaceholder, state)
}

// userInfoWire tolerates the field-name variety across providers
// ("sub" vs "id", "picture" vs "avatar_url").
type userInfoWire struct {
	Sub       string `json:"sub"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Picture   string `json:"picture"`
	AvatarURL string `json:"avatar_url"`
}

// UserInfo fetches and normalizes the backend's user-info document.
func (a *HTTPAdapter) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: creating user-info request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: fetching user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<14))
		return nil, fmt.Errorf("backend: user-info HTTP %d: %s", resp.StatusCode, string(body))
	}

	var wire userInfoWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("backend: decoding user info: %w", err)
	}

	info := &UserInfo{
		ID:      wire.Sub,
		Name:    wire.Name,
		Email:   wire.Email,
		Picture: wire.Picture,
	}

	if info.ID == "" {
		info.ID = wire.ID
	}

	if info.Picture == "" {
		info.Picture = wire.AvatarURL
	}

	if info.ID == "" {
		// Fall back to email as the stable id — better than an
		// unaddressable record.
		info.ID = wire.Email
	}

	if info.ID == "" {
		return nil, fmt.Errorf("backend: user-info response has no usable id")
	}

	return info, nil
}

// Registry holds the configured adapters for a deployment.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Re-registering a name replaces it.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for a backend id.
func (r *Registry) Lookup(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("backend: unknown backend %q", name)
	}

	return a, nil
}

// Names returns the registered backend ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}
