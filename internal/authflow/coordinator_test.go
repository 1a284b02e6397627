package authflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/relay"
)

// fakeAdapter is a minimal backend adapter for flow tests.
type fakeAdapter struct {
	name        string
	required    string
	requested   string
	userInfo    *backend.UserInfo
	userInfoErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) AuthorizeURL(state string) string {
	return "https://relay.example.com/authorize/" + f.name + "?state=" + state
}

func (f *fakeAdapter) RequiredScopes() string  { return f.required }
func (f *fakeAdapter) RequestedScopes() string { return f.requested }
func (f *fakeAdapter) SupportsRevoke() bool    { return true }

func (f *fakeAdapter) UserInfo(_ context.Context, _ string) (*backend.UserInfo, error) {
	if f.userInfoErr != nil {
		return nil, f.userInfoErr
	}

	return f.userInfo, nil
}

// fakeExchanger records the exchange call and returns a canned grant.
type fakeExchanger struct {
	grant     *relay.TokenGrant
	err       error
	gotCode   string
	gotState  string
	callCount int
}

func (f *fakeExchanger) Exchange(_ context.Context, code, state string) (*relay.TokenGrant, error) {
	f.callCount++
	f.gotCode = code
	f.gotState = state

	if f.err != nil {
		return nil, f.err
	}

	return f.grant, nil
}

func defaultAdapter() *fakeAdapter {
	return &fakeAdapter{
		name:      "gdrive",
		required:  "drive.file",
		requested: "drive.file email",
		userInfo: &backend.UserInfo{
			ID:    "user-1",
			Name:  "Alice Smith",
			Email: "alice@example.com",
		},
	}
}

func defaultGrant() *relay.TokenGrant {
	return &relay.TokenGrant{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresIn:    3600,
		Scope:        "drive.file email",
	}
}

// newTestCoordinator builds a coordinator with a fixed state token and
// a no-op URL opener.
func newTestCoordinator(adapter backend.Adapter, ex TokenExchanger) *Coordinator {
	c := New(adapter, ex, func(string) error { return nil }, slog.Default())
	c.newState = func() (string, error) { return "fixed-state", nil }

	return c
}

// runFlow starts Authenticate in a goroutine and returns a channel
// carrying its outcome.
type flowOutcome struct {
	rec *recordResult
	err error
}

type recordResult struct {
	userID          string
	accessToken     string
	permissionIssue bool
	success         bool
	scopes          string
	email           string
}

func runFlow(ctx context.Context, c *Coordinator) <-chan flowOutcome {
	done := make(chan flowOutcome, 1)

	go func() {
		rec, err := c.Authenticate(ctx)
		if err != nil {
			done <- flowOutcome{err: err}
			return
		}

		done <- flowOutcome{rec: &recordResult{
			userID:          rec.UserID,
			accessToken:     rec.AccessToken(),
			permissionIssue: rec.PermissionIssue,
			success:         rec.Success,
			scopes:          rec.Scopes,
			email:           rec.Profile.Email,
		}}
	}()

	return done
}

// completeSoon feeds a callback once the flow is pending.
func completeSoon(t *testing.T, c *Coordinator, rawURL string) {
	t.Helper()

	go func() {
		// Wait until the flow registers as pending.
		for range 200 {
			c.mu.Lock()
			pending := c.pending != nil
			c.mu.Unlock()

			if pending {
				_ = c.Complete(rawURL)
				return
			}

			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func awaitOutcome(t *testing.T, done <-chan flowOutcome) flowOutcome {
	t.Helper()

	select {
	case out := <-done:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("authorization flow did not resolve")
		return flowOutcome{}
	}
}

func TestAuthenticate_Success(t *testing.T) {
	ex := &fakeExchanger{grant: defaultGrant()}
	c := newTestCoordinator(defaultAdapter(), ex)

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=auth-code-1&state=fixed-state")

	out := awaitOutcome(t, done)
	require.NoError(t, out.err)
	require.NotNil(t, out.rec)

	assert.Equal(t, "user-1", out.rec.userID)
	assert.Equal(t, "access-1", out.rec.accessToken)
	assert.True(t, out.rec.success)
	assert.False(t, out.rec.permissionIssue)
	assert.Equal(t, "drive.file email", out.rec.scopes)
	assert.Equal(t, "alice@example.com", out.rec.email)

	// Exchange received code and state, nothing else.
	assert.Equal(t, "auth-code-1", ex.gotCode)
	assert.Equal(t, "fixed-state", ex.gotState)
}

func TestAuthenticate_InsufficientScopes(t *testing.T) {
	// Granted scopes miss the required minimum: the exchange succeeded,
	// so a record is still produced, flagged and with a usable token.
	grant := defaultGrant()
	grant.Scope = "drive.readonly email"

	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: grant})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	out := awaitOutcome(t, done)
	require.NoError(t, out.err)
	require.NotNil(t, out.rec)

	assert.True(t, out.rec.permissionIssue)
	assert.False(t, out.rec.success)
	assert.NotEmpty(t, out.rec.accessToken)
}

func TestAuthenticate_StateMismatch(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=wrong-state")

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, ErrStateMismatch)
	assert.Nil(t, out.rec)
}

func TestAuthenticate_UserDenied(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?error=access_denied&error_description=user+declined&state=fixed-state")

	out := awaitOutcome(t, done)
	assert.ErrorIs(t, out.err, ErrUserDenied)
}

func TestAuthenticate_ProviderError(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?error=server_error&error_description=upstream+broke&state=fixed-state")

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "server_error")
	assert.NotErrorIs(t, out.err, ErrUserDenied)
}

func TestAuthenticate_MissingCode(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?state=fixed-state")

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "missing authorization code")
}

func TestAuthenticate_Dismiss(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)

	go func() {
		for range 200 {
			c.mu.Lock()
			pending := c.pending != nil
			c.mu.Unlock()

			if pending {
				c.Dismiss()
				return
			}

			time.Sleep(5 * time.Millisecond)
		}
	}()

	out := awaitOutcome(t, done)
	assert.ErrorIs(t, out.err, ErrDismissed)
}

func TestAuthenticate_ContextCancel(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	ctx, cancel := context.WithCancel(context.Background())
	done := runFlow(ctx, c)

	cancel()

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, context.Canceled)
}

func TestAuthenticate_ExchangeFailure(t *testing.T) {
	ex := &fakeExchanger{err: fmt.Errorf("wrapped: %w", relay.ErrExchangeFailed)}
	c := newTestCoordinator(defaultAdapter(), ex)

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.ErrorIs(t, out.err, relay.ErrExchangeFailed)
}

func TestAuthenticate_IDTokenFallback(t *testing.T) {
	// User-info endpoint down; identity comes from the id_token claims.
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "jwt-user-9",
		"email": "jwt@example.com",
		"name":  "JWT User",
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)

	grant := defaultGrant()
	grant.IDToken = idToken

	adapter := defaultAdapter()
	adapter.userInfoErr = errors.New("userinfo endpoint unreachable")

	c := newTestCoordinator(adapter, &fakeExchanger{grant: grant})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	out := awaitOutcome(t, done)
	require.NoError(t, out.err)
	require.NotNil(t, out.rec)
	assert.Equal(t, "jwt-user-9", out.rec.userID)
	assert.Equal(t, "jwt@example.com", out.rec.email)
}

func TestAuthenticate_IdentityUnresolvable(t *testing.T) {
	adapter := defaultAdapter()
	adapter.userInfoErr = errors.New("userinfo endpoint unreachable")

	// No id_token to fall back on.
	c := newTestCoordinator(adapter, &fakeExchanger{grant: defaultGrant()})

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	out := awaitOutcome(t, done)
	require.Error(t, out.err)
	assert.Contains(t, out.err.Error(), "resolving identity")
}

func TestComplete_NoPendingFlow(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	err := c.Complete("cloudauth://callback?code=c&state=s")
	assert.ErrorIs(t, err, ErrNoPendingFlow)
}

func TestAuthenticate_NewFlowSupersedesPrior(t *testing.T) {
	c := newTestCoordinator(defaultAdapter(), &fakeExchanger{grant: defaultGrant()})

	first := runFlow(context.Background(), c)

	// Wait for the first flow to be pending.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.pending != nil
	}, 2*time.Second, 5*time.Millisecond)

	second := runFlow(context.Background(), c)

	// The first wait resolves as dismissed as soon as the second flow
	// registers — only then is it safe to feed the callback.
	firstOut := awaitOutcome(t, first)
	assert.ErrorIs(t, firstOut.err, ErrDismissed)

	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	secondOut := awaitOutcome(t, second)
	require.NoError(t, secondOut.err)
	require.NotNil(t, secondOut.rec)
}

func TestIdentityFromIDToken_Malformed(t *testing.T) {
	assert.Nil(t, identityFromIDToken(""))
	assert.Nil(t, identityFromIDToken("not-a-jwt"))
}

func TestGenerateState(t *testing.T) {
	s1, err := generateState()
	require.NoError(t, err)
	assert.Len(t, s1, stateTokenBytes*2) // hex encoding doubles the length

	s2, err := generateState()
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2, "consecutive states should differ")
}

func TestAuthenticate_OpenURLFailureStillCompletes(t *testing.T) {
	ex := &fakeExchanger{grant: defaultGrant()}
	c := New(defaultAdapter(), ex, func(string) error { return errors.New("no browser") }, slog.Default())
	c.newState = func() (string, error) { return "fixed-state", nil }

	done := runFlow(context.Background(), c)
	completeSoon(t, c, "cloudauth://callback?code=c&state=fixed-state")

	out := awaitOutcome(t, done)
	require.NoError(t, out.err)
	require.NotNil(t, out.rec)
}
