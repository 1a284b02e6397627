// Package authflow drives the three-legged authorization-code flow
// through an external user-agent and a remote token-exchange relay.
// It never holds a client secret: the authorization URL generator is
// backend-supplied and opaque, and the exchange sends only the code and
// state. Persistence of the resulting record is the orchestrator's job.
package authflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/classify"
	"github.com/tonimelisma/cloudauth-go/internal/credential"
	"github.com/tonimelisma/cloudauth-go/internal/relay"
)

// stateTokenBytes is the number of random bytes for the state parameter.
const stateTokenBytes = 16

// Sentinel errors for flow outcomes.
var (
	// ErrStateMismatch means the callback's state did not match the
	// pending flow. The callback is discarded; no partial record is
	// created.
	ErrStateMismatch = errors.New("authflow: state mismatch (possible CSRF)")

	// ErrUserDenied means the user declined consent. Terminal; no
	// retry.
	ErrUserDenied = errors.New("authflow: user denied consent")

	// ErrDismissed means the user closed the external agent without
	// completing the flow.
	ErrDismissed = errors.New("authflow: authorization dismissed")

	// ErrNoPendingFlow means a callback arrived with no flow waiting.
	ErrNoPendingFlow = errors.New("authflow: no pending authorization flow")
)

// TokenExchanger is the slice of the relay client the coordinator
// needs. Defined at the consumer per Go convention.
type TokenExchanger interface {
	Exchange(ctx context.Context, code, state string) (*relay.TokenGrant, error)
}

// Coordinator runs authorization flows for one backend. At most one
// flow is pending at a time; starting a new one dismisses the prior.
type Coordinator struct {
	adapter   backend.Adapter
	exchanger TokenExchanger
	openURL   func(string) error
	logger    *slog.Logger

	mu      sync.Mutex
	pending *pendingFlow

	// Injectable for tests.
	newState func() (string, error)
	now      func() time.Time
}

// pendingFlow is one suspended wait for a redirect callback.
type pendingFlow struct {
	id      string // correlates log lines across the suspended wait
	state   string
	resultC chan flowResult
	once    sync.Once
}

type flowResult struct {
	code string
	err  error
}

// resolve delivers the result exactly once; later calls are dropped.
func (p *pendingFlow) resolve(res flowResult) {
	p.once.Do(func() { p.resultC <- res })
}

// New creates a Coordinator. openURL launches the platform's external
// user-agent with the authorization URL; if it fails the flow keeps
// waiting so the user can open the URL manually.
func New(adapter backend.Adapter, exchanger TokenExchanger, openURL func(string) error, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		adapter:   adapter,
		exchanger: exchanger,
		openURL:   openURL,
		logger:    logger,
		newState:  generateState,
		now:       time.Now,
	}
}

// Authenticate runs one full authorization flow: build the URL, open
// the agent, suspend until Complete or Dismiss resolves the wait (or
// ctx is canceled — there is no implicit timeout), exchange the code,
// resolve the identity, and grade the granted scopes. Any outcome with
// a usable access token returns a record; Insufficient scopes set
// PermissionIssue instead of failing.
func (c *Coordinator) Authenticate(ctx context.Context) (*credential.Record, error) {
	state, err := c.newState()
	if err != nil {
		return nil, fmt.Errorf("authflow: generating state token: %w", err)
	}

	flow := &pendingFlow{
		id:      uuid.NewString(),
		state:   state,
		resultC: make(chan flowResult, 1),
	}

	c.mu.Lock()
	if prior := c.pending; prior != nil {
		// A new flow supersedes an abandoned one.
		prior.resolve(flowResult{err: ErrDismissed})
	}
	c.pending = flow
	c.mu.Unlock()

	defer c.clearPending(flow)

	authURL := c.adapter.AuthorizeURL(state)

	c.logger.Info("starting authorization flow",
		slog.String("backend", c.adapter.Name()),
		slog.String("flow_id", flow.id),
	)

	if openErr := c.openURL(authURL); openErr != nil {
		// Not fatal: the host can surface the URL for manual opening.
		c.logger.Warn("failed to open external agent",
			slog.String("flow_id", flow.id),
			slog.String("error", openErr.Error()),
		)
	}

	code, err := c.waitForCallback(ctx, flow)
	if err != nil {
		return nil, err
	}

	c.logger.Info("authorization code received, exchanging",
		slog.String("flow_id", flow.id),
	)

	grant, err := c.exchanger.Exchange(ctx, code, state)
	if err != nil {
		return nil, fmt.Errorf("authflow: exchanging code: %w", err)
	}

	return c.buildRecord(ctx, flow, grant)
}

// Complete feeds a redirect callback URL into the pending flow. The
// deployment's callback transport (custom scheme handler, localhost
// listener) calls this when the agent redirects back. Returns the
// terminal error the flow was resolved with, if any, so the transport
// can render an appropriate page.
func (c *Coordinator) Complete(rawURL string) error {
	c.mu.Lock()
	flow := c.pending
	c.mu.Unlock()

	if flow == nil {
		return ErrNoPendingFlow
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("authflow: parsing callback URL: %w", err)
	}

	q := parsed.Query()

	if q.Get("state") != flow.state {
		// Discard: the pending flow fails, no partial record.
		flow.resolve(flowResult{err: ErrStateMismatch})
		return ErrStateMismatch
	}

	if errParam := q.Get("error"); errParam != "" {
		desc := q.Get("error_description")

		var resErr error
		if errParam == "access_denied" {
			resErr = ErrUserDenied
		} else {
			resErr = fmt.Errorf("authflow: authorization failed: %s: %s", errParam, desc)
		}

		flow.resolve(flowResult{err: resErr})

		return resErr
	}

	code := q.Get("code")
	if code == "" {
		err := fmt.Errorf("authflow: callback missing authorization code")
		flow.resolve(flowResult{err: err})

		return err
	}

	flow.resolve(flowResult{code: code})

	return nil
}

// Dismiss resolves the pending wait with a terminal failure. Called
// when the user closes the external agent. Without this the suspended
// operation would hang forever.
func (c *Coordinator) Dismiss() {
	c.mu.Lock()
	flow := c.pending
	c.mu.Unlock()

	if flow != nil {
		flow.resolve(flowResult{err: ErrDismissed})
	}
}

// waitForCallback blocks until the flow resolves or ctx is canceled.
func (c *Coordinator) waitForCallback(ctx context.Context, flow *pendingFlow) (string, error) {
	select {
	case res := <-flow.resultC:
		if res.err != nil {
			c.logger.Info("authorization flow failed",
				slog.String("flow_id", flow.id),
				slog.String("error", res.err.Error()),
			)

			return "", res.err
		}

		return res.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("authflow: authorization canceled: %w", ctx.Err())
	}
}

// buildRecord resolves the identity and grades scopes for a grant.
func (c *Coordinator) buildRecord(ctx context.Context, flow *pendingFlow, grant *relay.TokenGrant) (*credential.Record, error) {
	now := c.now()

	info, err := c.adapter.UserInfo(ctx, grant.AccessToken)
	if err != nil {
		c.logger.Warn("user-info fetch failed, trying id_token claims",
			slog.String("flow_id", flow.id),
			slog.String("error", err.Error()),
		)

		info = identityFromIDToken(grant.IDToken)
		if info == nil {
			return nil, fmt.Errorf("authflow: resolving identity: %w", err)
		}
	}

	level := classify.SatisfyScopes(grant.Scope, c.adapter.RequiredScopes(), c.adapter.RequestedScopes())

	rec := &credential.Record{
		Backend:         c.adapter.Name(),
		UserID:          info.ID,
		Token:           grant.Token(now),
		Scopes:          grant.Scope,
		Success:         level != classify.Insufficient,
		PermissionIssue: level == classify.Insufficient,
		Profile: credential.Profile{
			Name:      info.Name,
			Email:     info.Email,
			Picture:   info.Picture,
			UpdatedAt: now,
		},
	}

	c.logger.Info("authorization flow complete",
		slog.String("flow_id", flow.id),
		slog.String("backend", rec.Backend),
		slog.String("user_id", rec.UserID),
		slog.String("scope_level", level.String()),
		slog.Time("expiry", rec.ExpiresAt()),
	)

	return rec, nil
}

// clearPending drops the flow pointer if it is still current.
func (c *Coordinator) clearPending(flow *pendingFlow) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == flow {
		c.pending = nil
	}
}

// identityFromIDToken extracts identity claims from a relay-supplied
// id_token. The relay already received it over TLS from the provider's
// token endpoint, so the signature is not re-verified here.
func identityFromIDToken(idToken string) *backend.UserInfo {
	if idToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}

	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return nil
	}

	sub, _ := claims["sub"].(string)
	email, _ := claims["email"].(string)

	id := sub
	if id == "" {
		id = email
	}

	if id == "" {
		return nil
	}

	name, _ := claims["name"].(string)
	picture, _ := claims["picture"].(string)

	return &backend.UserInfo{ID: id, Name: name, Email: email, Picture: picture}
}

// generateState produces a cryptographically random hex string for the
// state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
