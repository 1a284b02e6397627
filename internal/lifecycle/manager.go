package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/cloudauth-go/internal/accounts"
	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/classify"
	"github.com/tonimelisma/cloudauth-go/internal/credential"
	"github.com/tonimelisma/cloudauth-go/internal/credstore"
	"github.com/tonimelisma/cloudauth-go/internal/relay"
)

var (
	// ErrDisposed is returned by every operation on a closed manager.
	ErrDisposed = errors.New("lifecycle: manager is closed")

	// ErrNotAuthenticated means no active identity is available.
	ErrNotAuthenticated = errors.New("lifecycle: no active identity")

	// ErrNoRefreshToken means the active identity's token has expired
	// and cannot be refreshed; a new authorization flow is required.
	ErrNoRefreshToken = errors.New("lifecycle: no refresh token, reauthorization required")
)

// scheduledRefreshTimeout bounds a timer-initiated refresh, which has
// no caller to carry a context.
const scheduledRefreshTimeout = time.Minute

// Authenticator runs one interactive authorization flow and returns
// the resulting record. Satisfied by authflow.Coordinator.
type Authenticator interface {
	Authenticate(ctx context.Context) (*credential.Record, error)
}

// TokenService refreshes and revokes tokens through the remote relay.
// Satisfied by relay.Client.
type TokenService interface {
	Refresh(ctx context.Context, refreshToken string) (*relay.TokenGrant, error)
	Revoke(ctx context.Context, token string) error
}

// Manager owns the active-identity pointer for one backend and keeps
// it mirrored to the store. Scheduled and caller-initiated refreshes
// funnel through a single in-flight guard, so concurrent callers share
// one refresh instead of issuing duplicates.
type Manager struct {
	store     credstore.Store
	adapter   backend.Adapter
	flow      Authenticator
	tokens    TokenService
	directory *accounts.Directory
	sched     *Scheduler
	logger    *slog.Logger

	// now is injectable for tests.
	now func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	active   *credential.Record
	disposed bool
}

// NewManager wires a manager over its collaborators.
func NewManager(store credstore.Store, adapter backend.Adapter, flow Authenticator, tokens TokenService, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:     store,
		adapter:   adapter,
		flow:      flow,
		tokens:    tokens,
		directory: accounts.New(store, logger),
		sched:     NewScheduler(logger),
		logger:    logger,
		now:       time.Now,
	}
}

// Authenticate runs the authorization flow and adopts its outcome. Any
// record with a usable access token is persisted and made active, and
// the refresh timer is re-armed — including permission-degraded
// records, so the caller can surface a connected-but-needs-consent
// account. ok is true only when the grant covers the backend's
// required scopes.
func (m *Manager) Authenticate(ctx context.Context) (rec *credential.Record, ok bool, err error) {
	if err := m.guard(); err != nil {
		return nil, false, err
	}

	rec, err = m.flow.Authenticate(ctx)
	if err != nil {
		return nil, false, err
	}

	if err := m.adopt(ctx, rec); err != nil {
		return nil, false, err
	}

	ok = !rec.PermissionIssue

	m.logger.Info("authenticated",
		slog.String("backend", rec.Backend),
		slog.String("user_id", rec.UserID),
		slog.Bool("permission_issue", rec.PermissionIssue),
	)

	return rec, ok, nil
}

// InitializeFromStorage restores an identity after a restart. It
// prefers the persisted active identity; failing that, the first
// stored identity with a live token; failing that, any stored identity
// at all, surfaced under NeedsReauth — a degraded account beats a
// silent disconnection. Returns NotAuthenticated with a nil record
// when nothing is stored.
func (m *Manager) InitializeFromStorage(ctx context.Context) (*credential.Record, credential.AuthState, error) {
	if err := m.guard(); err != nil {
		return nil, credential.NotAuthenticated, err
	}

	backendID := m.adapter.Name()

	activeID, err := m.store.ActiveUser(ctx, backendID)
	if err != nil {
		return nil, credential.NotAuthenticated, fmt.Errorf("lifecycle: reading active identity: %w", err)
	}

	if activeID != "" {
		rec, err := m.store.Get(ctx, backendID, activeID)
		if err != nil {
			return nil, credential.NotAuthenticated, fmt.Errorf("lifecycle: loading active identity: %w", err)
		}

		if rec.Usable() {
			m.restore(rec)

			return rec, credential.StateFor(rec, m.now()), nil
		}
	}

	all, err := m.store.GetAll(ctx, backendID)
	if err != nil {
		return nil, credential.NotAuthenticated, fmt.Errorf("lifecycle: scanning identities: %w", err)
	}

	if len(all) == 0 {
		return nil, credential.NotAuthenticated, nil
	}

	now := m.now()

	var fallback *credential.Record

	for _, id := range sortedKeys(all) {
		rec := all[id]

		if rec.Usable() && !rec.Expired(now) {
			if err := m.promote(ctx, rec); err != nil {
				return nil, credential.NotAuthenticated, err
			}

			return rec, credential.StateFor(rec, now), nil
		}

		if fallback == nil {
			fallback = rec
		}
	}

	// Nothing live. Promote the first stored identity anyway so the
	// user sees who was connected and can repair it.
	if err := m.promote(ctx, fallback); err != nil {
		return nil, credential.NotAuthenticated, err
	}

	state := credential.StateFor(fallback, now)
	if state == credential.NotAuthenticated {
		state = credential.NeedsReauth
	}

	m.logger.Info("restored degraded identity",
		slog.String("backend", backendID),
		slog.String("user_id", fallback.UserID),
		slog.String("state", state.String()),
	)

	return fallback, state, nil
}

// ValidCredential returns the active record with a live access token,
// refreshing it synchronously first when expired. Concurrent callers
// and a concurrently firing refresh timer share a single refresh.
func (m *Manager) ValidCredential(ctx context.Context) (*credential.Record, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	rec := m.active
	m.mu.Unlock()

	if rec == nil || !rec.Usable() {
		return nil, ErrNotAuthenticated
	}

	if !rec.Expired(m.now()) {
		return rec.Clone(), nil
	}

	if !rec.HasRefreshToken() {
		return nil, ErrNoRefreshToken
	}

	return m.refreshIdentity(ctx, rec.Backend, rec.UserID)
}

// HandleAPIError triages a failed backend API call. Permission and
// scope rejections flag the active record, persist it, and report
// handled so the caller degrades gracefully; authentication failures
// and everything else report not handled and stay with the caller.
func (m *Manager) HandleAPIError(ctx context.Context, statusCode int, body, operation string) (bool, error) {
	if err := m.guard(); err != nil {
		return false, err
	}

	kind := classify.Classify(statusCode, body)
	if kind != classify.PermissionOrScope {
		m.logger.Debug("api error not handled",
			slog.Int("status", statusCode),
			slog.String("kind", kind.String()),
			slog.String("operation", operation),
		)

		return false, nil
	}

	m.mu.Lock()

	if m.active == nil {
		m.mu.Unlock()

		return false, nil
	}

	m.active.PermissionIssue = true
	m.active.NeedsReauth = true
	rec := m.active.Clone()

	m.mu.Unlock()

	m.logger.Warn("backend rejected operation for missing permissions, reauthorization required",
		slog.String("backend", rec.Backend),
		slog.String("user_id", rec.UserID),
		slog.String("operation", operation),
		slog.Int("status", statusCode),
	)

	if err := m.store.Save(ctx, rec); err != nil {
		return true, fmt.Errorf("lifecycle: persisting degraded identity: %w", err)
	}

	return true, nil
}

// SwitchAccount makes userID the active identity. Acceptance rules are
// the directory's: only an identity without any access token is
// refused. On acceptance the refresh timer is re-armed for the new
// identity's expiry.
func (m *Manager) SwitchAccount(ctx context.Context, userID string) (credential.AuthState, bool, error) {
	if err := m.guard(); err != nil {
		return credential.NotAuthenticated, false, err
	}

	state, ok, err := m.directory.SwitchTo(ctx, m.adapter.Name(), userID)
	if err != nil || !ok {
		return state, ok, err
	}

	rec, err := m.store.Get(ctx, m.adapter.Name(), userID)
	if err != nil {
		return state, ok, fmt.Errorf("lifecycle: loading switched identity: %w", err)
	}

	m.mu.Lock()
	m.active = rec
	m.mu.Unlock()

	m.armFor(rec)

	return state, true, nil
}

// Accounts lists every stored identity for the backend, profile fields
// refreshed best-effort.
func (m *Manager) Accounts(ctx context.Context) ([]*credential.Record, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}

	return m.directory.All(ctx, m.adapter)
}

// DeleteAccount removes a stored identity. Remote revocation is
// attempted first and is best-effort: a relay failure is logged, never
// fatal. Removing the active identity clears the active pointer and
// the pending refresh timer.
func (m *Manager) DeleteAccount(ctx context.Context, userID string) error {
	if err := m.guard(); err != nil {
		return err
	}

	backendID := m.adapter.Name()

	rec, err := m.store.Get(ctx, backendID, userID)
	if err != nil {
		return fmt.Errorf("lifecycle: loading identity for removal: %w", err)
	}

	if rec != nil {
		m.revokeBestEffort(ctx, rec)
	}

	if err := m.store.Remove(ctx, backendID, userID); err != nil {
		return fmt.Errorf("lifecycle: removing identity: %w", err)
	}

	m.mu.Lock()
	wasActive := m.active != nil && m.active.UserID == userID
	if wasActive {
		m.active = nil
	}
	m.mu.Unlock()

	if wasActive {
		m.sched.Cancel()

		if err := m.store.ClearActiveUser(ctx, backendID); err != nil {
			return fmt.Errorf("lifecycle: clearing active identity: %w", err)
		}
	}

	m.logger.Info("removed identity",
		slog.String("backend", backendID),
		slog.String("user_id", userID),
		slog.Bool("was_active", wasActive),
	)

	return nil
}

// Logout removes the active identity and returns the manager to
// NotAuthenticated. A no-op when nothing is active. Logout does not
// repair scope problems; only a fresh Authenticate can.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}

	m.mu.Lock()
	rec := m.active
	m.mu.Unlock()

	if rec == nil {
		m.logger.Debug("logout with no active identity")

		return nil
	}

	return m.DeleteAccount(ctx, rec.UserID)
}

// State derives the current authentication state from the active
// record's flags and expiry. Never read from storage.
func (m *Manager) State() credential.AuthState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return credential.NotAuthenticated
	}

	return credential.StateFor(m.active, m.now())
}

// Active returns a copy of the active record, or nil.
func (m *Manager) Active() *credential.Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active.Clone()
}

// Close cancels any pending refresh timer and marks the manager
// disposed. Every subsequent operation returns ErrDisposed. Close is
// idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()

	m.sched.Cancel()

	return nil
}

func (m *Manager) guard() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed {
		return ErrDisposed
	}

	return nil
}

// adopt persists rec, marks it active, and re-arms the refresh timer.
func (m *Manager) adopt(ctx context.Context, rec *credential.Record) error {
	if err := m.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("lifecycle: persisting identity: %w", err)
	}

	if err := m.store.SetActiveUser(ctx, rec.Backend, rec.UserID); err != nil {
		return fmt.Errorf("lifecycle: persisting active identity: %w", err)
	}

	m.restore(rec)

	return nil
}

// promote is adopt for already-persisted records: only the active
// pointer is written.
func (m *Manager) promote(ctx context.Context, rec *credential.Record) error {
	if err := m.store.SetActiveUser(ctx, rec.Backend, rec.UserID); err != nil {
		return fmt.Errorf("lifecycle: persisting active identity: %w", err)
	}

	m.restore(rec)

	return nil
}

// restore sets the in-memory active pointer and re-arms the timer
// without touching storage. The pointer holds its own copy so later
// flag flips never mutate a record handed to a caller.
func (m *Manager) restore(rec *credential.Record) {
	m.mu.Lock()
	m.active = rec.Clone()
	m.mu.Unlock()

	m.armFor(rec)
}

// armFor re-arms the refresh timer for rec's expiry. Records without a
// usable token or a known expiry leave the timer cancelled; reactive
// refresh covers them.
func (m *Manager) armFor(rec *credential.Record) {
	if !rec.Usable() || rec.ExpiresAt().IsZero() {
		m.sched.Cancel()

		return
	}

	backendID, userID := rec.Backend, rec.UserID

	m.sched.Arm(rec.ExpiresAt(), func() {
		m.scheduledRefresh(backendID, userID)
	})
}

// scheduledRefresh is the timer callback: exactly one refresh attempt,
// no automatic retry. Failure leaves the record in place; the next API
// call or explicit action retries.
func (m *Manager) scheduledRefresh(backendID, userID string) {
	if err := m.guard(); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), scheduledRefreshTimeout)
	defer cancel()

	if _, err := m.refreshIdentity(ctx, backendID, userID); err != nil {
		m.logger.Warn("scheduled token refresh failed",
			slog.String("backend", backendID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// refreshIdentity funnels every refresh through one in-flight guard
// per identity; late callers await the winner's result.
func (m *Manager) refreshIdentity(ctx context.Context, backendID, userID string) (*credential.Record, error) {
	key := backendID + "/" + userID

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.doRefresh(ctx, backendID, userID)
	})
	if err != nil {
		return nil, err
	}

	return v.(*credential.Record).Clone(), nil
}

func (m *Manager) doRefresh(ctx context.Context, backendID, userID string) (*credential.Record, error) {
	rec, err := m.store.Get(ctx, backendID, userID)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: loading identity for refresh: %w", err)
	}

	if rec == nil {
		return nil, ErrNotAuthenticated
	}

	if !rec.HasRefreshToken() {
		return nil, ErrNoRefreshToken
	}

	grant, err := m.tokens.Refresh(ctx, rec.Token.RefreshToken)
	if err != nil {
		if relay.IsInvalidGrant(err) {
			// The provider revoked the grant; only a new
			// authorization flow recovers from this.
			rec.NeedsReauth = true

			if saveErr := m.store.Save(ctx, rec); saveErr != nil {
				m.logger.Warn("persisting revoked identity failed",
					slog.String("backend", backendID),
					slog.String("user_id", userID),
					slog.String("error", saveErr.Error()),
				)
			}

			m.syncActive(rec)

			return nil, fmt.Errorf("lifecycle: refresh grant rejected: %w", err)
		}

		return nil, fmt.Errorf("lifecycle: refreshing token: %w", err)
	}

	updated := rec.Clone()
	updated.Token = grant.Token(m.now())

	// Providers routinely omit the refresh token on refresh; keep the
	// old one in that case.
	if updated.Token.RefreshToken == "" {
		updated.Token.RefreshToken = rec.Token.RefreshToken
	}

	if grant.Scope != "" {
		updated.Scopes = grant.Scope
	}

	if err := m.store.Save(ctx, updated); err != nil {
		return nil, fmt.Errorf("lifecycle: persisting refreshed identity: %w", err)
	}

	m.syncActive(updated)
	m.armIfActive(updated)

	m.logger.Info("token refreshed",
		slog.String("backend", backendID),
		slog.String("user_id", userID),
		slog.Time("expires_at", updated.ExpiresAt()),
	)

	return updated, nil
}

// syncActive replaces the in-memory active record when rec is the
// active identity.
func (m *Manager) syncActive(rec *credential.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil && m.active.Backend == rec.Backend && m.active.UserID == rec.UserID {
		m.active = rec
	}
}

func (m *Manager) armIfActive(rec *credential.Record) {
	m.mu.Lock()
	isActive := m.active != nil && m.active.Backend == rec.Backend && m.active.UserID == rec.UserID
	m.mu.Unlock()

	if isActive {
		m.armFor(rec)
	}
}

func (m *Manager) revokeBestEffort(ctx context.Context, rec *credential.Record) {
	if !m.adapter.SupportsRevoke() || !rec.Usable() {
		return
	}

	token := rec.AccessToken()
	if rec.HasRefreshToken() {
		token = rec.Token.RefreshToken
	}

	if err := m.tokens.Revoke(ctx, token); err != nil {
		m.logger.Warn("remote token revocation failed",
			slog.String("backend", rec.Backend),
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
	}
}

func sortedKeys(m map[string]*credential.Record) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
