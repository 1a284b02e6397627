// Package accounts is the per-backend registry of known identities.
// It reads and writes through the credential store and keeps cached
// profile fields fresh on a best-effort basis.
package accounts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/tonimelisma/cloudauth-go/internal/backend"
	"github.com/tonimelisma/cloudauth-go/internal/credential"
	"github.com/tonimelisma/cloudauth-go/internal/credstore"
)

// Directory lists, refreshes, and switches between stored identities
// for one backend.
type Directory struct {
	store  credstore.Store
	logger *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Directory over a store.
func New(store credstore.Store, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}

	return &Directory{store: store, logger: logger, now: time.Now}
}

// All returns every stored identity for the adapter's backend, ordered
// by display name. For identities whose access token has not expired,
// the live profile is refreshed best-effort: a fetch failure falls back
// to the cached fields, and newly learned profile data is persisted
// opportunistically.
func (d *Directory) All(ctx context.Context, adapter backend.Adapter) ([]*credential.Record, error) {
	stored, err := d.store.GetAll(ctx, adapter.Name())
	if err != nil {
		return nil, fmt.Errorf("accounts: listing identities: %w", err)
	}

	now := d.now()
	out := make([]*credential.Record, 0, len(stored))

	for _, rec := range stored {
		if rec.Usable() && !rec.Expired(now) {
			d.refreshProfile(ctx, adapter, rec)
		}

		out = append(out, rec)
	}

	sortRecords(out)

	return out, nil
}

// refreshProfile updates cached profile fields from the live user-info
// endpoint. Failure is non-fatal: the cached fields stand.
func (d *Directory) refreshProfile(ctx context.Context, adapter backend.Adapter, rec *credential.Record) {
	info, err := adapter.UserInfo(ctx, rec.AccessToken())
	if err != nil {
		d.logger.Debug("profile refresh failed, using cached fields",
			slog.String("backend", rec.Backend),
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)

		return
	}

	updated := credential.Profile{
		Name:      info.Name,
		Email:     info.Email,
		Picture:   info.Picture,
		UpdatedAt: d.now(),
	}

	if updated.Name == rec.Profile.Name &&
		updated.Email == rec.Profile.Email &&
		updated.Picture == rec.Profile.Picture {
		return
	}

	rec.Profile = updated

	if err := d.store.Save(ctx, rec); err != nil {
		d.logger.Warn("persisting refreshed profile failed",
			slog.String("backend", rec.Backend),
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// SwitchTo makes userID the active identity for a backend. It rejects
// (returns false, no pointer change) only when the stored record's
// access token is empty — a degraded or reauth-flagged session is
// still worth surfacing and may be repaired later. On acceptance the
// pointer is persisted and the state derived from the record's flags
// is returned.
func (d *Directory) SwitchTo(ctx context.Context, backendID, userID string) (credential.AuthState, bool, error) {
	rec, err := d.store.Get(ctx, backendID, userID)
	if err != nil {
		return credential.NotAuthenticated, false, fmt.Errorf("accounts: loading identity: %w", err)
	}

	if !rec.Usable() {
		d.logger.Info("refusing switch to identity without token",
			slog.String("backend", backendID),
			slog.String("user_id", userID),
		)

		return credential.NotAuthenticated, false, nil
	}

	if err := d.store.SetActiveUser(ctx, backendID, userID); err != nil {
		return credential.NotAuthenticated, false, fmt.Errorf("accounts: persisting active identity: %w", err)
	}

	state := credential.StateFor(rec, d.now())

	d.logger.Info("switched active identity",
		slog.String("backend", backendID),
		slog.String("user_id", userID),
		slog.String("state", state.String()),
	)

	return state, true, nil
}

// sortRecords orders records by display name, then email, then user
// id, using locale-aware, case-insensitive collation.
func sortRecords(recs []*credential.Record) {
	col := collate.New(language.Und, collate.Loose)

	sort.Slice(recs, func(i, j int) bool {
		return col.CompareString(sortKey(recs[i]), sortKey(recs[j])) < 0
	})
}

func sortKey(rec *credential.Record) string {
	if rec.Profile.Name != "" {
		return rec.Profile.Name
	}

	if rec.Profile.Email != "" {
		return rec.Profile.Email
	}

	return rec.UserID
}
