// Package credstore persists credential records durably across restarts.
// It defines the Store contract and ships two implementations: a
// file-per-identity JSON store and an embedded SQLite store. Both honor
// the quarantine contract: a corrupt stored record never propagates a
// decode error — it is deleted and reported absent.
package credstore

import (
	"context"

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

// Store is the sole contract toward the persistence collaborator.
// Records are keyed by (backend, userID); each backend additionally has
// one nullable active-user pointer.
type Store interface {
	// Save stores a record, creating or replacing the (backend, userID) key.
	Save(ctx context.Context, rec *credential.Record) error

	// Get retrieves one record. Returns (nil, nil) when absent — which
	// includes records quarantined for corruption.
	Get(ctx context.Context, backend, userID string) (*credential.Record, error)

	// GetAll returns every stored record for a backend keyed by userID.
	GetAll(ctx context.Context, backend string) (map[string]*credential.Record, error)

	// Remove deletes one record. Removing an absent key is not an error.
	Remove(ctx context.Context, backend, userID string) error

	// RemoveAll deletes every record and the active pointer for a backend.
	RemoveAll(ctx context.Context, backend string) error

	// ActiveUser returns the active userID for a backend, or "" if none.
	ActiveUser(ctx context.Context, backend string) (string, error)

	// SetActiveUser persists the active pointer for a backend.
	SetActiveUser(ctx context.Context, backend, userID string) error

	// ClearActiveUser removes the active pointer for a backend.
	ClearActiveUser(ctx context.Context, backend string) error
}
