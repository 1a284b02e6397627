package credstore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()

	s, err := NewFileStore(filepath.Join(t.TempDir(), "credentials"), slog.Default())
	require.NoError(t, err)

	return s
}

func sampleRecord(backend, userID string) *credential.Record {
	return &credential.Record{
		Backend: backend,
		UserID:  userID,
		Token: &oauth2.Token{
			AccessToken:  "access-" + userID,
			RefreshToken: "refresh-" + userID,
			Expiry:       time.Now().Add(time.Hour).Truncate(time.Second),
		},
		Scopes:  "drive.file email",
		Success: true,
		Profile: credential.Profile{Name: "User " + userID, Email: userID + "@example.com"},
	}
}

// exerciseStore runs the Store contract against any implementation.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	ctx := context.Background()

	// Round-trip.
	rec := sampleRecord("gdrive", "alice")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "gdrive", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Token.AccessToken, got.Token.AccessToken)
	assert.Equal(t, rec.Token.RefreshToken, got.Token.RefreshToken)
	assert.True(t, rec.Token.Expiry.Equal(got.Token.Expiry.Truncate(time.Second)))
	assert.Equal(t, rec.Scopes, got.Scopes)
	assert.Equal(t, rec.Profile.Email, got.Profile.Email)
	assert.True(t, got.Success)

	// Absent key.
	got, err = s.Get(ctx, "gdrive", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	// GetAll sees both identities, scoped per backend.
	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "bob")))
	require.NoError(t, s.Save(ctx, sampleRecord("dropbox", "carol")))

	all, err := s.GetAll(ctx, "gdrive")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "alice")
	assert.Contains(t, all, "bob")

	// Active pointer lifecycle.
	active, err := s.ActiveUser(ctx, "gdrive")
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.SetActiveUser(ctx, "gdrive", "alice"))

	active, err = s.ActiveUser(ctx, "gdrive")
	require.NoError(t, err)
	assert.Equal(t, "alice", active)

	// Switching overwrites.
	require.NoError(t, s.SetActiveUser(ctx, "gdrive", "bob"))

	active, err = s.ActiveUser(ctx, "gdrive")
	require.NoError(t, err)
	assert.Equal(t, "bob", active)

	require.NoError(t, s.ClearActiveUser(ctx, "gdrive"))

	active, err = s.ActiveUser(ctx, "gdrive")
	require.NoError(t, err)
	assert.Empty(t, active)

	// Clearing twice is idempotent.
	require.NoError(t, s.ClearActiveUser(ctx, "gdrive"))

	// Remove one, others survive.
	require.NoError(t, s.Remove(ctx, "gdrive", "alice"))

	got, err = s.Get(ctx, "gdrive", "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Get(ctx, "gdrive", "bob")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Removing an absent key is not an error.
	require.NoError(t, s.Remove(ctx, "gdrive", "alice"))

	// RemoveAll wipes the backend, not its neighbors.
	require.NoError(t, s.SetActiveUser(ctx, "gdrive", "bob"))
	require.NoError(t, s.RemoveAll(ctx, "gdrive"))

	all, err = s.GetAll(ctx, "gdrive")
	require.NoError(t, err)
	assert.Empty(t, all)

	active, err = s.ActiveUser(ctx, "gdrive")
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err = s.Get(ctx, "dropbox", "carol")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestFileStore_Contract(t *testing.T) {
	exerciseStore(t, newTestFileStore(t))
}

func TestFileStore_QuarantinesCorruptRecord(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "alice")))

	// Corrupt the file on disk.
	path := s.recordPath("gdrive", "alice")
	require.NoError(t, os.WriteFile(path, []byte("not json"), FilePerms))

	// Corruption reads as absent, never as an error.
	got, err := s.Get(ctx, "gdrive", "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The offending file is gone.
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStore_QuarantinesTokenlessRecord(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	// Valid JSON but no token field — still quarantined.
	path := s.recordPath("gdrive", "bad")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), DirPerms))
	require.NoError(t, os.WriteFile(path, []byte(`{"backend":"gdrive","user_id":"bad"}`), FilePerms))

	got, err := s.Get(ctx, "gdrive", "bad")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStore_GetAllSkipsCorrupt(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "alice")))
	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "bob")))

	require.NoError(t, os.WriteFile(s.recordPath("gdrive", "bob"), []byte("{broken"), FilePerms))

	all, err := s.GetAll(ctx, "gdrive")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "alice")
}

func TestFileStore_Permissions(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "alice")))

	info, err := os.Stat(s.recordPath("gdrive", "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestFileStore_AtomicOverwrite(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	first := sampleRecord("gdrive", "alice")
	require.NoError(t, s.Save(ctx, first))

	second := sampleRecord("gdrive", "alice")
	second.Token.AccessToken = "rotated"
	require.NoError(t, s.Save(ctx, second))

	got, err := s.Get(ctx, "gdrive", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rotated", got.Token.AccessToken)

	// No temp files left behind.
	entries, err := os.ReadDir(s.backendDir("gdrive"))
	require.NoError(t, err)

	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".cred-")
	}
}

func TestFileStore_SaveRejectsIncompleteKey(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	err := s.Save(ctx, &credential.Record{Backend: "gdrive"})
	assert.Error(t, err)

	err = s.Save(ctx, nil)
	assert.Error(t, err)
}

func TestFileStore_EscapesHostileIDs(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	rec := sampleRecord("gdrive", "../../etc/passwd")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, "gdrive", "../../etc/passwd")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Token.AccessToken, got.Token.AccessToken)

	// The record landed inside the store root, not outside it.
	all, err := s.GetAll(ctx, "gdrive")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStore_WatchSignalsChanges(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	changed := make(chan struct{}, 8)
	require.NoError(t, s.Watch(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}))
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Save(ctx, sampleRecord("gdrive", "alice")))

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not signal a store change")
	}
}

func TestFileStore_WatchTwiceFails(t *testing.T) {
	s := newTestFileStore(t)

	require.NoError(t, s.Watch(func() {}))
	t.Cleanup(func() { _ = s.Close() })

	assert.Error(t, s.Watch(func() {}))
}
