package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating per-backend directories.
const DirPerms = 0o700

// activeFileName holds the active-user pointer inside a backend directory.
const activeFileName = "active"

// recordExt is the extension for per-identity record files.
const recordExt = ".json"

// FileStore persists one JSON file per (backend, userID) under
// <root>/<backend>/<userID>.json, plus an "active" pointer file per
// backend. Writes are atomic (write-to-temp + rename) with 0600
// permissions, so a crash never leaves a partial record at the final
// path. Never logs token values.
type FileStore struct {
	root    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return nil, fmt.Errorf("credstore: creating root %s: %w", dir, err)
	}

	return &FileStore{root: dir, logger: logger}, nil
}

// Save writes the record atomically.
func (s *FileStore) Save(_ context.Context, rec *credential.Record) error {
	if rec == nil || rec.Backend == "" || rec.UserID == "" {
		return fmt.Errorf("credstore: record needs backend and user id")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encoding record: %w", err)
	}

	return s.writeAtomic(s.recordPath(rec.Backend, rec.UserID), data)
}

// Get loads one record. A file that fails to decode is quarantined:
// deleted on the spot and reported absent, so a corrupt record can
// never wedge the caller.
func (s *FileStore) Get(_ context.Context, backend, userID string) (*credential.Record, error) {
	path := s.recordPath(backend, userID)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: reading %s: %w", path, err)
	}

	rec, ok := s.decode(path, data)
	if !ok {
		return nil, nil //nolint:nilnil // quarantined, treated as absent
	}

	return rec, nil
}

// GetAll returns every decodable record for a backend. Corrupt files
// are quarantined and skipped.
func (s *FileStore) GetAll(_ context.Context, backend string) (map[string]*credential.Record, error) {
	dir := s.backendDir(backend)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*credential.Record{}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: listing %s: %w", dir, err)
	}

	out := make(map[string]*credential.Record)

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}

		path := filepath.Join(dir, name)

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			continue
		}

		rec, ok := s.decode(path, data)
		if !ok {
			continue
		}

		out[rec.UserID] = rec
	}

	return out, nil
}

// Remove deletes one record file. Absent files are not an error.
func (s *FileStore) Remove(_ context.Context, backend, userID string) error {
	err := os.Remove(s.recordPath(backend, userID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: removing record: %w", err)
	}

	return nil
}

// RemoveAll deletes the whole backend directory, records and active
// pointer included.
func (s *FileStore) RemoveAll(_ context.Context, backend string) error {
	if err := os.RemoveAll(s.backendDir(backend)); err != nil {
		return fmt.Errorf("credstore: removing backend dir: %w", err)
	}

	return nil
}

// ActiveUser reads the active pointer, or "" when unset.
func (s *FileStore) ActiveUser(_ context.Context, backend string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.backendDir(backend), activeFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("credstore: reading active pointer: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// SetActiveUser persists the active pointer atomically.
func (s *FileStore) SetActiveUser(_ context.Context, backend, userID string) error {
	if userID == "" {
		return fmt.Errorf("credstore: active user id is empty")
	}

	return s.writeAtomic(filepath.Join(s.backendDir(backend), activeFileName), []byte(userID+"\n"))
}

// ClearActiveUser removes the active pointer. Absent is not an error.
func (s *FileStore) ClearActiveUser(_ context.Context, backend string) error {
	err := os.Remove(filepath.Join(s.backendDir(backend), activeFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("credstore: clearing active pointer: %w", err)
	}

	return nil
}

// Watch invokes onChange whenever another process writes to the store
// root. Used by long-lived hosts to drop cached directory listings when
// a concurrent CLI invocation rotates a token. Call Close to stop.
func (s *FileStore) Watch(onChange func()) error {
	if s.watcher != nil {
		return fmt.Errorf("credstore: watch already active")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("credstore: creating watcher: %w", err)
	}

	if err := w.Add(s.root); err != nil {
		w.Close()
		return fmt.Errorf("credstore: watching %s: %w", s.root, err)
	}

	// fsnotify is not recursive; cover existing backend directories too.
	if entries, readErr := os.ReadDir(s.root); readErr == nil {
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(s.root, e.Name()))
			}
		}
	}

	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}

				// New backend directories must join the watch set.
				if ev.Op&fsnotify.Create != 0 {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						_ = w.Add(ev.Name)
					}
				}

				// Renames are how atomic writes land.
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
					s.logger.Debug("credential store changed", "path", ev.Name)
					onChange()
				}
			case watchErr, ok := <-w.Errors:
				if !ok {
					return
				}

				s.logger.Warn("credential store watch error", "error", watchErr.Error())
			}
		}
	}()

	return nil
}

// Close stops the change watcher, if one is active.
func (s *FileStore) Close() error {
	if s.watcher == nil {
		return nil
	}

	err := s.watcher.Close()
	s.watcher = nil

	return err
}

// decode parses a record file, quarantining it on failure. Returns
// (record, true) on success, (nil, false) after quarantine.
func (s *FileStore) decode(path string, data []byte) (*credential.Record, bool) {
	var rec credential.Record
	if err := json.Unmarshal(data, &rec); err == nil && rec.Token != nil {
		return &rec, true
	}

	s.logger.Warn("quarantining corrupt credential record", "path", path)

	_ = os.Remove(path)

	return nil, false
}

// writeAtomic writes data via temp file + rename with 0600 permissions.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPerms); err != nil {
		return fmt.Errorf("credstore: creating directory %s: %w", dir, err)
	}

	// Temp file in the same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("credstore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: writing: %w", err)
	}

	// Flush before rename so power loss cannot leave an empty file at
	// the final path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credstore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credstore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credstore: renaming: %w", err)
	}

	success = true

	return nil
}

func (s *FileStore) backendDir(backend string) string {
	return filepath.Join(s.root, url.PathEscape(backend))
}

func (s *FileStore) recordPath(backend, userID string) string {
	return filepath.Join(s.backendDir(backend), url.PathEscape(userID)+recordExt)
}
