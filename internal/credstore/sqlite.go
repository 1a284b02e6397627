package credstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/tonimelisma/cloudauth-go/internal/credential"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements Store on an embedded SQLite database with WAL
// mode. Suited to hosts that already carry a state database; the file
// store remains the default for plain CLI deployments.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	getStmt, upsertStmt, listStmt, removeStmt   *sql.Stmt
	removeAllStmt, activeGetStmt, activeSetStmt *sql.Stmt
	activeClearStmt, quarantineStmt             *sql.Stmt
}

// NewSQLiteStore opens the database at dbPath, applies migrations, and
// prepares the repeated statements. Use ":memory:" for tests.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("opening credential database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("credstore: open sqlite: %w", err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("credstore: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// runMigrations applies all pending schema migrations using the goose
// v3 Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("credstore: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("credstore: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("credstore: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.getStmt, "SELECT payload FROM credentials WHERE backend = ? AND user_id = ?"},
		{&s.upsertStmt, `INSERT INTO credentials (backend, user_id, payload, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (backend, user_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`},
		{&s.listStmt, "SELECT user_id, payload FROM credentials WHERE backend = ?"},
		{&s.removeStmt, "DELETE FROM credentials WHERE backend = ? AND user_id = ?"},
		{&s.removeAllStmt, "DELETE FROM credentials WHERE backend = ?"},
		{&s.activeGetStmt, "SELECT user_id FROM active_users WHERE backend = ?"},
		{&s.activeSetStmt, `INSERT INTO active_users (backend, user_id) VALUES (?, ?)
			ON CONFLICT (backend) DO UPDATE SET user_id = excluded.user_id`},
		{&s.activeClearStmt, "DELETE FROM active_users WHERE backend = ?"},
		{&s.quarantineStmt, "DELETE FROM credentials WHERE backend = ? AND user_id = ?"},
	}

	for _, st := range stmts {
		prepared, err := s.db.PrepareContext(ctx, st.sql)
		if err != nil {
			return err
		}

		*st.dst = prepared
	}

	return nil
}

// Save upserts the record payload.
func (s *SQLiteStore) Save(ctx context.Context, rec *credential.Record) error {
	if rec == nil || rec.Backend == "" || rec.UserID == "" {
		return fmt.Errorf("credstore: record needs backend and user id")
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("credstore: encoding record: %w", err)
	}

	if _, err := s.upsertStmt.ExecContext(ctx, rec.Backend, rec.UserID,
		string(payload), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("credstore: saving record: %w", err)
	}

	return nil
}

// Get loads one record, quarantining an undecodable payload.
func (s *SQLiteStore) Get(ctx context.Context, backend, userID string) (*credential.Record, error) {
	var payload string

	err := s.getStmt.QueryRowContext(ctx, backend, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("credstore: querying record: %w", err)
	}

	rec, ok := s.decodeRow(ctx, backend, userID, payload)
	if !ok {
		return nil, nil //nolint:nilnil // quarantined, treated as absent
	}

	return rec, nil
}

// GetAll returns every decodable record for a backend.
func (s *SQLiteStore) GetAll(ctx context.Context, backend string) (map[string]*credential.Record, error) {
	rows, err := s.listStmt.QueryContext(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("credstore: listing records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*credential.Record)

	type badRow struct{ userID string }

	var quarantine []badRow

	for rows.Next() {
		var userID, payload string
		if err := rows.Scan(&userID, &payload); err != nil {
			return nil, fmt.Errorf("credstore: scanning record: %w", err)
		}

		var rec credential.Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.Token == nil {
			quarantine = append(quarantine, badRow{userID: userID})
			continue
		}

		out[userID] = &rec
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credstore: iterating records: %w", err)
	}

	// Quarantine after iteration — sqlite dislikes writes mid-cursor.
	for _, bad := range quarantine {
		s.logger.Warn("quarantining corrupt credential record",
			"backend", backend, "user_id", bad.userID)
		_, _ = s.quarantineStmt.ExecContext(ctx, backend, bad.userID)
	}

	return out, nil
}

// Remove deletes one record. Absent rows are not an error.
func (s *SQLiteStore) Remove(ctx context.Context, backend, userID string) error {
	if _, err := s.removeStmt.ExecContext(ctx, backend, userID); err != nil {
		return fmt.Errorf("credstore: removing record: %w", err)
	}

	return nil
}

// RemoveAll deletes all records and the active pointer for a backend.
func (s *SQLiteStore) RemoveAll(ctx context.Context, backend string) error {
	if _, err := s.removeAllStmt.ExecContext(ctx, backend); err != nil {
		return fmt.Errorf("credstore: removing records: %w", err)
	}

	return s.ClearActiveUser(ctx, backend)
}

// ActiveUser returns the active userID, or "" when unset.
func (s *SQLiteStore) ActiveUser(ctx context.Context, backend string) (string, error) {
	var userID string

	err := s.activeGetStmt.QueryRowContext(ctx, backend).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("credstore: querying active user: %w", err)
	}

	return userID, nil
}

// SetActiveUser upserts the active pointer.
func (s *SQLiteStore) SetActiveUser(ctx context.Context, backend, userID string) error {
	if userID == "" {
		return fmt.Errorf("credstore: active user id is empty")
	}

	if _, err := s.activeSetStmt.ExecContext(ctx, backend, userID); err != nil {
		return fmt.Errorf("credstore: setting active user: %w", err)
	}

	return nil
}

// ClearActiveUser removes the active pointer. Absent is not an error.
func (s *SQLiteStore) ClearActiveUser(ctx context.Context, backend string) error {
	if _, err := s.activeClearStmt.ExecContext(ctx, backend); err != nil {
		return fmt.Errorf("credstore: clearing active user: %w", err)
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	for _, stmt := range []*sql.Stmt{
		s.getStmt, s.upsertStmt, s.listStmt, s.removeStmt, s.removeAllStmt,
		s.activeGetStmt, s.activeSetStmt, s.activeClearStmt, s.quarantineStmt,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}

	return s.db.Close()
}

// decodeRow parses a payload, quarantining the row on failure.
func (s *SQLiteStore) decodeRow(ctx context.Context, backend, userID, payload string) (*credential.Record, bool) {
	var rec credential.Record
	if err := json.Unmarshal([]byte(payload), &rec); err == nil && rec.Token != nil {
		return &rec, true
	}

	s.logger.Warn("quarantining corrupt credential record",
		"backend", backend, "user_id", userID)

	_, _ = s.quarantineStmt.ExecContext(ctx, backend, userID)

	return nil, false
}
