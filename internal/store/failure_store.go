// Package store persists bridge data in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sarl/janus-version-1/internal/failure"
	"github.com/sarl/janus-version-1/internal/logging"
	"github.com/sarl/janus-version-1/internal/script"

	_ "modernc.org/sqlite"
)

var _ failure.Reporter = (*FailureStore)(nil)

// FailureStore persists reported failures in SQLite so script authors can
// inspect them after a run.
type FailureStore struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// OpenFailureStore opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func OpenFailureStore(path string) (*FailureStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	store := &FailureStore{db: db, dbPath: path}
	if err := store.ensureSchema(); err != nil {
		db.Close()
		logging.StoreError("Failed to ensure failure schema: %v", err)
		return nil, fmt.Errorf("failed to ensure failure schema: %w", err)
	}

	logging.Store("FailureStore initialized at %s", path)
	return store, nil
}

// ensureSchema creates the script_failures table if it doesn't exist.
func (s *FailureStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS script_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		source TEXT NOT NULL,
		stage TEXT NOT NULL,
		hook TEXT,
		kind TEXT NOT NULL,
		message TEXT NOT NULL,
		at_unix_nano INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_failures_agent ON script_failures(agent_id);
	CREATE INDEX IF NOT EXISTS idx_failures_kind ON script_failures(kind);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Report implements failure.Reporter. Write errors are logged, not returned.
func (s *FailureStore) Report(f failure.Failure) {
	if err := s.Save(context.Background(), f); err != nil {
		logging.StoreError("Failed to persist failure for agent %s: %v", f.AgentID, err)
	}
}

// Save persists one failure.
func (s *FailureStore) Save(ctx context.Context, f failure.Failure) error {
	timer := logging.StartTimer(logging.CategoryStore, "SaveFailure")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	at := f.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO script_failures (agent_id, source, stage, hook, kind, message, at_unix_nano)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.AgentID, f.Source, string(f.Stage), string(f.Hook), string(f.Kind), f.Message, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert failure: %w", err)
	}
	logging.StoreDebug("Stored failure: agent=%s stage=%s kind=%s", f.AgentID, f.Stage, f.Kind)
	return nil
}

// List returns failures in report order, for one agent or for all when
// agentID is empty.
func (s *FailureStore) List(ctx context.Context, agentID string) ([]failure.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT agent_id, source, stage, hook, kind, message, at_unix_nano FROM script_failures`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []failure.Failure
	for rows.Next() {
		var (
			f                 failure.Failure
			stage, hook, kind string
			atNano            int64
		)
		if err := rows.Scan(&f.AgentID, &f.Source, &stage, &hook, &kind, &f.Message, &atNano); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Stage = failure.Stage(stage)
		f.Hook = script.Hook(hook)
		f.Kind = failure.Kind(kind)
		f.At = time.Unix(0, atNano)
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountByKind returns how many failures of each kind were stored.
func (s *FailureStore) CountByKind(ctx context.Context) (map[failure.Kind]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM script_failures GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count failures: %w", err)
	}
	defer rows.Close()

	counts := make(map[failure.Kind]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[failure.Kind(kind)] = n
	}
	return counts, rows.Err()
}

// Path returns the database path.
func (s *FailureStore) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *FailureStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
