// Package partial holds the single in-flight "partial message" per workspace
// — the best-effort snapshot of an active stream, written frequently enough
// that a crash loses at most a few hundred milliseconds of deltas.
package partial

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/lifeisnphard/mux/internal/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS partial_messages (
	workspace_id TEXT PRIMARY KEY,
	message      TEXT NOT NULL,
	updated      INTEGER NOT NULL
);
`

// Store is the single-slot-per-workspace partial message store.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	hist *history.Store
}

// Open creates or opens a partial-store database at the given path. hist is
// the History Store CommitToHistory appends finalized messages to.
func Open(dbPath string, hist *history.Store) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open partial db: %w", err)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, hist: hist}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Write overwrites the partial slot for a workspace. Callers (the Stream
// Manager) are expected to coalesce calls themselves — see Coalescer.
func (s *Store) Write(workspaceID string, msg history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO partial_messages (workspace_id, message, updated) VALUES (?, ?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET message = excluded.message, updated = excluded.updated`,
		workspaceID, string(encoded), time.Now().UnixMilli(),
	)
	return err
}

// Read returns the current partial message for a workspace, or (zero, false)
// if none is in flight.
func (s *Store) Read(workspaceID string) (history.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var encoded string
	err := s.db.QueryRow(`SELECT message FROM partial_messages WHERE workspace_id = ?`, workspaceID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return history.Message{}, false, nil
	}
	if err != nil {
		return history.Message{}, false, err
	}
	var m history.Message
	if err := json.Unmarshal([]byte(encoded), &m); err != nil {
		return history.Message{}, false, err
	}
	return m, true, nil
}

// Delete clears the partial slot for a workspace. No-op if none exists.
func (s *Store) Delete(workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM partial_messages WHERE workspace_id = ?`, workspaceID)
	return err
}

// CommitToHistory reads the partial, appends it to the History Store, and
// clears the slot. The three steps take the Store's lock separately and are
// not one transaction; callers hold the workspace stream mutex so no
// concurrent Write can race the commit.
func (s *Store) CommitToHistory(workspaceID string) (int64, error) {
	msg, ok, err := s.Read(workspaceID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("partial: no in-flight message for workspace %q", workspaceID)
	}
	msg.Partial = false
	seq, err := s.hist.Append(workspaceID, msg)
	if err != nil {
		return 0, err
	}
	if err := s.Delete(workspaceID); err != nil {
		return 0, err
	}
	return seq, nil
}
