package history

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // register sqlite driver
)

const (
	busyMaxRetries    = 10
	busyBackoffStepMs = 50
	busyMaxBackoff    = time.Second
)

const schema = `
CREATE TABLE IF NOT EXISTS history_messages (
	id                TEXT NOT NULL,
	workspace_id      TEXT NOT NULL,
	history_sequence  INTEGER NOT NULL,
	role              TEXT NOT NULL,
	parts             TEXT NOT NULL,
	timestamp         INTEGER NOT NULL,
	model             TEXT NOT NULL DEFAULT '',
	usage             TEXT NOT NULL DEFAULT '',
	provider_metadata TEXT NOT NULL DEFAULT '',
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	partial           INTEGER NOT NULL DEFAULT 0,
	compacted         INTEGER NOT NULL DEFAULT 0,
	error_text        TEXT NOT NULL DEFAULT '',
	error_type        TEXT NOT NULL DEFAULT '',
	historical_usage  TEXT NOT NULL DEFAULT '',
	mux_metadata      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (workspace_id, history_sequence)
);

CREATE INDEX IF NOT EXISTS idx_history_messages_id ON history_messages(workspace_id, id);

CREATE TABLE IF NOT EXISTS history_sequences (
	workspace_id TEXT PRIMARY KEY,
	next_seq     INTEGER NOT NULL
);
`

// Store is the SQLite-backed append-only history log, scoped per workspace.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a history database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
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
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// Append atomically appends a message to a workspace's log, assigning it the
// next historySequence. Retries transparently on SQLITE_BUSY.
func (s *Store) Append(workspaceID string, msg Message) (int64, error) {
	var seq int64
	var err error
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		seq, err = s.appendOnce(workspaceID, msg)
		if err == nil {
			return seq, nil
		}
		if !isSQLiteBusy(err) || attempt == busyMaxRetries {
			return 0, err
		}
		sleepBackoff(attempt)
	}
	return 0, err
}

func (s *Store) appendOnce(workspaceID string, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	seq, err := nextSequence(tx, workspaceID)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	msg.WorkspaceID = workspaceID
	msg.HistorySequence = seq

	r, err := msg.toRow()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if _, err := tx.Exec(
		`INSERT INTO history_messages
		 (id, workspace_id, history_sequence, role, parts, timestamp, model, usage,
		  provider_metadata, duration_ms, partial, compacted, error_text, error_type, historical_usage, mux_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.workspaceID, r.historySequence, r.role, r.parts, r.timestamp, r.model, r.usage,
		r.providerMetadata, r.durationMs, r.partial, r.compacted, r.errorText, r.errorType, r.historicalUsage, r.muxMetadata,
	); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return 0, err
	}
	return seq, nil
}

// nextSequence reads and increments the per-workspace sequence counter
// inside the caller's transaction.
func nextSequence(tx *sql.Tx, workspaceID string) (int64, error) {
	var next int64
	err := tx.QueryRow(`SELECT next_seq FROM history_sequences WHERE workspace_id = ?`, workspaceID).Scan(&next)
	switch {
	case err == sql.ErrNoRows:
		next = 1
		if _, err := tx.Exec(`INSERT INTO history_sequences (workspace_id, next_seq) VALUES (?, ?)`, workspaceID, next+1); err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		if _, err := tx.Exec(`UPDATE history_sequences SET next_seq = ? WHERE workspace_id = ?`, next+1, workspaceID); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// Read returns all messages for a workspace, ordered by historySequence ascending.
func (s *Store) Read(workspaceID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id, workspace_id, history_sequence, role, parts, timestamp, model, usage,
		        provider_metadata, duration_ms, partial, compacted, error_text, error_type, historical_usage, mux_metadata
		 FROM history_messages WHERE workspace_id = ? ORDER BY history_sequence ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var r row
		if err := rows.Scan(
			&r.id, &r.workspaceID, &r.historySequence, &r.role, &r.parts, &r.timestamp, &r.model, &r.usage,
			&r.providerMetadata, &r.durationMs, &r.partial, &r.compacted, &r.errorText, &r.errorType, &r.historicalUsage, &r.muxMetadata,
		); err != nil {
			return nil, err
		}
		m, err := r.toMessage()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// TruncateAfter removes messageID and every message with a higher
// historySequence, atomically. Fails if messageID is not found.
func (s *Store) TruncateAfter(workspaceID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRow(
		`SELECT history_sequence FROM history_messages WHERE workspace_id = ? AND id = ?`,
		workspaceID, messageID,
	).Scan(&seq)
	if err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return fmt.Errorf("history: message %q not found in workspace %q", messageID, workspaceID)
		}
		return err
	}

	if _, err := tx.Exec(
		`DELETE FROM history_messages WHERE workspace_id = ? AND history_sequence >= ?`,
		workspaceID, seq,
	); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

// ReplaceAll atomically replaces a workspace's entire log with a single
// message, used only by compaction. The replacement message is assigned
// historySequence 1; the sequence counter resets accordingly.
func (s *Store) ReplaceAll(workspaceID string, msg Message) (int64, error) {
	var seq int64
	var err error
	for attempt := 0; attempt <= busyMaxRetries; attempt++ {
		seq, err = s.replaceAllOnce(workspaceID, msg)
		if err == nil {
			return seq, nil
		}
		if !isSQLiteBusy(err) || attempt == busyMaxRetries {
			return 0, err
		}
		sleepBackoff(attempt)
	}
	return 0, err
}

func (s *Store) replaceAllOnce(workspaceID string, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM history_messages WHERE workspace_id = ?`, workspaceID); err != nil {
		tx.Rollback()
		return 0, err
	}

	const seq = int64(1)
	if _, err := tx.Exec(
		`INSERT INTO history_sequences (workspace_id, next_seq) VALUES (?, ?)
		 ON CONFLICT(workspace_id) DO UPDATE SET next_seq = excluded.next_seq`,
		workspaceID, seq+1,
	); err != nil {
		tx.Rollback()
		return 0, err
	}

	msg.WorkspaceID = workspaceID
	msg.HistorySequence = seq
	r, err := msg.toRow()
	if err != nil {
		tx.Rollback()
		return 0, err
	}

	if _, err := tx.Exec(
		`INSERT INTO history_messages
		 (id, workspace_id, history_sequence, role, parts, timestamp, model, usage,
		  provider_metadata, duration_ms, partial, compacted, error_text, error_type, historical_usage, mux_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.id, r.workspaceID, r.historySequence, r.role, r.parts, r.timestamp, r.model, r.usage,
		r.providerMetadata, r.durationMs, r.partial, r.compacted, r.errorText, r.errorType, r.historicalUsage, r.muxMetadata,
	); err != nil {
		tx.Rollback()
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return 0, err
	}
	return seq, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func sleepBackoff(attempt int) {
	backoff := time.Duration((attempt+1)*busyBackoffStepMs) * time.Millisecond
	if backoff > busyMaxBackoff {
		backoff = busyMaxBackoff
	}
	time.Sleep(backoff)
}
