// Package workspace is the data model from spec §3: an isolated agent
// session identified by an opaque id, carrying a name, project path,
// creation time, a Runtime handle, and a per-workspace stream state. The
// core never auto-deletes a workspace — removal is always an explicit user
// action, reflected here by Delete being the only thing that drops a row.
package workspace

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register sqlite driver

	"github.com/lifeisnphard/mux/internal/runtime"
	"github.com/lifeisnphard/mux/internal/shell"
	"github.com/lifeisnphard/mux/internal/stream"
)

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	project_path TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
`

// Workspace is one row of the model plus the live Runtime handle a Manager
// attaches once the workspace is loaded into memory. The Runtime field is
// nil for a Workspace value read straight out of the Store without going
// through Manager.Get/List/Create.
type Workspace struct {
	ID          string
	Name        string
	ProjectPath string
	CreatedAt   time.Time
	Runtime     runtime.Runtime
}

// Store is the SQLite-backed workspace metadata table — just the durable
// fields, with no notion of the live Runtime or stream state a Manager
// layers on top.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates or opens a workspace metadata database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
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

type record struct {
	ID          string
	Name        string
	ProjectPath string
	CreatedAt   time.Time
}

// insert persists a new workspace row. id is caller-supplied (generated by
// Manager.Create) so the row and the in-memory Workspace agree on id before
// either is handed back.
func (s *Store) insert(rec record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO workspaces (id, name, project_path, created_at) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.Name, rec.ProjectPath, rec.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *Store) get(id string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT id, name, project_path, created_at FROM workspaces WHERE id = ?`, id)
	var rec record
	var createdMs int64
	if err := row.Scan(&rec.ID, &rec.Name, &rec.ProjectPath, &createdMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(createdMs)
	return &rec, nil
}

func (s *Store) list() ([]record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`SELECT id, name, project_path, created_at FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record
	for rows.Next() {
		var rec record
		var createdMs int64
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.ProjectPath, &createdMs); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
	}
	return nil
}

// ErrNotFound is returned by Manager/Store lookups for an unknown workspace id.
var ErrNotFound = fmt.Errorf("workspace not found")

// Manager composes the metadata Store with the Stream Manager, attaching the
// workspace's Runtime (constructed on first use, then reused) to every
// Workspace it hands back so a caller never has to wire that up itself.
type Manager struct {
	store *Store
	sm    *stream.Manager

	mu       sync.Mutex
	runtimes map[string]runtime.Runtime
}

// NewManager wires a Manager to the metadata store and the Stream Manager
// whose per-workspace State() backs Workspace.State.
func NewManager(store *Store, sm *stream.Manager) *Manager {
	return &Manager{store: store, sm: sm, runtimes: make(map[string]runtime.Runtime)}
}

// Create makes a new workspace rooted at projectPath, persists it, and
// returns it with a live Runtime attached. The id is generated here, never
// caller-supplied, keeping "opaque id" (spec §3) true end to end.
func (m *Manager) Create(name, projectPath string) (*Workspace, error) {
	rec := record{
		ID:          uuid.NewString(),
		Name:        name,
		ProjectPath: projectPath,
		CreatedAt:   time.Now(),
	}
	if err := m.store.insert(rec); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return m.toWorkspace(rec), nil
}

// Get loads a workspace by id, attaching (or reusing) its Runtime.
func (m *Manager) Get(id string) (*Workspace, error) {
	rec, err := m.store.get(id)
	if err != nil {
		return nil, err
	}
	return m.toWorkspace(*rec), nil
}

// List returns every workspace, oldest first, each with its Runtime attached.
func (m *Manager) List() ([]*Workspace, error) {
	recs, err := m.store.list()
	if err != nil {
		return nil, err
	}
	out := make([]*Workspace, len(recs))
	for i, rec := range recs {
		out[i] = m.toWorkspace(rec)
	}
	return out, nil
}

// Delete removes a workspace's metadata row and drops its cached Runtime.
// It does not touch that workspace's history or partial-message rows —
// callers that want a full wipe drop those separately, since this Manager
// has no stake in what owns the log (spec §3's ownership split is unchanged
// by a workspace's own lifecycle).
func (m *Manager) Delete(id string) error {
	if err := m.store.delete(id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.runtimes, id)
	m.mu.Unlock()
	return nil
}

// State reports id's current position in the stream lifecycle, delegating
// to the Stream Manager — a Workspace's state machine (spec §4.7) is not
// duplicated here.
func (m *Manager) State(id string) stream.State {
	return m.sm.State(id)
}

func (m *Manager) toWorkspace(rec record) *Workspace {
	return &Workspace{
		ID:          rec.ID,
		Name:        rec.Name,
		ProjectPath: rec.ProjectPath,
		CreatedAt:   rec.CreatedAt,
		Runtime:     m.runtimeFor(rec.ID, rec.ProjectPath),
	}
}

// runtimeFor returns the cached Local runtime for id, constructing one
// rooted at projectPath on first use. Runtimes are process-lifetime objects
// — recreating one per Get call would orphan any Shell state a prior tool
// call left behind (cwd changes from `cd`, etc).
func (m *Manager) runtimeFor(id, projectPath string) runtime.Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[id]; ok {
		return rt
	}
	rt := runtime.NewLocal(projectPath, shell.New(projectPath, nil))
	m.runtimes[id] = rt
	return rt
}
