package collab

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SnapshotStore persists room snapshots to sqlite. It backs the registry's
// save hook: one row per project, newest snapshot wins.
type SnapshotStore struct {
	db *sql.DB
}

func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store := &SnapshotStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenMemorySnapshotStore opens an in-memory store for tests.
func OpenMemorySnapshotStore() (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	store := &SnapshotStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (self *SnapshotStore) init() error {
	if _, err := self.db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("configure pragmas: %w", err)
	}
	if _, err := self.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			project_id TEXT PRIMARY KEY,
			workflow   TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (self *SnapshotStore) Save(projectId string, workflow *Workflow) error {
	workflowJson, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = self.db.Exec(`
		INSERT INTO snapshots (project_id, workflow, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET workflow = excluded.workflow, updated_at = excluded.updated_at
	`, projectId, string(workflowJson), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (self *SnapshotStore) Load(projectId string) (*Workflow, error) {
	var workflowJson string
	err := self.db.QueryRow(
		`SELECT workflow FROM snapshots WHERE project_id = ?`,
		projectId,
	).Scan(&workflowJson)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	workflow := &Workflow{}
	if err := json.Unmarshal([]byte(workflowJson), workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	return workflow, nil
}

// SaveFunc adapts the store to the registry persistence hook.
func (self *SnapshotStore) SaveFunc() SaveFunc {
	return self.Save
}

func (self *SnapshotStore) Close() error {
	return self.db.Close()
}
