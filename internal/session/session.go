// Package session persists a snapshot of the last-known tree and file
// mappings to a small SQLite database, so a daemon restart can diff
// against the previous state instead of always falling back to a full
// orphan sweep. WAL mode, foreign keys on, and a
// schema-mismatch-deletes-and-recreates open path; hand-written against
// database/sql directly since no sqlc schema/generator setup is part
// of this package's scope.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	guid        TEXT PRIMARY KEY,
	class_name  TEXT NOT NULL,
	name        TEXT NOT NULL,
	path_json   TEXT NOT NULL,
	parent_guid TEXT,
	file_path   TEXT,
	synced_at   DATETIME NOT NULL
);
`

// Store wraps the session database.
type Store struct {
	db *sql.DB
}

// NodeSnapshot is one persisted node, enough to reconstruct the tree
// shape and its file mappings without the original/runtime
// Properties/Attributes payloads, which are not needed to diff orphans.
type NodeSnapshot struct {
	Guid       string
	ClassName  string
	Name       string
	Path       []string
	ParentGuid string
	FilePath   string
}

// Open opens or creates the session database at path. An incompatible
// existing schema is deleted and recreated, the same recovery behavior
// as a stale cache file.
func Open(path string) (*Store, error) {
	store, err := openDB(path)
	if err != nil {
		if strings.Contains(err.Error(), "no such column") ||
			strings.Contains(err.Error(), "no such table") ||
			strings.Contains(err.Error(), "SQL logic error") {
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("remove incompatible session db: %w", removeErr)
			}
			os.Remove(path + "-wal")
			os.Remove(path + "-shm")
			return openDB(path)
		}
		return nil, err
	}
	return store, nil
}

func openDB(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	escaped := strings.ReplaceAll(path, " ", "%20")
	db, err := sql.Open("sqlite", "file:"+escaped+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize session schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Now returns the current time normalized to UTC with the monotonic
// reading stripped, for consistent SQLite-stored timestamps.
func Now() time.Time { return time.Now().UTC().Round(0) }

// Replace atomically replaces the persisted snapshot with nodes. The
// serve command calls it once, at shutdown, not on every edit, so
// the session store never becomes a hot-path bottleneck.
func (s *Store) Replace(nodes []NodeSnapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM nodes"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO nodes (guid, class_name, name, path_json, parent_guid, file_path, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := Now()
	for _, n := range nodes {
		pathJSON, err := json.Marshal(n.Path)
		if err != nil {
			return err
		}
		var parentGuid any
		if n.ParentGuid != "" {
			parentGuid = n.ParentGuid
		}
		var filePath any
		if n.FilePath != "" {
			filePath = n.FilePath
		}
		if _, err := stmt.Exec(n.Guid, n.ClassName, n.Name, string(pathJSON), parentGuid, filePath, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load returns the last persisted snapshot, or an empty slice if none
// has ever been saved.
func (s *Store) Load() ([]NodeSnapshot, error) {
	rows, err := s.db.Query(`SELECT guid, class_name, name, path_json, parent_guid, file_path FROM nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NodeSnapshot
	for rows.Next() {
		var n NodeSnapshot
		var pathJSON string
		var parentGuid, filePath sql.NullString
		if err := rows.Scan(&n.Guid, &n.ClassName, &n.Name, &pathJSON, &parentGuid, &filePath); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pathJSON), &n.Path); err != nil {
			return nil, err
		}
		n.ParentGuid = parentGuid.String
		n.FilePath = filePath.String
		out = append(out, n)
	}
	return out, rows.Err()
}

// DiffOrphans returns the file paths present in the last persisted
// snapshot that are absent from currentFilePaths, i.e. files the
// previous run had mapped that are no longer on disk. The serve
// command uses this at startup, before the editor connects.
func DiffOrphans(previous []NodeSnapshot, currentFilePaths map[string]bool) []string {
	var orphans []string
	for _, n := range previous {
		if n.FilePath == "" {
			continue
		}
		if !currentFilePaths[n.FilePath] {
			orphans = append(orphans, n.FilePath)
		}
	}
	return orphans
}

// DefaultPath returns the default session database location under the
// user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.Getenv("HOME")
	}
	return filepath.Join(dir, "azul", "session.db")
}
