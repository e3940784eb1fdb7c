package sprint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenStore picks a store implementation from the path: ".db", ".sqlite" and ".sqlite3" files are SQLite databases,
// anything else is a JSON file
func OpenStore(path string) (Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path)
	default:
		return NewFileStore(path), nil
	}
}

// FileStore keeps the sprint collection in a single JSON file, in the same list format the planner view saves
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns nil if the file does not exist yet
func (fs *FileStore) Load(ctx context.Context) ([]Sprint, error) {
	b, err := os.ReadFile(fs.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read sprints file: %w", err)
	}

	var sprints []Sprint
	if err := json.Unmarshal(b, &sprints); err != nil {
		return nil, fmt.Errorf("failed to parse sprints file %s: %w", fs.path, err)
	}
	return sprints, nil
}

// Save replaces the file contents. The new contents are written to a temporary file first and renamed over the old
// file, so a crash leaves either the old or the new collection
func (fs *FileStore) Save(ctx context.Context, sprints []Sprint) error {
	if sprints == nil {
		sprints = []Sprint{}
	}
	b, err := json.MarshalIndent(sprints, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize sprints: %w", err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(fs.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op after a successful rename

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sprints: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync sprints: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		return fmt.Errorf("failed to replace sprints file: %w", err)
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sprints (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	position   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	sprint_id   TEXT NOT NULL REFERENCES sprints(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	id          TEXT NOT NULL,
	description TEXT NOT NULL,
	us_id       TEXT NOT NULL,
	us_title    TEXT NOT NULL,
	estimate    INTEGER NOT NULL,
	PRIMARY KEY (sprint_id, position)
);
`

// SQLiteStore keeps the sprint collection in a SQLite database
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sprint database: %w", err)
	}
	// One connection keeps the pragmas in effect for every statement
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}

func (ss *SQLiteStore) Load(ctx context.Context) ([]Sprint, error) {
	rows, err := ss.db.QueryContext(ctx, "SELECT id, name, created_at FROM sprints ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to query sprints: %w", err)
	}
	defer rows.Close()

	var sprints []Sprint
	index := map[string]int{}
	for rows.Next() {
		var s Sprint
		var createdAt string
		if err := rows.Scan(&s.ID, &s.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan sprint: %w", err)
		}
		s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("invalid creation time for sprint %s: %w", s.ID, err)
		}
		s.Tasks = []Task{}
		index[s.ID] = len(sprints)
		sprints = append(sprints, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read sprints: %w", err)
	}
	// Release the only connection before the next query
	rows.Close()

	taskRows, err := ss.db.QueryContext(ctx,
		"SELECT sprint_id, id, description, us_id, us_title, estimate FROM tasks ORDER BY sprint_id, position")
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var sprintID string
		var t Task
		if err := taskRows.Scan(&sprintID, &t.ID, &t.Description, &t.StoryID, &t.StoryTitle, &t.Estimate); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		i, ok := index[sprintID]
		if !ok {
			continue
		}
		sprints[i].Tasks = append(sprints[i].Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	return sprints, nil
}

// Save rewrites the whole collection in one transaction
func (ss *SQLiteStore) Save(ctx context.Context, sprints []Sprint) error {
	tx, err := ss.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tasks"); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sprints"); err != nil {
		return fmt.Errorf("failed to clear sprints: %w", err)
	}

	for i, s := range sprints {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO sprints (id, name, created_at, position) VALUES (?, ?, ?, ?)",
			s.ID, s.Name, s.CreatedAt.UTC().Format(time.RFC3339Nano), i)
		if err != nil {
			return fmt.Errorf("failed to insert sprint %s: %w", s.ID, err)
		}
		for j, t := range s.Tasks {
			_, err := tx.ExecContext(ctx,
				"INSERT INTO tasks (sprint_id, position, id, description, us_id, us_title, estimate) VALUES (?, ?, ?, ?, ?, ?, ?)",
				s.ID, j, t.ID, t.Description, t.StoryID, t.StoryTitle, t.Estimate)
			if err != nil {
				return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sprints: %w", err)
	}
	return nil
}
