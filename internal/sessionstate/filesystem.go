package sessionstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haasonsaas/codelia-core/internal/coreerrors"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// FilesystemStore persists one JSON file per session under root, plus a
// SQLite index for cheap listing (spec §4.2: "filesystem impl MAY maintain a
// separate index file/db").
type FilesystemStore struct {
	root string
	mu   sync.Mutex // serializes writes so temp-file names can't collide
	idx  *sql.DB    // nil if the index couldn't be opened; List falls back to a directory scan
}

// NewFilesystemStore creates a store rooted at dir, creating it if absent.
// A SQLite index at dir/index.db is opened best-effort; if that fails, List
// falls back to scanning dir directly.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session-state root: %w", err)
	}
	store := &FilesystemStore{root: dir}

	db, err := openIndex(filepath.Join(dir, "index.db"))
	if err == nil {
		store.idx = db
	}
	return store, nil
}

func openIndex(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS session_index (
			session_id TEXT PRIMARY KEY,
			updated_at TEXT NOT NULL,
			run_id TEXT,
			message_count INTEGER NOT NULL,
			last_user_message TEXT
		)
	`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (f *FilesystemStore) pathFor(sessionID string) string {
	return filepath.Join(f.root, sessionID+".json")
}

func (f *FilesystemStore) Load(ctx context.Context, sessionID string) (*coremodel.SessionState, error) {
	data, err := os.ReadFile(f.pathFor(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "read session state", err)
	}

	var state coremodel.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "decode session state", err)
	}
	if state.SchemaVersion != coremodel.SchemaVersion {
		// Spec §4.2: parse only schema_version = 1, ignore others.
		return nil, nil
	}
	return &state, nil
}

func (f *FilesystemStore) Save(ctx context.Context, state *coremodel.SessionState) error {
	clone := state.Clone()
	clone.SchemaVersion = coremodel.SchemaVersion

	data, err := json.Marshal(clone)
	if err != nil {
		return coreerrors.Wrap(coreerrors.InvalidInput, "encode session state", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.pathFor(clone.SessionID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return coreerrors.Wrap(coreerrors.Transient, "write session state", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return coreerrors.Wrap(coreerrors.Transient, "replace session state", err)
	}

	if f.idx != nil {
		summary := toSummary(clone)
		_, _ = f.idx.ExecContext(ctx, `
			INSERT INTO session_index (session_id, updated_at, run_id, message_count, last_user_message)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				updated_at = excluded.updated_at,
				run_id = excluded.run_id,
				message_count = excluded.message_count,
				last_user_message = excluded.last_user_message
		`, summary.SessionID, summary.UpdatedAt.Format(timeLayout), summary.RunID, summary.MessageCount, summary.LastUserMessage)
	}
	return nil
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (f *FilesystemStore) List(ctx context.Context) ([]coremodel.Summary, error) {
	if f.idx != nil {
		if summaries, err := f.listFromIndex(ctx); err == nil {
			return summaries, nil
		}
	}
	return f.listFromDisk()
}

func (f *FilesystemStore) listFromIndex(ctx context.Context) ([]coremodel.Summary, error) {
	rows, err := f.idx.QueryContext(ctx, `
		SELECT session_id, updated_at, run_id, message_count, last_user_message
		FROM session_index ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coremodel.Summary
	for rows.Next() {
		var s coremodel.Summary
		var updatedAt, runID, lastUser sql.NullString
		if err := rows.Scan(&s.SessionID, &updatedAt, &runID, &s.MessageCount, &lastUser); err != nil {
			return nil, err
		}
		s.UpdatedAt = parseTimeBestEffort(updatedAt.String)
		s.RunID = runID.String
		s.LastUserMessage = lastUser.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (f *FilesystemStore) listFromDisk() ([]coremodel.Summary, error) {
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "list session state directory", err)
	}

	var out []coremodel.Summary
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")
		state, err := f.Load(context.Background(), sessionID)
		if err != nil || state == nil {
			continue
		}
		out = append(out, toSummary(state))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (f *FilesystemStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.pathFor(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, coreerrors.Wrap(coreerrors.Transient, "delete session state", err)
	}
	if f.idx != nil {
		_, _ = f.idx.ExecContext(ctx, `DELETE FROM session_index WHERE session_id = ?`, sessionID)
	}
	return true, nil
}

func parseTimeBestEffort(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (f *FilesystemStore) Close() error {
	if f.idx != nil {
		return f.idx.Close()
	}
	return nil
}
