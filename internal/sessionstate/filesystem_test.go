package sessionstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

func TestFilesystemStoreSaveLoadDelete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemStore(dir)
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	state := &coremodel.SessionState{
		SessionID: "sess-1",
		UpdatedAt: time.Now(),
		Messages:  []coremodel.Message{{Role: coremodel.RoleUser, Content: "hi"}},
	}
	if err := store.Save(ctx, state); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sess-1.json")); err != nil {
		t.Fatalf("expected sess-1.json to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sess-1.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("temp file should not survive a successful save")
	}

	loaded, err := store.Load(ctx, "sess-1")
	if err != nil || loaded == nil || len(loaded.Messages) != 1 {
		t.Fatalf("Load() = %+v, %v", loaded, err)
	}

	deleted, err := store.Delete(ctx, "sess-1")
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v", deleted, err)
	}
	again, err := store.Load(ctx, "sess-1")
	if err != nil || again != nil {
		t.Fatalf("Load() after delete = %+v, %v, want nil, nil", again, err)
	}
}

func TestFilesystemStoreSaveEmptyMessagesSucceeds(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	defer store.Close()

	err = store.Save(context.Background(), &coremodel.SessionState{SessionID: "empty", UpdatedAt: time.Now()})
	if err != nil {
		t.Fatalf("Save() with no messages error = %v", err)
	}
}

func TestFilesystemStoreIgnoresWrongSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFilesystemStore(dir)
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	defer store.Close()

	path := filepath.Join(dir, "legacy.json")
	if err := os.WriteFile(path, []byte(`{"schema_version":0,"session_id":"legacy"}`), 0o644); err != nil {
		t.Fatalf("write legacy record: %v", err)
	}

	state, err := store.Load(context.Background(), "legacy")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state != nil {
		t.Fatalf("Load() = %+v, want nil for unsupported schema_version", state)
	}
}

func TestFilesystemStoreListOrdersByUpdatedAtDescending(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	now := time.Now()
	_ = store.Save(ctx, &coremodel.SessionState{SessionID: "older", UpdatedAt: now.Add(-time.Hour)})
	_ = store.Save(ctx, &coremodel.SessionState{SessionID: "newer", UpdatedAt: now})

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(summaries) != 2 || summaries[0].SessionID != "newer" {
		t.Fatalf("List() = %+v, want newer first", summaries)
	}
}
