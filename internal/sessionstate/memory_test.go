package sessionstate

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

func TestMemoryStoreLoadAbsentReturnsNilNoError(t *testing.T) {
	store := NewMemoryStore()
	state, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if state != nil {
		t.Fatalf("Load() = %v, want nil", state)
	}
}

func TestMemoryStoreSaveThenLoadRoundTrips(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	in := &coremodel.SessionState{
		SessionID: "sess-1",
		UpdatedAt: time.Now(),
		Messages: []coremodel.Message{
			{Role: coremodel.RoleUser, Content: "hello"},
		},
	}
	if err := store.Save(ctx, in); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	out, err := store.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if out == nil || out.SessionID != "sess-1" || len(out.Messages) != 1 {
		t.Fatalf("Load() = %+v, want round-tripped state", out)
	}
	if out.SchemaVersion != coremodel.SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", out.SchemaVersion, coremodel.SchemaVersion)
	}

	// Mutating the returned clone must not affect the store's copy.
	out.Messages[0].Content = "mutated"
	again, _ := store.Load(ctx, "sess-1")
	if again.Messages[0].Content != "hello" {
		t.Errorf("store state was mutated through a returned clone")
	}
}

func TestMemoryStoreListOrdersByUpdatedAtDescending(t *testing.T) {
	store := NewMemoryStore()
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

func TestMemoryStoreDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, &coremodel.SessionState{SessionID: "sess-1", UpdatedAt: time.Now()})

	deleted, err := store.Delete(ctx, "sess-1")
	if err != nil || !deleted {
		t.Fatalf("Delete() = %v, %v, want true, nil", deleted, err)
	}
	deleted, err = store.Delete(ctx, "sess-1")
	if err != nil || deleted {
		t.Fatalf("Delete() on absent session = %v, %v, want false, nil", deleted, err)
	}
}

func TestToSummaryRendersLastUserMessage(t *testing.T) {
	state := &coremodel.SessionState{
		SessionID: "sess-1",
		Messages: []coremodel.Message{
			{Role: coremodel.RoleUser, Content: "first"},
			{Role: coremodel.RoleAssistant, Content: "reply"},
			{Role: coremodel.RoleUser, Content: "second"},
		},
	}
	summary := toSummary(state)
	if summary.LastUserMessage != "second" {
		t.Errorf("LastUserMessage = %q, want %q", summary.LastUserMessage, "second")
	}
	if summary.MessageCount != 3 {
		t.Errorf("MessageCount = %d, want 3", summary.MessageCount)
	}
}
