// Package sessionstate implements the session-state store (C2): durable
// SessionState persistence keyed by session_id, with filesystem and
// Postgres-backed implementations sharing one Store contract.
package sessionstate

import (
	"context"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// Store persists SessionState keyed by session_id (spec §4.2).
type Store interface {
	// Load returns the session's state, or nil with no error if absent.
	// An I/O failure returns a coreerrors.Transient-classified error.
	Load(ctx context.Context, sessionID string) (*coremodel.SessionState, error)

	// Save atomically replaces the persisted state for state.SessionID. It
	// must succeed even when Messages is empty, and must never leave a
	// partially-written record behind on failure.
	Save(ctx context.Context, state *coremodel.SessionState) error

	// List returns listing summaries ordered by UpdatedAt descending.
	List(ctx context.Context) ([]coremodel.Summary, error)

	// Delete removes the session's state. Returns false if it didn't exist.
	Delete(ctx context.Context, sessionID string) (bool, error)

	// Close releases any resources (open files, database connections) held
	// by the store.
	Close() error
}

// toSummary projects a SessionState into its listing Summary (spec §4.2:
// last_user_message is the textual rendering of the last user message).
func toSummary(state *coremodel.SessionState) coremodel.Summary {
	summary := coremodel.Summary{
		SessionID:    state.SessionID,
		UpdatedAt:    state.UpdatedAt,
		RunID:        state.RunID,
		MessageCount: len(state.Messages),
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == coremodel.RoleUser {
			summary.LastUserMessage = state.Messages[i].RenderText()
			break
		}
	}
	return summary
}
