// Package scheduler implements the run scheduler (C4): two interchangeable
// backends — in-memory and Postgres-backed — exposing the same Run API
// over C3's agent pool.
package scheduler

import (
	"context"
	"time"

	"github.com/haasonsaas/codelia-core/internal/agentpool"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// EventEmitter lets a Driver push an event into a run's event log. The
// scheduler assigns seq and created_at; producers never do (spec §9).
type EventEmitter func(eventType coremodel.RunEventType, data map[string]any)

// Driver executes one agent turn for a claimed run. ctx is cancelled when
// the run is aborted (explicit cancellation, lease loss, shutdown); Execute
// must stop producing events promptly once ctx is done and return an
// abort-classified error (see internal/coreerrors.IsCancelled).
//
// The LLM/provider internals a real Driver would call into are out of
// scope here; Driver is the seam the scheduler drives through.
type Driver interface {
	Execute(ctx context.Context, entry *agentpool.PoolEntry, inputText string, emit EventEmitter) error
}

// DriverFunc adapts a plain function to a Driver.
type DriverFunc func(ctx context.Context, entry *agentpool.PoolEntry, inputText string, emit EventEmitter) error

// Execute calls f.
func (f DriverFunc) Execute(ctx context.Context, entry *agentpool.PoolEntry, inputText string, emit EventEmitter) error {
	return f(ctx, entry, inputText, emit)
}

// WaitOutcome is the result discriminant of WaitForNewEvent.
type WaitOutcome string

const (
	WaitEvent   WaitOutcome = "event"
	WaitTimeout WaitOutcome = "timeout"
	WaitAborted WaitOutcome = "aborted"
	WaitMissing WaitOutcome = "missing"
)

// WaitResult is the return value of WaitForNewEvent.
type WaitResult struct {
	Outcome WaitOutcome
	Event   *coremodel.RunEvent
}

// ListRunsFilter narrows ListRuns. Both backends treat a Limit outside
// [1, 100] as 100.
type ListRunsFilter struct {
	SessionID string
	Statuses  []coremodel.RunStatus
	Limit     int
}

// minWaitTimeout is the floor spec §5 sets on wait_for_new_event.
const minWaitTimeout = 100 * time.Millisecond

func clampWaitTimeout(d time.Duration) time.Duration {
	if d < minWaitTimeout {
		return minWaitTimeout
	}
	return d
}

// Scheduler is the capability set both backends implement (spec §4.4). Both
// backends MUST be exercised by the same conformance scenarios.
type Scheduler interface {
	// CreateRun allocates a run for sessionID with the given input text and
	// returns it in status "queued". Execution is scheduled asynchronously;
	// CreateRun never blocks on it.
	CreateRun(ctx context.Context, sessionID, inputText string) (coremodel.RunView, error)

	// GetRun returns the current view of a run, or ok=false if unknown.
	GetRun(ctx context.Context, runID string) (coremodel.RunView, bool, error)

	// ListRuns returns runs matching filter, most recently created first.
	ListRuns(ctx context.Context, filter ListRunsFilter) ([]coremodel.RunView, error)

	// ListEventsAfter returns up to limit events with seq > afterSeq, in
	// seq order.
	ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]coremodel.RunEvent, error)

	// RequestCancel marks runID for cancellation (idempotent: the first
	// caller's timestamp wins) and returns whether the run exists.
	RequestCancel(ctx context.Context, runID string) (bool, error)

	// WaitForNewEvent blocks until a new event is appended to runID, the
	// timeout elapses, cancelToken fires, or the run is unknown.
	WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, cancelToken <-chan struct{}, timeout time.Duration) (WaitResult, error)

	// Dispose releases background resources (sweep/claim/retention loops).
	// The scheduler must not be used afterward.
	Dispose()
}

// IsTerminalStatus reports whether status is one of the run's terminal
// states. A free function, not a method, since RunStatus.IsTerminal
// already exists on coremodel and this is just spec §4.4's named operation
// surfaced at package level for API parity with the other Scheduler verbs.
func IsTerminalStatus(status coremodel.RunStatus) bool {
	return status.IsTerminal()
}
