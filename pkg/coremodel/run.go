package coremodel

import "time"

// RunStatus is the lifecycle status of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// RunRecord is the scheduler's bookkeeping record for one run.
type RunRecord struct {
	RunID             string
	SessionID         string
	Status            RunStatus
	InputText         string
	CreatedAt         time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CancelRequestedAt *time.Time
	ErrorMessage      string
	OwnerID           string
	LeaseUntil        *time.Time
}

// RunEventType identifies the kind of a RunEvent.
type RunEventType string

const (
	RunEventToolCall           RunEventType = "tool_call"
	RunEventToolResult         RunEventType = "tool_result"
	RunEventStepStart          RunEventType = "step_start"
	RunEventStepComplete       RunEventType = "step_complete"
	RunEventText               RunEventType = "text"
	RunEventFinal              RunEventType = "final"
	RunEventCompactionComplete RunEventType = "compaction_complete"
	RunEventPermissionPreview  RunEventType = "permission.preview"
	RunEventPermissionReady    RunEventType = "permission.ready"
	RunEventDone               RunEventType = "done"
	RunEventError              RunEventType = "error"
	RunEventPing               RunEventType = "ping"
)

// RunEvent is one entry in a run's totally-ordered event log (§3, P1).
type RunEvent struct {
	Seq       int64          `json:"seq"`
	Type      RunEventType   `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunView is the external, read-only projection of a RunRecord.
type RunView struct {
	RunID        string     `json:"run_id"`
	SessionID    string     `json:"session_id"`
	Status       RunStatus  `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// ToView projects a RunRecord into its external RunView.
func (r *RunRecord) ToView() RunView {
	return RunView{
		RunID:        r.RunID,
		SessionID:    r.SessionID,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
		ErrorMessage: r.ErrorMessage,
	}
}
