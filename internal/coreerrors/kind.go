// Package coreerrors defines the error taxonomy shared by the permission
// engine, session-state store, agent pool, run scheduler, and OAuth
// callback server.
package coreerrors

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// Kind categorizes an error for logging, retry, and propagation decisions.
type Kind string

const (
	// InvalidInput is a malformed request: empty message, unknown session,
	// bad JSON. Surfaced to the caller as a client-side error, never logged
	// as an internal failure.
	InvalidInput Kind = "invalid_input"

	// NotFound is a missing run or session.
	NotFound Kind = "not_found"

	// Conflict covers duplicate event sequence numbers, lost leases, and
	// schema version mismatches.
	Conflict Kind = "conflict"

	// Cancelled is an abort-like error: the run transitions to cancelled,
	// not failed, and is never propagated as a failure.
	Cancelled Kind = "cancelled"

	// Transient covers database timeouts and network blips during claim or
	// lease renewal. Logged and retried on the next tick.
	Transient Kind = "transient"

	// Fatal is an unrecoverable initialization failure, e.g. a schema
	// migration failure while holding the advisory lock. Surfaced to the
	// process supervisor.
	Fatal Kind = "fatal"
)

// coreError pairs a Kind with an underlying cause so callers can both
// classify and unwrap.
type coreError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *coreError) Error() string {
	if e.msg == "" && e.cause != nil {
		return e.cause.Error()
	}
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

func (e *coreError) Unwrap() error {
	return e.cause
}

// Is reports whether target is a coreError of the same Kind, so that
// errors.Is(err, coreerrors.New(coreerrors.NotFound, "")) style checks work
// without exposing the unexported type.
func (e *coreError) Is(target error) bool {
	var other *coreError
	if errors.As(target, &other) {
		return other.kind == e.kind
	}
	return false
}

// New builds an error of the given Kind with a message.
func New(kind Kind, msg string) error {
	return &coreError{kind: kind, msg: msg}
}

// Wrap builds an error of the given Kind wrapping cause. If msg is empty,
// Error() passes the cause's message through unchanged.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return New(kind, msg)
	}
	return &coreError{kind: kind, msg: msg, cause: cause}
}

// sentinel returns a zero-cause marker of the given kind, used with errors.Is
// in Classify's fast path and by callers that only want to test a Kind.
func sentinel(kind Kind) *coreError {
	return &coreError{kind: kind}
}

// Sentinels for errors.Is comparisons against a specific Kind, e.g.
// errors.Is(err, coreerrors.ErrNotFound).
var (
	ErrInvalidInput = sentinel(InvalidInput)
	ErrNotFound     = sentinel(NotFound)
	ErrConflict     = sentinel(Conflict)
	ErrCancelled    = sentinel(Cancelled)
	ErrTransient    = sentinel(Transient)
	ErrFatal        = sentinel(Fatal)
)

var abortPattern = regexp.MustCompile(`(?i)abort`)

// abortNamed reports whether err carries one of the well-known abort error
// names used by fetch/AbortController-style cancellation (§5's abort-like
// error classification, translated to Go: errors here don't carry a `.name`
// field, so the name check collapses into the message check).
func abortNamed(err error) bool {
	return abortPattern.MatchString(err.Error())
}

// Classify returns the Kind of err, inspecting the error chain for a
// coreError first, then falling back to context-cancellation and
// abort-message detection, and defaulting to Transient for anything
// unrecognized (the conservative choice: an unclassified error is more
// likely a blip than something unrecoverable).
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var ce *coreError
	if errors.As(err, &ce) {
		return ce.kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}

	if abortNamed(err) {
		return Cancelled
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return NotFound
	case strings.Contains(msg, "duplicate"), strings.Contains(msg, "conflict"), strings.Contains(msg, "lease lost"):
		return Conflict
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"), strings.Contains(msg, "missing required"):
		return InvalidInput
	}

	return Transient
}

// IsCancelled reports whether err classifies as Cancelled, the check the
// scheduler's stream loop and lease-renewal loop use to decide between a
// "cancelled" and a "failed" terminal status.
func IsCancelled(err error) bool {
	return Classify(err) == Cancelled
}

// IsTransient reports whether err classifies as Transient, the signal used
// by the claim loop to retry after a short backoff instead of surfacing a
// failure.
func IsTransient(err error) bool {
	return Classify(err) == Transient
}
