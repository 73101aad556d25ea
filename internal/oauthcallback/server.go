package oauthcallback

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/codelia-core/internal/observability"
)

// ErrOAuthCancelled is returned by Wait when Stop is called (or the
// /<cancel> path is hit) while the callback is still pending.
var ErrOAuthCancelled = errors.New("oauth cancelled")

// defaultTimeout is the bound on how long the server waits for a callback
// before rejecting and closing (spec §4.5).
const defaultTimeout = 5 * time.Minute

const (
	defaultCallbackPath = "/callback"
	defaultCancelPath   = "/cancel"
)

// Config configures a single-shot OAuth callback Server. OnCode is called
// once, with the authorization code, after the state check passes; its
// result (or error) becomes the value Wait returns.
type Config[T any] struct {
	// Addr is the listen address, e.g. "127.0.0.1:0" to pick a free port.
	Addr string

	CallbackPath string // default "/callback"
	CancelPath   string // default "/cancel"

	ExpectedState string
	OnCode        func(ctx context.Context, code string) (T, error)

	// SuccessHTML is served verbatim on success; it is caller-controlled,
	// static content, not derived from request input.
	SuccessHTML string
	// ErrorHTML renders the (already HTML-escaped) failure message into a
	// response body.
	ErrorHTML func(escapedMsg string) string

	Timeout time.Duration // default 5 minutes

	Logger *observability.Logger
}

type outcome[T any] struct {
	value T
	err   error
}

// Server is a single-shot OAuth callback listener: it accepts exactly one
// terminal outcome (success, typed failure, timeout, or explicit stop),
// then the listener is closed and further requests are refused.
type Server[T any] struct {
	cfg      Config[T]
	listener net.Listener
	http     *http.Server

	settleOnce sync.Once
	done       chan outcome[T]

	closeOnce sync.Once
}

// New binds the listener and starts serving in the background. Call Wait
// to block for the outcome, and Stop to cancel early.
func New[T any](cfg Config[T]) (*Server[T], error) {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCallbackPath
	}
	if cfg.CancelPath == "" {
		cfg.CancelPath = defaultCancelPath
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.OnCode == nil {
		return nil, errors.New("oauthcallback: OnCode is required")
	}
	if cfg.ErrorHTML == nil {
		cfg.ErrorHTML = func(escapedMsg string) string {
			return "<html><body><h1>Authentication failed</h1><p>" + escapedMsg + "</p></body></html>"
		}
	}
	if cfg.SuccessHTML == "" {
		cfg.SuccessHTML = "<html><body><h1>Authentication complete</h1><p>You may close this window.</p></body></html>"
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("oauthcallback: listen %s: %w", cfg.Addr, err)
	}

	s := &Server[T]{
		cfg:      cfg,
		listener: listener,
		done:     make(chan outcome[T], 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.CallbackPath, s.handleCallback)
	mux.HandleFunc(cfg.CancelPath, s.handleCancel)
	s.http = &http.Server{Handler: mux}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if cfg.Logger != nil {
				cfg.Logger.Warn(context.Background(), "oauthcallback: serve error", "error", err.Error())
			}
		}
	}()

	return s, nil
}

// Addr returns the actual listen address (useful when Addr used port 0).
func (s *Server[T]) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server[T]) settle(o outcome[T]) {
	s.settleOnce.Do(func() {
		s.done <- o
	})
}

func (s *Server[T]) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		msg := query.Get("error_description")
		if msg == "" {
			msg = errParam
		}
		s.respondError(w, http.StatusBadRequest, msg)
		s.settle(outcome[T]{err: errors.New(msg)})
		return
	}

	if state := query.Get("state"); state != s.cfg.ExpectedState {
		s.respondError(w, http.StatusBadRequest, "invalid state")
		s.settle(outcome[T]{err: errors.New("invalid state")})
		return
	}

	code := query.Get("code")
	if code == "" {
		s.respondError(w, http.StatusBadRequest, "missing authorization code")
		s.settle(outcome[T]{err: errors.New("missing authorization code")})
		return
	}

	value, err := s.cfg.OnCode(r.Context(), code)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		s.settle(outcome[T]{err: err})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.cfg.SuccessHTML))
	s.settle(outcome[T]{value: value})
}

func (s *Server[T]) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.respondError(w, http.StatusOK, "cancelled")
	s.settle(outcome[T]{err: ErrOAuthCancelled})
}

func (s *Server[T]) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(s.cfg.ErrorHTML(html.EscapeString(msg))))
}

// Wait blocks until the callback resolves, the configured timeout
// elapses, ctx is cancelled, or Stop is called — then closes the listener.
func (s *Server[T]) Wait(ctx context.Context) (T, error) {
	defer s.Close()

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	select {
	case o := <-s.done:
		return o.value, o.err
	case <-timer.C:
		var zero T
		s.settle(outcome[T]{err: errors.New("oauth callback timed out")})
		return zero, errors.New("oauth callback timed out")
	case <-ctx.Done():
		var zero T
		s.settle(outcome[T]{err: ctx.Err()})
		return zero, ctx.Err()
	}
}

// Stop rejects a still-pending Wait with ErrOAuthCancelled and closes the
// listener. A no-op if the callback already resolved.
func (s *Server[T]) Stop() {
	s.settle(outcome[T]{err: ErrOAuthCancelled})
	s.Close()
}

// Close shuts down the HTTP listener. Safe to call more than once.
func (s *Server[T]) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.http.Shutdown(ctx)
	})
}
