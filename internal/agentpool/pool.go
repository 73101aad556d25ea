// Package agentpool implements the agent pool (C3): a session_id-keyed map
// of live agents, each with its own sandbox, FIFO run lock, and abort
// handle.
package agentpool

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/codelia-core/internal/coreerrors"
	"github.com/haasonsaas/codelia-core/internal/observability"
	"github.com/haasonsaas/codelia-core/internal/sessionstate"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// IdleTimeout is how long an entry may sit unused before the sweep goroutine
// evicts it (spec §4.3).
const IdleTimeout = 30 * time.Minute

// sweepInterval is how often idle eviction and the sandbox reaper run.
const sweepInterval = 60 * time.Second

// RuntimeSettings is the agent's refreshable runtime configuration (model,
// temperature, tool policy, etc — opaque to the pool itself).
type RuntimeSettings map[string]any

// Agent is the minimal surface the pool needs from whatever constructs and
// drives the underlying conversational agent. The agent's own internals
// (LLM provider calls, tool execution) are out of scope here.
type Agent interface {
	// SeedHistory loads prior messages into the agent before its first run.
	SeedHistory(messages []coremodel.Message)
	// HistoryMessages returns the agent's current conversation history.
	HistoryMessages() []coremodel.Message
}

// AgentFactory constructs a new Agent for a session, given its sandbox,
// system prompt, and current runtime settings.
type AgentFactory func(sandbox *SandboxContext, systemPrompt string, settings RuntimeSettings) (Agent, error)

// AbortFunc cancels an in-flight run with a human-readable reason.
type AbortFunc func(reason string)

// PoolEntry is one session's live agent plus the bookkeeping run_with_lock,
// cancel_run, and the idle/abort-aware eviction sweep need.
type PoolEntry struct {
	SessionID string
	Sandbox   *SandboxContext
	Agent     Agent

	mu          sync.Mutex
	lastAccess  time.Time
	activeRuns  int
	abortHandle AbortFunc
	settings    RuntimeSettings
}

func (e *PoolEntry) touch() {
	e.mu.Lock()
	e.lastAccess = time.Now()
	e.mu.Unlock()
}

func (e *PoolEntry) evictable(now time.Time, idleTimeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return now.Sub(e.lastAccess) > idleTimeout && e.abortHandle == nil && e.activeRuns == 0
}

// Config configures a Pool. Store, NewAgent, SandboxRoot are required.
type Config struct {
	SandboxRoot string
	SandboxTTL  time.Duration // clamped [60s, 30d] by internal/config; not reclamped here

	Store    sessionstate.Store
	NewAgent AgentFactory

	SystemPrompt func(sessionID string) string
	Settings     func(sessionID string) RuntimeSettings
	// PersistSettings, if set, is invoked by GetOrCreate whenever Settings
	// reports a value that differs from the entry's last-known settings,
	// writing the refreshed settings back to the config store. Nil
	// disables persistence even if Settings is set.
	PersistSettings func(sessionID string, settings RuntimeSettings) error

	Logger  *observability.Logger
	Metrics *observability.Metrics

	// IdleTimeout and SweepInterval override the spec defaults; zero means
	// use the package defaults. Tests shrink these to avoid real sleeps.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Pool is the C3 agent pool.
type Pool struct {
	cfg   Config
	locks *lockTable

	mu      sync.RWMutex
	entries map[string]*PoolEntry
	closed  bool

	reaping  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Pool and starts its background sweep goroutine.
func New(cfg Config) *Pool {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = sweepInterval
	}
	p := &Pool{
		cfg:     cfg,
		locks:   newLockTable(),
		entries: map[string]*PoolEntry{},
		stop:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sweepLoop()
	return p
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.evictIdle()
			p.reapSandboxesOnce()
		}
	}
}

// GetOrCreate returns the session's pool entry, creating it if absent. On
// every call it re-reads Settings and, if the result differs from the
// entry's last-known settings, fires PersistSettings (spec §4.3's
// "settings refresh callback").
func (p *Pool) GetOrCreate(ctx context.Context, sessionID string) (*PoolEntry, error) {
	p.mu.RLock()
	entry, ok := p.entries[sessionID]
	p.mu.RUnlock()
	if ok {
		entry.touch()
		p.refreshSettings(sessionID, entry)
		return entry, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, coreerrors.New(coreerrors.InvalidInput, "agent pool is disposed")
	}
	if entry, ok := p.entries[sessionID]; ok {
		entry.touch()
		p.refreshSettings(sessionID, entry)
		return entry, nil
	}

	sandbox, err := allocateSandbox(p.cfg.SandboxRoot, sessionID)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "allocate sandbox", err)
	}

	systemPrompt := ""
	if p.cfg.SystemPrompt != nil {
		systemPrompt = p.cfg.SystemPrompt(sessionID)
	}
	var settings RuntimeSettings
	if p.cfg.Settings != nil {
		settings = p.cfg.Settings(sessionID)
	}

	agent, err := p.cfg.NewAgent(sandbox, systemPrompt, settings)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Fatal, "construct agent", err)
	}

	if p.cfg.Store != nil {
		if state, err := p.cfg.Store.Load(ctx, sessionID); err == nil && state != nil {
			agent.SeedHistory(state.Messages)
		} else if err != nil && p.cfg.Logger != nil {
			p.cfg.Logger.Warn(ctx, "agent pool: history load failed", "session_id", sessionID, "error", err.Error())
		}
	}

	entry = &PoolEntry{
		SessionID:  sessionID,
		Sandbox:    sandbox,
		Agent:      agent,
		lastAccess: time.Now(),
		settings:   settings,
	}
	p.entries[sessionID] = entry
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PoolEntryCreated()
	}
	return entry, nil
}

// refreshSettings re-reads cfg.Settings for sessionID and, if it differs
// from entry's last-known settings, calls cfg.PersistSettings with the
// new value before updating entry's record of it. A no-op if Settings
// isn't configured.
func (p *Pool) refreshSettings(sessionID string, entry *PoolEntry) {
	if p.cfg.Settings == nil {
		return
	}
	settings := p.cfg.Settings(sessionID)

	entry.mu.Lock()
	changed := !reflect.DeepEqual(entry.settings, settings)
	entry.mu.Unlock()
	if !changed {
		return
	}

	if p.cfg.PersistSettings != nil {
		if err := p.cfg.PersistSettings(sessionID, settings); err != nil {
			if p.cfg.Logger != nil {
				p.cfg.Logger.Warn(context.Background(), "agent pool: persist settings failed", "session_id", sessionID, "error", err.Error())
			}
			return
		}
	}

	entry.mu.Lock()
	entry.settings = settings
	entry.mu.Unlock()
}

// RunWithLock acquires sessionID's FIFO lock, runs fn with active_runs
// incremented, then releases. At most one invocation of fn runs per
// session at a time.
func (p *Pool) RunWithLock(ctx context.Context, sessionID string, fn func(ctx context.Context, entry *PoolEntry) error) error {
	entry, err := p.GetOrCreate(ctx, sessionID)
	if err != nil {
		return err
	}

	lock := p.locks.get(sessionID)
	release := lock.Acquire()
	defer release()

	entry.mu.Lock()
	entry.activeRuns++
	entry.mu.Unlock()
	defer func() {
		entry.mu.Lock()
		entry.activeRuns--
		entry.mu.Unlock()
	}()

	entry.touch()
	return fn(ctx, entry)
}

// SetAbortHandle records the abort handle for sessionID's in-flight run.
// Call with nil once the run completes.
func (p *Pool) SetAbortHandle(sessionID string, handle AbortFunc) {
	p.mu.RLock()
	entry, ok := p.entries[sessionID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	entry.abortHandle = handle
	entry.mu.Unlock()
}

// CancelRun signals the session's current abort handle, if any, with
// reason "cancelled by user". Returns true iff a cancellation was
// delivered.
func (p *Pool) CancelRun(sessionID string) bool {
	p.mu.RLock()
	entry, ok := p.entries[sessionID]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	handle := entry.abortHandle
	entry.abortHandle = nil
	entry.mu.Unlock()

	if handle == nil {
		return false
	}
	handle("cancelled by user")
	return true
}

// SaveSession snapshots the agent's current history into a SessionState and
// asks the store to save it. Call only after a run has reached a quiescent
// point or terminated.
func (p *Pool) SaveSession(ctx context.Context, sessionID string) error {
	if p.cfg.Store == nil {
		return nil
	}
	p.mu.RLock()
	entry, ok := p.entries[sessionID]
	p.mu.RUnlock()
	if !ok {
		return coreerrors.New(coreerrors.NotFound, "no pool entry for session")
	}

	state := &coremodel.SessionState{
		SchemaVersion: coremodel.SchemaVersion,
		SessionID:     sessionID,
		UpdatedAt:     time.Now(),
		Messages:      entry.Agent.HistoryMessages(),
	}
	start := time.Now()
	err := p.cfg.Store.Save(ctx, state)
	if p.cfg.Metrics != nil {
		backend := "default"
		switch p.cfg.Store.(type) {
		case *sessionstate.MemoryStore:
			backend = "memory"
		case *sessionstate.FilesystemStore:
			backend = "filesystem"
		case *sessionstate.PostgresStore:
			backend = "postgres"
		}
		p.cfg.Metrics.SessionSaveLatency.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return nil
}

// InvalidateAll aborts every entry's in-flight run and drops all entries.
// Used when credentials or settings change.
func (p *Pool) InvalidateAll(reason string) {
	p.mu.Lock()
	entries := p.entries
	p.entries = map[string]*PoolEntry{}
	p.mu.Unlock()

	evictReason := "invalidate"
	if reason == "pool disposed" {
		evictReason = "dispose"
	}
	for _, entry := range entries {
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.PoolEvicted(evictReason)
		}
		entry.mu.Lock()
		handle := entry.abortHandle
		entry.abortHandle = nil
		entry.mu.Unlock()
		if handle != nil {
			handle(reason)
		}
	}
}

// Dispose aborts every entry and stops the sweep goroutine. The pool must
// not be used afterward.
func (p *Pool) Dispose() {
	p.InvalidateAll("pool disposed")

	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}

func (p *Pool) evictIdle() {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, entry := range p.entries {
		if entry.evictable(now, p.cfg.IdleTimeout) {
			delete(p.entries, id)
			if p.cfg.Metrics != nil {
				p.cfg.Metrics.PoolEvicted("idle")
			}
		}
	}
}

// reapSandboxesOnce runs the sandbox reaper, guarded by a single-flight
// flag so overlapping ticks (a slow previous reap) never run concurrently.
func (p *Pool) reapSandboxesOnce() {
	if p.cfg.SandboxRoot == "" {
		return
	}
	if !p.reaping.CompareAndSwap(false, true) {
		return
	}
	defer p.reaping.Store(false)

	p.mu.RLock()
	live := make(map[string]bool, len(p.entries))
	for _, entry := range p.entries {
		if entry.Sandbox != nil {
			live[entry.Sandbox.Dir] = true
		}
	}
	p.mu.RUnlock()

	ttl := p.cfg.SandboxTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	removed, errs := reapSandboxes(p.cfg.SandboxRoot, live, ttl, time.Now())
	if p.cfg.Metrics != nil {
		for range removed {
			p.cfg.Metrics.SandboxReaped("ok")
		}
		for range errs {
			p.cfg.Metrics.SandboxReaped("error")
		}
	}
	if len(errs) > 0 && p.cfg.Logger != nil {
		for _, err := range errs {
			p.cfg.Logger.Warn(context.Background(), "sandbox reaper error", "error", err.Error())
		}
	}
}
