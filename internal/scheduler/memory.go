package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/codelia-core/internal/agentpool"
	"github.com/haasonsaas/codelia-core/internal/coreerrors"
	"github.com/haasonsaas/codelia-core/internal/observability"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// terminalRetention is the default for how long a terminal run record
// survives before the retention GC drops it (spec §4.4.1); MemoryConfig.
// TerminalRetention overrides it.
const terminalRetention = 30 * time.Minute

// retentionSweepInterval is how often the retention GC runs.
const retentionSweepInterval = 5 * time.Minute

// run is one run's mutable state: its record, its event log, and the
// listener set wait_for_new_event registers against.
type run struct {
	mu       sync.Mutex
	record   coremodel.RunRecord
	events   []coremodel.RunEvent
	cancelFn func(reason string)

	// listeners is a coalescing notification set: each entry is a
	// non-blocking-send, buffer-1 channel. A slow listener misses
	// intermediate notifications but is still woken up, matching spec §9's
	// stated preference for coalescing over buffering.
	listeners      map[int]chan struct{}
	nextListenerID int
}

func (r *run) notify() {
	for _, ch := range r.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *run) addListener() (int, chan struct{}) {
	ch := make(chan struct{}, 1)
	id := r.nextListenerID
	r.nextListenerID++
	if r.listeners == nil {
		r.listeners = map[int]chan struct{}{}
	}
	r.listeners[id] = ch
	return id, ch
}

func (r *run) removeListener(id int) {
	delete(r.listeners, id)
}

// MemoryScheduler is the in-memory Scheduler backend: direct async
// dispatch, no persistence across process restarts, retention GC for
// terminal records.
type MemoryScheduler struct {
	pool    *agentpool.Pool
	driver  Driver
	logger  *observability.Logger
	metrics *observability.Metrics

	mu   sync.RWMutex
	runs map[string]*run

	terminalRetention time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// MemoryConfig configures a MemoryScheduler.
type MemoryConfig struct {
	Pool    *agentpool.Pool
	Driver  Driver
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// TerminalRetention overrides the default 30-minute retention window
	// (internal/config.SchedulerTiming.TerminalRetention). Zero means use
	// the default.
	TerminalRetention time.Duration
}

// NewMemoryScheduler constructs a MemoryScheduler and starts its retention
// GC goroutine.
func NewMemoryScheduler(cfg MemoryConfig) *MemoryScheduler {
	retention := cfg.TerminalRetention
	if retention <= 0 {
		retention = terminalRetention
	}
	s := &MemoryScheduler{
		pool:              cfg.Pool,
		driver:            cfg.Driver,
		logger:            cfg.Logger,
		metrics:           cfg.Metrics,
		runs:              map[string]*run{},
		terminalRetention: retention,
		stop:              make(chan struct{}),
	}
	s.wg.Add(1)
	go s.retentionLoop()
	return s
}

func (s *MemoryScheduler) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepTerminal(time.Now())
		}
	}
}

func (s *MemoryScheduler) sweepTerminal(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		r.mu.Lock()
		finished := r.record.FinishedAt
		terminal := r.record.Status.IsTerminal()
		r.mu.Unlock()
		if terminal && finished != nil && now.Sub(*finished) > s.terminalRetention {
			delete(s.runs, id)
		}
	}
}

// CreateRun implements Scheduler.
func (s *MemoryScheduler) CreateRun(ctx context.Context, sessionID, inputText string) (coremodel.RunView, error) {
	if sessionID == "" || inputText == "" {
		return coremodel.RunView{}, coreerrors.New(coreerrors.InvalidInput, "session_id and message are required")
	}

	r := &run{
		record: coremodel.RunRecord{
			RunID:     uuid.NewString(),
			SessionID: sessionID,
			Status:    coremodel.RunStatusQueued,
			InputText: inputText,
			CreatedAt: time.Now(),
		},
	}

	s.mu.Lock()
	s.runs[r.record.RunID] = r
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunsQueued.WithLabelValues("memory").Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.startRun(r)
	}()

	r.mu.Lock()
	view := r.record.ToView()
	r.mu.Unlock()
	return view, nil
}

func (s *MemoryScheduler) startRun(r *run) {
	r.mu.Lock()
	if r.record.CancelRequestedAt != nil {
		r.mu.Unlock()
		s.finish(r, coremodel.RunStatusCancelled, "")
		return
	}
	now := time.Now()
	r.record.Status = coremodel.RunStatusRunning
	r.record.StartedAt = &now
	sessionID := r.record.SessionID
	inputText := r.record.InputText
	r.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RunsActive.Inc()
		defer s.metrics.RunsActive.Dec()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var reason atomic.Value
	reason.Store("")
	abort := func(why string) {
		reason.Store(why)
		cancel()
	}
	r.mu.Lock()
	r.cancelFn = abort
	r.mu.Unlock()

	emit := func(eventType coremodel.RunEventType, data map[string]any) {
		s.append(r, eventType, data)
	}

	err := s.pool.RunWithLock(ctx, sessionID, func(ctx context.Context, entry *agentpool.PoolEntry) error {
		s.pool.SetAbortHandle(sessionID, abort)
		defer s.pool.SetAbortHandle(sessionID, nil)
		return s.driver.Execute(ctx, entry, inputText, emit)
	})
	aborted := ctx.Err() == context.Canceled
	cancel()

	switch {
	case err == nil:
		s.finish(r, coremodel.RunStatusCompleted, "")
	case aborted || coreerrors.IsCancelled(err):
		why, _ := reason.Load().(string)
		if why == "" {
			why = "cancelled"
		}
		s.append(r, coremodel.RunEventDone, map[string]any{"status": "cancelled"})
		s.normalizeAndSave(sessionID)
		s.setTerminal(r, coremodel.RunStatusCancelled, "")
	default:
		s.append(r, coremodel.RunEventError, map[string]any{"message": err.Error()})
		s.append(r, coremodel.RunEventDone, map[string]any{"status": "error"})
		s.setTerminal(r, coremodel.RunStatusFailed, err.Error())
		s.saveSession(sessionID)
	}
}

// finish appends a done event carrying status, marks the run terminal and
// persists the session. It serves normal completion and a run cancelled
// before it started; the mid-run cancellation and failure paths append
// their own done event and call setTerminal directly.
func (s *MemoryScheduler) finish(r *run, status coremodel.RunStatus, errMsg string) {
	eventStatus := string(status)
	s.append(r, coremodel.RunEventDone, map[string]any{"status": eventStatus})
	s.setTerminal(r, status, errMsg)
	r.mu.Lock()
	sessionID := r.record.SessionID
	r.mu.Unlock()
	s.saveSession(sessionID)
}

func (s *MemoryScheduler) setTerminal(r *run, status coremodel.RunStatus, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.record.Status = status
	r.record.FinishedAt = &now
	r.record.ErrorMessage = errMsg
	r.cancelFn = nil
	if s.metrics != nil {
		s.metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(r.record.CreatedAt).Seconds())
	}
}

func (s *MemoryScheduler) saveSession(sessionID string) {
	if err := s.pool.SaveSession(context.Background(), sessionID); err != nil && s.logger != nil {
		s.logger.Warn(context.Background(), "scheduler: save session failed", "session_id", sessionID, "error", err.Error())
	}
}

// normalizeAndSave restores PAIRING on the agent's in-memory history before
// the unconditional post-cancellation save (spec §4.4).
func (s *MemoryScheduler) normalizeAndSave(sessionID string) {
	entry, err := s.pool.GetOrCreate(context.Background(), sessionID)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(context.Background(), "scheduler: normalize lookup failed", "session_id", sessionID, "error", err.Error())
		}
		return
	}
	normalized := NormalizeAfterCancellation(entry.Agent.HistoryMessages())
	entry.Agent.SeedHistory(normalized)
	s.saveSession(sessionID)
}

func (s *MemoryScheduler) append(r *run, eventType coremodel.RunEventType, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := int64(len(r.events))
	r.events = append(r.events, coremodel.RunEvent{
		Seq:       seq,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now(),
	})
	r.notify()
	if s.metrics != nil {
		s.metrics.EventAppended()
	}
}

// GetRun implements Scheduler.
func (s *MemoryScheduler) GetRun(ctx context.Context, runID string) (coremodel.RunView, bool, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return coremodel.RunView{}, false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record.ToView(), true, nil
}

// ListRuns implements Scheduler.
func (s *MemoryScheduler) ListRuns(ctx context.Context, filter ListRunsFilter) ([]coremodel.RunView, error) {
	wanted := map[coremodel.RunStatus]bool{}
	for _, st := range filter.Statuses {
		wanted[st] = true
	}

	s.mu.RLock()
	candidates := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		candidates = append(candidates, r)
	}
	s.mu.RUnlock()

	var views []coremodel.RunView
	for _, r := range candidates {
		r.mu.Lock()
		rec := r.record
		r.mu.Unlock()
		if filter.SessionID != "" && rec.SessionID != filter.SessionID {
			continue
		}
		if len(wanted) > 0 && !wanted[rec.Status] {
			continue
		}
		views = append(views, rec.ToView())
	}

	sortRunViewsByCreatedDesc(views)

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	if len(views) > limit {
		views = views[:limit]
	}
	return views, nil
}

func sortRunViewsByCreatedDesc(views []coremodel.RunView) {
	for i := 1; i < len(views); i++ {
		for j := i; j > 0 && views[j].CreatedAt.After(views[j-1].CreatedAt); j-- {
			views[j], views[j-1] = views[j-1], views[j]
		}
	}
}

// ListEventsAfter implements Scheduler.
func (s *MemoryScheduler) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]coremodel.RunEvent, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, coreerrors.New(coreerrors.NotFound, "run not found")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var out []coremodel.RunEvent
	for _, ev := range r.events {
		if ev.Seq <= afterSeq {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RequestCancel implements Scheduler.
func (s *MemoryScheduler) RequestCancel(ctx context.Context, runID string) (bool, error) {
	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}

	r.mu.Lock()
	if r.record.CancelRequestedAt == nil {
		now := time.Now()
		r.record.CancelRequestedAt = &now
	}
	cancelFn := r.cancelFn
	terminal := r.record.Status.IsTerminal()
	r.mu.Unlock()

	if !terminal && cancelFn != nil {
		cancelFn("cancelled by user")
	}
	return true, nil
}

// WaitForNewEvent implements Scheduler.
func (s *MemoryScheduler) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, cancelToken <-chan struct{}, timeout time.Duration) (WaitResult, error) {
	timeout = clampWaitTimeout(timeout)

	s.mu.RLock()
	r, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return WaitResult{Outcome: WaitMissing}, nil
	}

	r.mu.Lock()
	if int64(len(r.events)) > afterSeq+1 {
		ev := r.events[afterSeq+1]
		r.mu.Unlock()
		return WaitResult{Outcome: WaitEvent, Event: &ev}, nil
	}
	id, ch := r.addListener()
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.removeListener(id)
		r.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return WaitResult{Outcome: WaitAborted}, nil
		case <-cancelToken:
			return WaitResult{Outcome: WaitAborted}, nil
		case <-timer.C:
			return WaitResult{Outcome: WaitTimeout}, nil
		case <-ch:
			r.mu.Lock()
			if int64(len(r.events)) > afterSeq+1 {
				ev := r.events[afterSeq+1]
				r.mu.Unlock()
				return WaitResult{Outcome: WaitEvent, Event: &ev}, nil
			}
			r.mu.Unlock()
		}
	}
}

// InvalidateAll aborts every in-flight run and appends a synthetic
// done{cancelled} event so blocked wait_for_new_event callers don't hang
// (spec §9's open-question resolution, recorded in DESIGN.md).
func (s *MemoryScheduler) InvalidateAll(reason string) {
	s.mu.RLock()
	runs := make([]*run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		cancelFn := r.cancelFn
		terminal := r.record.Status.IsTerminal()
		r.mu.Unlock()
		if terminal {
			continue
		}
		if cancelFn != nil {
			cancelFn(reason)
		} else {
			s.append(r, coremodel.RunEventDone, map[string]any{"status": "cancelled", "reason": reason})
			s.setTerminal(r, coremodel.RunStatusCancelled, "")
		}
	}
}

// Dispose implements Scheduler.
func (s *MemoryScheduler) Dispose() {
	s.InvalidateAll("scheduler disposed")
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
