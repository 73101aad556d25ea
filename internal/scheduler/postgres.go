package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"

	"github.com/haasonsaas/codelia-core/internal/agentpool"
	"github.com/haasonsaas/codelia-core/internal/backoff"
	"github.com/haasonsaas/codelia-core/internal/coreerrors"
	"github.com/haasonsaas/codelia-core/internal/observability"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

// migrationAdvisoryLockKey serializes schema migration across concurrently
// booting processes sharing one database (spec §4.4.2).
const migrationAdvisoryLockKey = 918_273_645

// PostgresConfig configures a PostgresScheduler.
type PostgresConfig struct {
	DB      *sql.DB
	WorkerID string
	Pool    *agentpool.Pool
	Driver  Driver
	Logger  *observability.Logger
	Metrics *observability.Metrics

	// LeaseSeconds is how long a claimed run's lease lasts before another
	// worker may reclaim it. Clamped [10, 86400] by internal/config; not
	// reclamped here.
	LeaseSeconds int
	// CancelCheckInterval is how often an executing run polls
	// cancel_requested_at.
	CancelCheckInterval time.Duration
	// ClaimPollInterval is how often the claim loop looks for work.
	ClaimPollInterval time.Duration
	// SessionStickySeconds is how long a session's worker affinity lease
	// lasts after its last claim.
	SessionStickySeconds int
	// RunWorker gates whether this process runs the claim loop at all
	// (spec §6's api/worker/all role gating).
	RunWorker bool
}

// waitPollInterval is how often WaitForNewEvent polls for new events; the
// Postgres backend has no LISTEN/NOTIFY wiring, so it polls (spec §4.4.2).
const waitPollInterval = 250 * time.Millisecond

// maxEventAppendRetries bounds retries on a seq unique-violation.
const maxEventAppendRetries = 6

// PostgresScheduler is the Postgres-backed Scheduler backend: durable run
// and event state, claim-based work distribution across worker processes,
// lease-based ownership with renewal, and polling instead of in-process
// notification.
type PostgresScheduler struct {
	db      *sql.DB
	workerID string
	pool    *agentpool.Pool
	driver  Driver
	logger  *observability.Logger
	metrics *observability.Metrics

	leaseSeconds         int
	cancelCheckInterval  time.Duration
	claimPollInterval    time.Duration
	sessionStickySeconds int

	mu      sync.Mutex
	running map[string]func(reason string)

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewPostgresScheduler uses the already-open cfg.DB (it opens no connection
// of its own), migrates the schema under an advisory lock, and — if
// cfg.RunWorker — starts the claim loop.
func NewPostgresScheduler(cfg PostgresConfig) (*PostgresScheduler, error) {
	if cfg.DB == nil {
		return nil, errors.New("scheduler: db is required")
	}
	if cfg.WorkerID == "" {
		return nil, errors.New("scheduler: worker id is required")
	}
	leaseSeconds := cfg.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 30
	}
	cancelCheck := cfg.CancelCheckInterval
	if cancelCheck <= 0 {
		cancelCheck = 750 * time.Millisecond
	}
	claimPoll := cfg.ClaimPollInterval
	if claimPoll <= 0 {
		claimPoll = time.Second
	}
	sticky := cfg.SessionStickySeconds
	if sticky <= 0 {
		sticky = 600
	}

	s := &PostgresScheduler{
		db:                   cfg.DB,
		workerID:             cfg.WorkerID,
		pool:                 cfg.Pool,
		driver:               cfg.Driver,
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
		leaseSeconds:         leaseSeconds,
		cancelCheckInterval:  cancelCheck,
		claimPollInterval:    claimPoll,
		sessionStickySeconds: sticky,
		running:              map[string]func(reason string){},
		stop:                 make(chan struct{}),
	}

	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}

	if cfg.RunWorker {
		s.wg.Add(1)
		go s.claimLoop()
	}
	s.wg.Add(1)
	go s.retentionLoop()

	return s, nil
}

func (s *PostgresScheduler) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationAdvisoryLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer s.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, migrationAdvisoryLockKey)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_text TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			owner_id TEXT,
			lease_until TIMESTAMPTZ,
			cancel_requested_at TIMESTAMPTZ,
			error_message TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_status_created_idx ON runs (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS runs_owner_idx ON runs (owner_id)`,
		`CREATE TABLE IF NOT EXISTS worker_session_leases (
			session_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			lease_until TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS worker_session_leases_worker_idx ON worker_session_leases (worker_id, lease_until)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS run_events_run_created_idx ON run_events (run_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate scheduler schema: %w", err)
		}
	}
	return nil
}

// CreateRun implements Scheduler.
func (s *PostgresScheduler) CreateRun(ctx context.Context, sessionID, inputText string) (coremodel.RunView, error) {
	if sessionID == "" || inputText == "" {
		return coremodel.RunView{}, coreerrors.New(coreerrors.InvalidInput, "session_id and message are required")
	}

	rec := coremodel.RunRecord{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    coremodel.RunStatusQueued,
		InputText: inputText,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, status, input_text, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.RunID, rec.SessionID, rec.Status, rec.InputText, rec.CreatedAt)
	if err != nil {
		return coremodel.RunView{}, coreerrors.Wrap(coreerrors.Transient, "insert run", err)
	}
	if s.metrics != nil {
		s.metrics.RunsQueued.WithLabelValues("postgres").Inc()
	}
	return rec.ToView(), nil
}

// GetRun implements Scheduler.
func (s *PostgresScheduler) GetRun(ctx context.Context, runID string) (coremodel.RunView, bool, error) {
	rec, err := s.loadRun(ctx, runID)
	if err != nil {
		return coremodel.RunView{}, false, err
	}
	if rec == nil {
		return coremodel.RunView{}, false, nil
	}
	return rec.ToView(), true, nil
}

func (s *PostgresScheduler) loadRun(ctx context.Context, runID string) (*coremodel.RunRecord, error) {
	var rec coremodel.RunRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, session_id, status, input_text, created_at, started_at,
		       finished_at, owner_id, lease_until, cancel_requested_at, error_message
		FROM runs WHERE run_id = $1
	`, runID).Scan(&rec.RunID, &rec.SessionID, &rec.Status, &rec.InputText, &rec.CreatedAt,
		&rec.StartedAt, &rec.FinishedAt, &rec.OwnerID, &rec.LeaseUntil, &rec.CancelRequestedAt, &rec.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "load run", err)
	}
	return &rec, nil
}

// ListRuns implements Scheduler.
func (s *PostgresScheduler) ListRuns(ctx context.Context, filter ListRunsFilter) ([]coremodel.RunView, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	query := `
		SELECT run_id, session_id, status, input_text, created_at, started_at,
		       finished_at, owner_id, lease_until, cancel_requested_at, error_message
		FROM runs WHERE ($1 = '' OR session_id = $1)`
	args := []any{filter.SessionID}
	if len(filter.Statuses) > 0 {
		placeholders := ""
		for i, st := range filter.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			args = append(args, string(st))
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" AND status IN (%s)", placeholders)
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "list runs", err)
	}
	defer rows.Close()

	var views []coremodel.RunView
	for rows.Next() {
		var rec coremodel.RunRecord
		if err := rows.Scan(&rec.RunID, &rec.SessionID, &rec.Status, &rec.InputText, &rec.CreatedAt,
			&rec.StartedAt, &rec.FinishedAt, &rec.OwnerID, &rec.LeaseUntil, &rec.CancelRequestedAt, &rec.ErrorMessage); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Transient, "scan run", err)
		}
		views = append(views, rec.ToView())
	}
	return views, rows.Err()
}

// ListEventsAfter implements Scheduler.
func (s *PostgresScheduler) ListEventsAfter(ctx context.Context, runID string, afterSeq int64, limit int) ([]coremodel.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, event_type, payload, created_at FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.Transient, "list events", err)
	}
	defer rows.Close()

	var events []coremodel.RunEvent
	for rows.Next() {
		var ev coremodel.RunEvent
		var raw []byte
		if err := rows.Scan(&ev.Seq, &ev.Type, &raw, &ev.CreatedAt); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Transient, "scan event", err)
		}
		if err := json.Unmarshal(raw, &ev.Data); err != nil {
			return nil, coreerrors.Wrap(coreerrors.Transient, "decode event payload", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RequestCancel implements Scheduler.
func (s *PostgresScheduler) RequestCancel(ctx context.Context, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested_at = COALESCE(cancel_requested_at, $1)
		WHERE run_id = $2
	`, time.Now(), runID)
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Transient, "request cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, coreerrors.Wrap(coreerrors.Transient, "request cancel rows affected", err)
	}

	s.mu.Lock()
	cancelFn := s.running[runID]
	s.mu.Unlock()
	if cancelFn != nil {
		cancelFn("cancelled by user")
	}
	return n > 0, nil
}

// WaitForNewEvent implements Scheduler. The Postgres backend has no
// LISTEN/NOTIFY wiring, so it polls on waitPollInterval (spec §4.4.2).
func (s *PostgresScheduler) WaitForNewEvent(ctx context.Context, runID string, afterSeq int64, cancelToken <-chan struct{}, timeout time.Duration) (WaitResult, error) {
	timeout = clampWaitTimeout(timeout)
	deadline := time.Now().Add(timeout)

	for {
		rec, err := s.loadRun(ctx, runID)
		if err != nil {
			return WaitResult{}, err
		}
		if rec == nil {
			return WaitResult{Outcome: WaitMissing}, nil
		}

		events, err := s.ListEventsAfter(ctx, runID, afterSeq, 1)
		if err != nil {
			return WaitResult{}, err
		}
		if len(events) > 0 {
			return WaitResult{Outcome: WaitEvent, Event: &events[0]}, nil
		}

		if time.Now().After(deadline) {
			return WaitResult{Outcome: WaitTimeout}, nil
		}

		select {
		case <-ctx.Done():
			return WaitResult{Outcome: WaitAborted}, nil
		case <-cancelToken:
			return WaitResult{Outcome: WaitAborted}, nil
		case <-time.After(waitPollInterval):
		}
	}
}

// Dispose implements Scheduler.
func (s *PostgresScheduler) Dispose() {
	s.mu.Lock()
	for _, cancelFn := range s.running {
		cancelFn("scheduler disposed")
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *PostgresScheduler) retentionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-terminalRetention)
			if _, err := s.db.ExecContext(context.Background(), `
				DELETE FROM run_events WHERE run_id IN (
					SELECT run_id FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1
				)
			`, cutoff); err != nil && s.logger != nil {
				s.logger.Warn(context.Background(), "scheduler: retention event cleanup failed", "error", err.Error())
			}
			if _, err := s.db.ExecContext(context.Background(), `
				DELETE FROM runs WHERE finished_at IS NOT NULL AND finished_at < $1
			`, cutoff); err != nil && s.logger != nil {
				s.logger.Warn(context.Background(), "scheduler: retention run cleanup failed", "error", err.Error())
			}
		}
	}
}

// claimErrorBackoff governs how quickly the claim loop retries after a
// transient claim failure (a connection blip, a deadlock loser). A clean
// claim or an empty queue resets the attempt counter, so a single error
// never slows down steady-state polling.
var claimErrorBackoff = backoff.ConservativePolicy()

// claimLoop periodically claims due work and executes it. It only runs
// when the process was started in the "worker" or "all" role (spec §6).
// Consecutive claim errors widen the wait via internal/backoff instead of
// hammering the database at the fixed poll interval.
func (s *PostgresScheduler) claimLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.claimPollInterval)
	defer ticker.Stop()
	errorStreak := 0
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if s.claimAndRun(context.Background()) {
				errorStreak++
				if err := backoff.SleepWithContext(context.Background(), backoff.ComputeBackoff(claimErrorBackoff, errorStreak)); err != nil {
					return
				}
			} else {
				errorStreak = 0
			}
		}
	}
}

// claimAndRun claims at most one due run and executes it synchronously on
// the claim-loop goroutine. A busy worker simply claims nothing new until
// the current run finishes; the pool's per-session lock provides the
// actual at-most-one-per-session guarantee (P2), this just bounds how many
// runs one worker process drives concurrently. Returns true if the claim
// attempt itself errored, so the caller can back off.
func (s *PostgresScheduler) claimAndRun(ctx context.Context) bool {
	rec, err := s.claim(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RunClaimError()
		}
		if s.logger != nil {
			s.logger.Warn(ctx, "scheduler: claim failed", "error", err.Error())
		}
		return true
	}
	if rec == nil {
		if s.metrics != nil {
			s.metrics.RunClaimEmpty()
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.RunClaimed()
	}
	s.execute(ctx, rec)
	return false
}

// claim runs the STICKY-then-FALLBACK claim protocol in one transaction
// (spec §4.4.2), grounded on the teacher's FOR UPDATE SKIP LOCKED claim in
// internal/tasks/cockroach.go's AcquireExecution.
func (s *PostgresScheduler) claim(ctx context.Context) (*coremodel.RunRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_session_leases WHERE lease_until < $1`, now); err != nil {
		return nil, fmt.Errorf("expire session leases: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT r.run_id, r.session_id, r.status, r.input_text, r.created_at, r.started_at,
		       r.finished_at, r.owner_id, r.lease_until, r.cancel_requested_at, r.error_message
		FROM runs r
		JOIN worker_session_leases l ON l.session_id = r.session_id
		WHERE l.worker_id = $1 AND l.lease_until >= $2
		  AND (r.status = 'queued' OR (r.status = 'running' AND r.lease_until < $2))
		ORDER BY r.created_at ASC
		LIMIT 1
		FOR UPDATE OF r SKIP LOCKED
	`, s.workerID, now)
	rec, err := scanRunRow(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan sticky claim: %w", err)
	}

	if rec == nil {
		row = tx.QueryRowContext(ctx, `
			SELECT r.run_id, r.session_id, r.status, r.input_text, r.created_at, r.started_at,
			       r.finished_at, r.owner_id, r.lease_until, r.cancel_requested_at, r.error_message
			FROM runs r
			LEFT JOIN worker_session_leases l ON l.session_id = r.session_id
			WHERE (l.session_id IS NULL OR l.worker_id = $1)
			  AND (r.status = 'queued' OR (r.status = 'running' AND r.lease_until < $2))
			ORDER BY r.created_at ASC
			LIMIT 1
			FOR UPDATE OF r SKIP LOCKED
		`, s.workerID, now)
		rec, err = scanRunRow(row)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("scan fallback claim: %w", err)
		}
	}

	if rec == nil {
		return nil, tx.Commit()
	}

	leaseUntil := now.Add(time.Duration(s.leaseSeconds) * time.Second)
	startedAt := rec.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, owner_id = $2, lease_until = $3, started_at = $4
		WHERE run_id = $5
	`, coremodel.RunStatusRunning, s.workerID, leaseUntil, startedAt, rec.RunID); err != nil {
		return nil, fmt.Errorf("claim update run: %w", err)
	}

	stickyUntil := now.Add(time.Duration(s.sessionStickySeconds) * time.Second)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO worker_session_leases (session_id, worker_id, lease_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			worker_id = excluded.worker_id, lease_until = excluded.lease_until, updated_at = excluded.updated_at
	`, rec.SessionID, s.workerID, stickyUntil, now); err != nil {
		return nil, fmt.Errorf("upsert session lease: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	rec.Status = coremodel.RunStatusRunning
	rec.OwnerID = s.workerID
	rec.LeaseUntil = &leaseUntil
	rec.StartedAt = startedAt
	return rec, nil
}

func scanRunRow(row *sql.Row) (*coremodel.RunRecord, error) {
	var rec coremodel.RunRecord
	err := row.Scan(&rec.RunID, &rec.SessionID, &rec.Status, &rec.InputText, &rec.CreatedAt, &rec.StartedAt,
		&rec.FinishedAt, &rec.OwnerID, &rec.LeaseUntil, &rec.CancelRequestedAt, &rec.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// execute drives one claimed run: lease renewal every 10s, cancel-check
// every cancelCheckInterval, event append with seq-conflict retry. Grounded
// on internal/sessions/locker.go's DBLocker.renewLoop/extendLease for the
// renewal shape.
func (s *PostgresScheduler) execute(ctx context.Context, rec *coremodel.RunRecord) {
	runCtx, cancel := context.WithCancel(ctx)
	var cancelReason string
	abort := func(reason string) {
		cancelReason = reason
		cancel()
	}

	s.mu.Lock()
	s.running[rec.RunID] = abort
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, rec.RunID)
		s.mu.Unlock()
	}()

	if s.metrics != nil {
		s.metrics.RunsActive.Inc()
		defer s.metrics.RunsActive.Dec()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.renewLeaseLoop(runCtx, rec.RunID, abort)
	}()
	go func() {
		defer wg.Done()
		s.cancelCheckLoop(runCtx, rec.RunID, abort)
	}()

	emit := func(eventType coremodel.RunEventType, data map[string]any) {
		s.appendEvent(context.Background(), rec.RunID, eventType, data)
	}

	var runErr error
	if s.pool != nil && s.driver != nil {
		runErr = s.pool.RunWithLock(runCtx, rec.SessionID, func(ctx context.Context, entry *agentpool.PoolEntry) error {
			return s.driver.Execute(ctx, entry, rec.InputText, emit)
		})
	}
	aborted := runCtx.Err() == context.Canceled
	cancel()
	wg.Wait()

	switch {
	case runErr == nil:
		s.appendEvent(context.Background(), rec.RunID, coremodel.RunEventDone, map[string]any{"status": "completed"})
		s.terminate(context.Background(), rec, coremodel.RunStatusCompleted, "")
	case aborted || coreerrors.IsCancelled(runErr):
		if s.pool != nil {
			if entry, err := s.pool.GetOrCreate(context.Background(), rec.SessionID); err == nil {
				normalized := NormalizeAfterCancellation(entry.Agent.HistoryMessages())
				entry.Agent.SeedHistory(normalized)
			}
		}
		s.appendEvent(context.Background(), rec.RunID, coremodel.RunEventDone, map[string]any{"status": "cancelled", "reason": cancelReason})
		s.terminate(context.Background(), rec, coremodel.RunStatusCancelled, "")
	default:
		s.appendEvent(context.Background(), rec.RunID, coremodel.RunEventError, map[string]any{"message": runErr.Error()})
		s.appendEvent(context.Background(), rec.RunID, coremodel.RunEventDone, map[string]any{"status": "error"})
		s.terminate(context.Background(), rec, coremodel.RunStatusFailed, runErr.Error())
	}

	if s.pool != nil {
		if err := s.pool.SaveSession(context.Background(), rec.SessionID); err != nil && s.logger != nil {
			s.logger.Warn(context.Background(), "scheduler: save session failed", "session_id", rec.SessionID, "error", err.Error())
		}
	}
}

const leaseRenewInterval = 10 * time.Second

func (s *PostgresScheduler) renewLeaseLoop(ctx context.Context, runID string, abort func(reason string)) {
	ticker := time.NewTicker(leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leaseUntil := time.Now().Add(time.Duration(s.leaseSeconds) * time.Second)
			res, err := s.db.ExecContext(context.Background(), `
				UPDATE runs SET lease_until = $1
				WHERE run_id = $2 AND owner_id = $3 AND status = 'running'
			`, leaseUntil, runID, s.workerID)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn(ctx, "scheduler: lease renewal query failed", "run_id", runID, "error", err.Error())
				}
				continue
			}
			n, err := res.RowsAffected()
			if err != nil || n == 0 {
				if s.metrics != nil {
					s.metrics.LeaseLost()
				}
				abort("worker lease lost")
				return
			}
			if s.metrics != nil {
				s.metrics.LeaseRenewed()
			}
		}
	}
}

func (s *PostgresScheduler) cancelCheckLoop(ctx context.Context, runID string, abort func(reason string)) {
	ticker := time.NewTicker(s.cancelCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var cancelRequestedAt sql.NullTime
			err := s.db.QueryRowContext(context.Background(), `
				SELECT cancel_requested_at FROM runs WHERE run_id = $1
			`, runID).Scan(&cancelRequestedAt)
			if err != nil {
				continue
			}
			if cancelRequestedAt.Valid {
				abort("cancel requested")
				return
			}
		}
	}
}

func (s *PostgresScheduler) terminate(ctx context.Context, rec *coremodel.RunRecord, status coremodel.RunStatus, errMsg string) {
	now := time.Now()
	if _, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, finished_at = $2, owner_id = NULL, lease_until = NULL, error_message = $3
		WHERE run_id = $4
	`, status, now, errMsg, rec.RunID); err != nil && s.logger != nil {
		s.logger.Warn(ctx, "scheduler: terminate update failed", "run_id", rec.RunID, "error", err.Error())
	}
	if s.metrics != nil {
		s.metrics.RunDuration.WithLabelValues(string(status)).Observe(time.Since(rec.CreatedAt).Seconds())
	}
}

// appendEvent assigns the next seq for runID and inserts the event,
// retrying on a seq unique-violation (two workers, or a renewed lease
// racing a late cancel, briefly computing the same next seq).
func (s *PostgresScheduler) appendEvent(ctx context.Context, runID string, eventType coremodel.RunEventType, data map[string]any) {
	payload, err := json.Marshal(data)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn(ctx, "scheduler: encode event payload failed", "run_id", runID, "error", err.Error())
		}
		return
	}

	for attempt := 0; attempt < maxEventAppendRetries; attempt++ {
		var nextSeq int64
		err := s.db.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), -1) + 1 FROM run_events WHERE run_id = $1
		`, runID).Scan(&nextSeq)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "scheduler: next seq query failed", "run_id", runID, "error", err.Error())
			}
			return
		}

		_, err = s.db.ExecContext(ctx, `
			INSERT INTO run_events (run_id, seq, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, runID, nextSeq, string(eventType), payload, time.Now())
		if err == nil {
			if s.metrics != nil {
				s.metrics.EventAppended()
			}
			return
		}
		if s.metrics != nil {
			s.metrics.EventAppendConflict()
		}
	}
	if s.logger != nil {
		s.logger.Warn(ctx, "scheduler: event append exhausted retries", "run_id", runID)
	}
}
