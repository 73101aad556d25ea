package scheduler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

func expectMigration(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < 7; i++ {
		mock.ExpectExec("CREATE (TABLE|INDEX)").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("SELECT pg_advisory_unlock").WillReturnResult(sqlmock.NewResult(0, 0))
}

func newMockScheduler(t *testing.T) (*PostgresScheduler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	expectMigration(mock)

	sched, err := NewPostgresScheduler(PostgresConfig{
		DB:       db,
		WorkerID: "worker-1",
	})
	if err != nil {
		t.Fatalf("NewPostgresScheduler() error = %v", err)
	}
	t.Cleanup(sched.Dispose)
	return sched, mock
}

func TestPostgresCreateRunInsertsQueuedRow(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(sqlmock.AnyArg(), "sess-1", string(coremodel.RunStatusQueued), "hi", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	view, err := sched.CreateRun(context.Background(), "sess-1", "hi")
	if err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}
	if view.Status != coremodel.RunStatusQueued {
		t.Fatalf("Status = %v, want queued", view.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresCreateRunRejectsEmptyInput(t *testing.T) {
	sched, _ := newMockScheduler(t)
	if _, err := sched.CreateRun(context.Background(), "", "hi"); err == nil {
		t.Fatal("CreateRun() error = nil, want invalid_input error for empty session_id")
	}
}

func TestPostgresGetRunNotFoundReturnsNotOK(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectQuery("SELECT run_id, session_id, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "session_id", "status", "input_text", "created_at", "started_at",
			"finished_at", "owner_id", "lease_until", "cancel_requested_at", "error_message",
		}))

	_, ok, err := sched.GetRun(context.Background(), "missing")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if ok {
		t.Fatal("GetRun() ok = true, want false for a missing row")
	}
}

func TestPostgresRequestCancelSetsCancelRequestedAtOnce(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectExec("UPDATE runs SET cancel_requested_at").
		WithArgs(sqlmock.AnyArg(), "run-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := sched.RequestCancel(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	if !ok {
		t.Fatal("RequestCancel() = false, want true when the row exists")
	}
}

func TestPostgresRequestCancelOnMissingRunReturnsFalse(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectExec("UPDATE runs SET cancel_requested_at").
		WithArgs(sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := sched.RequestCancel(context.Background(), "missing")
	if err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	if ok {
		t.Fatal("RequestCancel() = true for a missing run, want false")
	}
}

func TestPostgresListEventsAfterOrdersBySeq(t *testing.T) {
	sched, mock := newMockScheduler(t)

	rows := sqlmock.NewRows([]string{"seq", "event_type", "payload", "created_at"}).
		AddRow(int64(0), "text", []byte(`{"text":"a"}`), time.Now()).
		AddRow(int64(1), "done", []byte(`{"status":"completed"}`), time.Now())

	mock.ExpectQuery("SELECT seq, event_type, payload, created_at FROM run_events").
		WithArgs("run-1", int64(-1), 100).
		WillReturnRows(rows)

	events, err := sched.ListEventsAfter(context.Background(), "run-1", -1, 100)
	if err != nil {
		t.Fatalf("ListEventsAfter() error = %v", err)
	}
	if len(events) != 2 || events[0].Seq != 0 || events[1].Seq != 1 {
		t.Fatalf("events = %+v, want seq 0 then 1", events)
	}
}

func TestPostgresWaitForNewEventReturnsMissingWhenRunGone(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectQuery("SELECT run_id, session_id, status").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{
			"run_id", "session_id", "status", "input_text", "created_at", "started_at",
			"finished_at", "owner_id", "lease_until", "cancel_requested_at", "error_message",
		}))

	result, err := sched.WaitForNewEvent(context.Background(), "missing", -1, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForNewEvent() error = %v", err)
	}
	if result.Outcome != WaitMissing {
		t.Fatalf("Outcome = %v, want missing", result.Outcome)
	}
}

func TestPostgresAppendEventRetriesOnConflict(t *testing.T) {
	sched, mock := newMockScheduler(t)

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(seq\\), -1\\) \\+ 1").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(0)))
	mock.ExpectExec("INSERT INTO run_events").
		WithArgs("run-1", int64(0), "text", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(uniqueViolation{})

	mock.ExpectQuery("SELECT COALESCE\\(MAX\\(seq\\), -1\\) \\+ 1").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"next_seq"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO run_events").
		WithArgs("run-1", int64(1), "text", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	sched.appendEvent(context.Background(), "run-1", coremodel.RunEventText, map[string]any{"text": "hi"})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

type uniqueViolation struct{}

func (uniqueViolation) Error() string { return "duplicate key value violates unique constraint" }
