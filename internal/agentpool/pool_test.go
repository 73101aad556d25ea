package agentpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/codelia-core/internal/sessionstate"
	"github.com/haasonsaas/codelia-core/pkg/coremodel"
)

type fakeAgent struct {
	mu      sync.Mutex
	history []coremodel.Message
}

func (a *fakeAgent) SeedHistory(messages []coremodel.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = messages
}

func (a *fakeAgent) HistoryMessages() []coremodel.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.history
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	pool := New(Config{
		SandboxRoot:   t.TempDir(),
		Store:         sessionstate.NewMemoryStore(),
		NewAgent:      func(*SandboxContext, string, RuntimeSettings) (Agent, error) { return &fakeAgent{}, nil },
		IdleTimeout:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	t.Cleanup(pool.Dispose)
	return pool
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	first, err := pool.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	second, err := pool.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if first != second {
		t.Fatal("GetOrCreate() returned different entries for the same session")
	}
}

func TestGetOrCreateSeedsHistoryFromStore(t *testing.T) {
	store := sessionstate.NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, &coremodel.SessionState{
		SessionID: "sess-1",
		UpdatedAt: time.Now(),
		Messages:  []coremodel.Message{{Role: coremodel.RoleUser, Content: "hi"}},
	})

	pool := New(Config{
		SandboxRoot: t.TempDir(),
		Store:       store,
		NewAgent:    func(*SandboxContext, string, RuntimeSettings) (Agent, error) { return &fakeAgent{}, nil },
	})
	t.Cleanup(pool.Dispose)

	entry, err := pool.GetOrCreate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if len(entry.Agent.HistoryMessages()) != 1 {
		t.Fatalf("HistoryMessages() = %v, want seeded history", entry.Agent.HistoryMessages())
	}
}

// P2 (paraphrased): run_with_lock guarantees at most one concurrent
// invocation of fn per session, and FIFO ordering of waiters.
func TestRunWithLockSerializesPerSession(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	var concurrent int32
	var maxConcurrent int32
	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = pool.RunWithLock(ctx, "sess-1", func(ctx context.Context, entry *PoolEntry) error {
				n := atomic.AddInt32(&concurrent, 1)
				for {
					old := atomic.LoadInt32(&maxConcurrent)
					if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&concurrent, -1)
				return nil
			})
		}()
		time.Sleep(time.Millisecond) // stagger arrival to make FIFO order observable
	}
	wg.Wait()

	if maxConcurrent != 1 {
		t.Fatalf("maxConcurrent = %d, want 1", maxConcurrent)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly FIFO 0..4", order)
		}
	}
}

func TestCancelRunDeliversAndClearsHandle(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	_, _ = pool.GetOrCreate(ctx, "sess-1")

	var gotReason string
	pool.SetAbortHandle("sess-1", func(reason string) { gotReason = reason })

	if !pool.CancelRun("sess-1") {
		t.Fatal("CancelRun() = false, want true")
	}
	if gotReason != "cancelled by user" {
		t.Errorf("reason = %q, want %q", gotReason, "cancelled by user")
	}
	if pool.CancelRun("sess-1") {
		t.Fatal("second CancelRun() = true, want false (handle already cleared)")
	}
}

func TestSaveSessionPersistsAgentHistory(t *testing.T) {
	store := sessionstate.NewMemoryStore()
	pool := New(Config{
		SandboxRoot: t.TempDir(),
		Store:       store,
		NewAgent:    func(*SandboxContext, string, RuntimeSettings) (Agent, error) { return &fakeAgent{}, nil },
	})
	t.Cleanup(pool.Dispose)
	ctx := context.Background()

	entry, _ := pool.GetOrCreate(ctx, "sess-1")
	entry.Agent.SeedHistory([]coremodel.Message{{Role: coremodel.RoleAssistant, Content: "done"}})

	if err := pool.SaveSession(ctx, "sess-1"); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}

	state, err := store.Load(ctx, "sess-1")
	if err != nil || state == nil || len(state.Messages) != 1 {
		t.Fatalf("Load() = %+v, %v, want one saved message", state, err)
	}
}

func TestInvalidateAllAbortsAndClearsEntries(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	_, _ = pool.GetOrCreate(ctx, "sess-1")

	var reasons []string
	var mu sync.Mutex
	pool.SetAbortHandle("sess-1", func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})

	pool.InvalidateAll("credentials rotated")

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != "credentials rotated" {
		t.Fatalf("reasons = %v, want one \"credentials rotated\"", reasons)
	}

	pool.mu.RLock()
	n := len(pool.entries)
	pool.mu.RUnlock()
	if n != 0 {
		t.Fatalf("entries after InvalidateAll = %d, want 0", n)
	}
}

func TestIdleEvictionRemovesOnlyIdleEntries(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()

	idleEntry, _ := pool.GetOrCreate(ctx, "idle-session")
	idleEntry.mu.Lock()
	idleEntry.lastAccess = time.Now().Add(-time.Hour)
	idleEntry.mu.Unlock()

	activeEntry, _ := pool.GetOrCreate(ctx, "active-session")
	activeEntry.mu.Lock()
	activeEntry.activeRuns = 1
	activeEntry.lastAccess = time.Now().Add(-time.Hour)
	activeEntry.mu.Unlock()

	pool.evictIdle()

	pool.mu.RLock()
	_, idleStillThere := pool.entries["idle-session"]
	_, activeStillThere := pool.entries["active-session"]
	pool.mu.RUnlock()

	if idleStillThere {
		t.Error("idle entry was not evicted")
	}
	if !activeStillThere {
		t.Error("active entry was evicted despite active_runs > 0")
	}
}

func TestGetOrCreatePropagatesAgentConstructionError(t *testing.T) {
	pool := New(Config{
		SandboxRoot: t.TempDir(),
		Store:       sessionstate.NewMemoryStore(),
		NewAgent: func(*SandboxContext, string, RuntimeSettings) (Agent, error) {
			return nil, fmt.Errorf("boom")
		},
	})
	t.Cleanup(pool.Dispose)

	_, err := pool.GetOrCreate(context.Background(), "sess-1")
	if err == nil {
		t.Fatal("GetOrCreate() error = nil, want an error")
	}
}

func TestGetOrCreatePersistsSettingsOnlyWhenChanged(t *testing.T) {
	var current atomic.Value
	current.Store(RuntimeSettings{"model": "a"})

	var persisted []RuntimeSettings
	var mu sync.Mutex

	pool := New(Config{
		SandboxRoot: t.TempDir(),
		Store:       sessionstate.NewMemoryStore(),
		NewAgent:    func(*SandboxContext, string, RuntimeSettings) (Agent, error) { return &fakeAgent{}, nil },
		Settings: func(string) RuntimeSettings {
			return current.Load().(RuntimeSettings)
		},
		PersistSettings: func(_ string, settings RuntimeSettings) error {
			mu.Lock()
			defer mu.Unlock()
			persisted = append(persisted, settings)
			return nil
		},
	})
	t.Cleanup(pool.Dispose)

	ctx := context.Background()
	if _, err := pool.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := pool.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	mu.Lock()
	if len(persisted) != 0 {
		t.Fatalf("persisted = %+v, want none before settings change", persisted)
	}
	mu.Unlock()

	current.Store(RuntimeSettings{"model": "b"})
	if _, err := pool.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if _, err := pool.GetOrCreate(ctx, "sess-1"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(persisted) != 1 || persisted[0]["model"] != "b" {
		t.Fatalf("persisted = %+v, want a single refresh to model=b", persisted)
	}
}
