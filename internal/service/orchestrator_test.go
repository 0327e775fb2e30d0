package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/port/executor"
	"github.com/taskmesh-io/taskmesh/internal/resilience"
	"github.com/taskmesh-io/taskmesh/internal/service"
)

type orchFixture struct {
	store *mockStore
	orch  *service.OrchestratorService
}

func newOrchestrator(t *testing.T, store *mockStore, exec executor.Executor) *orchFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Orchestrator.ReclaimDeadline = 50 * time.Millisecond
	cfg.Supervisor.GracePeriod = 10 * time.Millisecond

	tracker := service.NewBudgetTracker(cfg.Orchestrator.TenantConcurrencyLimit)
	planner := service.NewPlannerService(store)
	sup := service.NewSupervisorService(store, exec, tracker, nil, nil,
		resilience.NewGroup(100, time.Second), &cfg.Supervisor)
	sup.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	asm := service.NewAssemblerService(store)

	orch := service.NewOrchestratorService(store, nil, nil, nil,
		tracker, planner, sup, asm, nil, &cfg.Orchestrator)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &orchFixture{store: store, orch: orch}
}

// waitForStatus polls until the task reaches status or the deadline passes.
func waitForStatus(t *testing.T, store *mockStore, taskID string, want task.Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tk, err := store.GetTask(context.Background(), taskID)
		if err == nil && tk.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tk, _ := store.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last seen %+v", taskID, want, tk)
}

func okExecutor() *fakeExecutor {
	return &fakeExecutor{fn: func(_ context.Context, _ executor.Request) (*executor.Outcome, error) {
		return &executor.Outcome{Output: "answer", QualityScore: 0.9, TokensIn: 100, TokensOut: 40, CostUSD: 0.01}, nil
	}}
}

func blockingExecutor() *fakeExecutor {
	return &fakeExecutor{fn: func(ctx context.Context, _ executor.Request) (*executor.Outcome, error) {
		<-ctx.Done()
		return nil, context.Cause(ctx)
	}}
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, okExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{
		Type: "quick_lookup", Query: "what is the answer",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if tk.Status != task.StatusPending {
		t.Errorf("submitted status = %s, want pending", tk.Status)
	}

	waitForStatus(t, store, tk.ID, task.StatusCompleted)

	want := []task.Status{task.StatusPending, task.StatusInProgress, task.StatusCompleted}
	got := store.taskTransitions(tk.ID)
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}

	r, err := fx.orch.GetResult(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetResult after completion: %v", err)
	}
	if r.Output != "answer" {
		t.Errorf("result output = %q", r.Output)
	}
	if r.Cost.TokensIn == 0 || r.Cost.TokensOut == 0 || r.Cost.CostUSD == 0 {
		t.Errorf("result cost breakdown not populated: %+v", r.Cost)
	}
	if r.Cost.TokensOut >= r.Cost.TokensIn {
		t.Errorf("token directions folded together: %+v", r.Cost)
	}
	if _, err := fx.orch.GetTrace(ctx, tk.ID); err != nil {
		t.Errorf("GetTrace after completion: %v", err)
	}
}

func TestSubmitEnforcesTenantQuota(t *testing.T) {
	store := newMockStore()
	for i := 0; i < 25; i++ {
		store.addIdleAgent(fmt.Sprintf("worker-%02d", i), 0)
	}
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if _, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{
			Type: "quick_lookup", Query: "q", MaxAgents: 1,
		}); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	_, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("21st submit err = %v, want ErrQuotaExceeded", err)
	}

	// Another tenant is unaffected.
	if _, err := fx.orch.Submit(ctx, "tenant-2", &task.SubmitRequest{Type: "quick_lookup", Query: "q"}); err != nil {
		t.Fatalf("other tenant submit: %v", err)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, okExecutor())

	_, err := fx.orch.Submit(context.Background(), "tenant-1", &task.SubmitRequest{
		Type: "quick_lookup", Query: "q", MaxAgents: 6,
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSubmitNoCapacityFailsSynchronously(t *testing.T) {
	store := newMockStore() // empty pool
	fx := newOrchestrator(t, store, okExecutor())
	ctx := context.Background()

	_, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("err = %v, want ErrNoCapacity", err)
	}

	// The quota slot comes back immediately; no queued work remains.
	if _, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"}); !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("second submit err = %v, want ErrNoCapacity, not quota", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first, err := fx.orch.Cancel(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if first.Status != task.StatusCanceled {
		t.Errorf("first cancel status = %s", first.Status)
	}

	second, err := fx.orch.Cancel(ctx, tk.ID)
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if second.Status != task.StatusCanceled {
		t.Errorf("second cancel status = %s", second.Status)
	}

	// Terminal status is never rewritten by the cancel path.
	seq := store.taskTransitions(tk.ID)
	terminals := 0
	for _, st := range seq {
		if st.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("transition sequence %v has %d terminal flips, want 1", seq, terminals)
	}
}

func TestCancelReclaimsQuotaSlot(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := fx.orch.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The slot must come back within the reclaim deadline even though the
	// worker is still unwinding.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		store.addIdleAgent("worker-2", 0)
		if _, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q2"}); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("quota slot never reclaimed after cancel")
}

func TestWallClockTimeoutForcesTimeoutStatus(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{
		Type: "quick_lookup", Query: "q",
		Budget: task.Budget{TimeLimit: 1},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitForStatus(t, store, tk.ID, task.StatusTimeout)

	snap, err := fx.orch.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Status != task.StatusTimeout {
		t.Errorf("snapshot status = %s, want timeout", snap.Status)
	}
}

func TestGetResultNotReadyBeforeCompletion(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := fx.orch.GetResult(ctx, tk.ID); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("GetResult err = %v, want ErrNotReady", err)
	}
	if _, err := fx.orch.GetTrace(ctx, tk.ID); !errors.Is(err, domain.ErrNotReady) {
		t.Fatalf("GetTrace err = %v, want ErrNotReady", err)
	}
	if _, err := fx.orch.GetResult(ctx, "no-such-task"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("GetResult unknown err = %v, want ErrNotFound", err)
	}
}

func TestGetStatusSnapshot(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	fx := newOrchestrator(t, store, okExecutor())
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, store, tk.ID, task.StatusCompleted)

	snap, err := fx.orch.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if snap.Status != task.StatusCompleted {
		t.Errorf("status = %s", snap.Status)
	}
	if len(snap.Assignments) != 1 {
		t.Errorf("assignments = %d, want 1", len(snap.Assignments))
	}
	if snap.Progress != 1 {
		t.Errorf("progress = %v, want 1", snap.Progress)
	}
}

// fakeCache is an in-memory cache.Cache with no TTL expiry. missNextGet
// forces one cache miss so reads can be steered down the store path.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	missNextGet bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.missNextGet {
		c.missNextGet = false
		return nil, false, nil
	}
	v, ok := c.entries[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// newOrchestratorWithCache mirrors newOrchestrator with a snapshot cache
// wired in.
func newOrchestratorWithCache(t *testing.T, store *mockStore, exec executor.Executor, c *fakeCache) *orchFixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Orchestrator.ReclaimDeadline = 50 * time.Millisecond
	cfg.Supervisor.GracePeriod = 10 * time.Millisecond

	tracker := service.NewBudgetTracker(cfg.Orchestrator.TenantConcurrencyLimit)
	planner := service.NewPlannerService(store)
	sup := service.NewSupervisorService(store, exec, tracker, nil, nil,
		resilience.NewGroup(100, time.Second), &cfg.Supervisor)
	sup.SetSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })
	asm := service.NewAssemblerService(store)

	orch := service.NewOrchestratorService(store, c, nil, nil,
		tracker, planner, sup, asm, nil, &cfg.Orchestrator)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &orchFixture{store: store, orch: orch}
}

func TestGetStatusNeverOverwritesFresherSnapshot(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	cache := newFakeCache()
	fx := newOrchestratorWithCache(t, store, blockingExecutor(), cache)
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, store, tk.ID, task.StatusInProgress)
	if err := store.UpdateTaskProgress(ctx, tk.ID, 0.8, task.CostBreakdown{}); err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	// Prime the cache with the fresher snapshot.
	if snap, err := fx.orch.GetStatus(ctx, tk.ID); err != nil || snap.Progress != 0.8 {
		t.Fatalf("prime snapshot = %+v, err %v", snap, err)
	}

	// The store now reports older progress; a reader that misses the
	// cache must not clobber the fresher cached snapshot with it.
	if err := store.UpdateTaskProgress(ctx, tk.ID, 0.2, task.CostBreakdown{}); err != nil {
		t.Fatalf("regress progress: %v", err)
	}
	cache.mu.Lock()
	cache.missNextGet = true
	cache.mu.Unlock()
	snap, err := fx.orch.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetStatus on miss: %v", err)
	}
	if snap.Progress != 0.2 {
		t.Errorf("miss read progress = %v, want store value 0.2", snap.Progress)
	}

	after, err := fx.orch.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetStatus after miss: %v", err)
	}
	if after.Progress != 0.8 {
		t.Errorf("cached progress = %v, stale write overwrote 0.8", after.Progress)
	}
}

func TestGetStatusCacheSeesTransitions(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	cache := newFakeCache()

	release := make(chan struct{})
	exec := &fakeExecutor{fn: func(ctx context.Context, _ executor.Request) (*executor.Outcome, error) {
		select {
		case <-release:
			return &executor.Outcome{Output: "done", QualityScore: 0.9, TokensIn: 10}, nil
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}}
	fx := newOrchestratorWithCache(t, store, exec, cache)
	ctx := context.Background()

	tk, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Cache a pre-terminal snapshot. The fake cache never expires, so
	// only transition invalidation can refresh it.
	if _, err := fx.orch.GetStatus(ctx, tk.ID); err != nil {
		t.Fatalf("GetStatus while running: %v", err)
	}
	close(release)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := fx.orch.GetStatus(ctx, tk.ID)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if snap.Status == task.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("status reads never observed the terminal transition")
}

func TestPoolStatusCountsBusyWorkers(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("worker-1", 0)
	store.addIdleAgent("worker-2", 0)
	fx := newOrchestrator(t, store, blockingExecutor())
	ctx := context.Background()

	if _, err := fx.orch.Submit(ctx, "tenant-1", &task.SubmitRequest{Type: "quick_lookup", Query: "q"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ps, err := fx.orch.PoolStatus(ctx)
		if err != nil {
			t.Fatalf("PoolStatus: %v", err)
		}
		if ps.BusyAgents == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pool never showed a busy worker")
}
