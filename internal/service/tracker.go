package service

import (
	"fmt"
	"sync"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
)

// BudgetTracker is the per-tenant quota and per-task budget ledger. It is
// the only cross-task shared mutable state in the service: all updates go
// through a single mutex rather than ad hoc locking at call sites.
type BudgetTracker struct {
	mu      sync.Mutex
	limit   int // max concurrent running tasks per tenant
	tenants map[string]*tenantLedger
	tasks   map[string]*taskUsage
}

type tenantLedger struct {
	running   int
	tokensIn  int64
	tokensOut int64
	costUSD   float64
}

type taskUsage struct {
	tenantID  string
	tokensIn  int64
	tokensOut int64
	costUSD   float64
	costLimit float64 // 0 = unlimited
	exceeded  bool
}

// Lease is an admission grant. Release is exactly-once: double-release and
// leaked leases are correctness bugs, so the once-guard is structural, not
// a caller convention.
type Lease struct {
	tracker  *BudgetTracker
	tenantID string
	taskID   string
	once     sync.Once
}

// NewBudgetTracker creates a tracker enforcing the given per-tenant
// concurrent running-task limit.
func NewBudgetTracker(tenantLimit int) *BudgetTracker {
	return &BudgetTracker{
		limit:   tenantLimit,
		tenants: make(map[string]*tenantLedger),
		tasks:   make(map[string]*taskUsage),
	}
}

// Admit atomically checks and increments the tenant's running-task counter.
// Returns domain.ErrQuotaExceeded when the tenant is at the limit; no state
// changes in that case.
func (bt *BudgetTracker) Admit(tenantID string) (*Lease, error) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	led := bt.tenants[tenantID]
	if led == nil {
		led = &tenantLedger{}
		bt.tenants[tenantID] = led
	}
	if led.running >= bt.limit {
		return nil, fmt.Errorf("tenant %s has %d running tasks: %w", tenantID, led.running, domain.ErrQuotaExceeded)
	}
	led.running++
	return &Lease{tracker: bt, tenantID: tenantID}, nil
}

// Bind associates the lease with a created task and registers the task's
// cost ceiling for subsequent Charge calls.
func (l *Lease) Bind(taskID string, costLimit float64) {
	l.tracker.mu.Lock()
	defer l.tracker.mu.Unlock()
	l.taskID = taskID
	l.tracker.tasks[taskID] = &taskUsage{tenantID: l.tenantID, costLimit: costLimit}
}

// Release decrements the tenant counter and drops the task's usage record.
// Safe to call any number of times; only the first has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.tracker.mu.Lock()
		defer l.tracker.mu.Unlock()
		if led := l.tracker.tenants[l.tenantID]; led != nil && led.running > 0 {
			led.running--
		}
		delete(l.tracker.tasks, l.taskID)
	})
}

// Charge accumulates token and cost consumption for a task and its tenant.
// Returns true when the task's nonzero cost limit has been crossed; the
// exceeded flag latches, so every call after the first crossing also
// returns true.
func (bt *BudgetTracker) Charge(taskID string, tokensIn, tokensOut int64, costUSD float64) (exceeded bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	u := bt.tasks[taskID]
	if u == nil {
		return false
	}
	u.tokensIn += tokensIn
	u.tokensOut += tokensOut
	u.costUSD += costUSD
	if led := bt.tenants[u.tenantID]; led != nil {
		led.tokensIn += tokensIn
		led.tokensOut += tokensOut
		led.costUSD += costUSD
	}
	if u.costLimit > 0 && u.costUSD > u.costLimit {
		u.exceeded = true
	}
	return u.exceeded
}

// Usage returns the accumulated consumption for a task. The second return
// value reports whether the task is still tracked; released tasks are not.
func (bt *BudgetTracker) Usage(taskID string) (task.CostBreakdown, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	u := bt.tasks[taskID]
	if u == nil {
		return task.CostBreakdown{}, false
	}
	return task.CostBreakdown{TokensIn: u.tokensIn, TokensOut: u.tokensOut, CostUSD: u.costUSD}, true
}

// Exceeded reports whether the task's accrued cost has crossed its nonzero
// limit. The flag latches on the crossing Charge call.
func (bt *BudgetTracker) Exceeded(taskID string) bool {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	u := bt.tasks[taskID]
	return u != nil && u.exceeded
}

// Running returns the tenant's current running-task count.
func (bt *BudgetTracker) Running(tenantID string) int {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if led := bt.tenants[tenantID]; led != nil {
		return led.running
	}
	return 0
}
