package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/port/database"
)

// TraceJanitor deletes traces past their retention window on a fixed sweep
// interval. Results are never swept; only traces have a retention bound.
type TraceJanitor struct {
	store database.Store
	cfg   *config.Trace

	now func() time.Time
}

// NewTraceJanitor creates a TraceJanitor.
func NewTraceJanitor(store database.Store, cfg *config.Trace) *TraceJanitor {
	return &TraceJanitor{store: store, cfg: cfg, now: time.Now}
}

// Run sweeps until ctx is canceled. Blocks; run it on its own goroutine.
func (j *TraceJanitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass.
func (j *TraceJanitor) Sweep(ctx context.Context) {
	cutoff := j.now().UTC().Add(-j.cfg.Retention)
	n, err := j.store.DeleteTracesBefore(ctx, cutoff)
	if err != nil {
		slog.Error("trace retention sweep", "error", err)
		return
	}
	if n > 0 {
		slog.Info("trace retention sweep", "deleted", n, "cutoff", cutoff)
	}
}
