// Package reaper implements the orphan reaper (C9): a periodic sweep
// that repairs invariant violations left behind by a crashed
// dispatcher/watcher/reconciler instance. It never transitions a
// durable record directly — every repair goes through the state
// machine via the reconciler, the same guard every other writer uses.
// A ticking loop logs aggregate success/fail/skip counts per pass.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/itskum47/crucible/internal/durable"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/observability"
	"github.com/itskum47/crucible/internal/pool"
	"github.com/itskum47/crucible/internal/reconciler"
	"github.com/itskum47/crucible/internal/sandbox"
)

// Reaper sweeps for three invariant violations: a running record whose
// durable status is already terminal (crash after the durable write,
// before the ephemeral cleanup); a durable record stuck non-terminal
// past its grace window with no running record (crash before the
// watcher ever got to publish); and a pool slot whose sandbox handle
// the driver no longer considers alive.
type Reaper struct {
	durable    durable.Store
	ephemeral  *ephemeral.Store
	pool       *pool.Pool
	reconciler *reconciler.Reconciler
	registry   *sandbox.Registry

	graceWindow time.Duration
}

func New(d durable.Store, eph *ephemeral.Store, p *pool.Pool, rec *reconciler.Reconciler, reg *sandbox.Registry, graceWindow time.Duration) *Reaper {
	return &Reaper{durable: d, ephemeral: eph, pool: p, reconciler: rec, registry: reg, graceWindow: graceWindow}
}

// Run ticks the sweep until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exported so cmd/crucible and tests can
// trigger an out-of-band sweep.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweepRunningAgainstTerminal(ctx)
	r.sweepStaleNonTerminal(ctx)
	r.sweepDeadSlots(ctx)
}

// sweepRunningAgainstTerminal releases any running record whose
// durable status has already moved to a terminal state — the crash
// window between the reconciler's durable write and its own
// delete_running call.
func (r *Reaper) sweepRunningAgainstTerminal(ctx context.Context) {
	ids, err := r.ephemeral.ListRunning(ctx)
	if err != nil {
		log.Printf("[REAP] list_running failed: %v", err)
		return
	}
	for _, id := range ids {
		e, err := r.durable.GetEvaluation(ctx, id)
		if err != nil || e == nil {
			continue
		}
		if !r.reconciler.IsTerminalStatus(e.Status) {
			continue
		}
		if e.ExecutorSlot != "" {
			_ = r.pool.Release(e.ExecutorSlot, id)
		}
		if err := r.ephemeral.DeleteRunning(ctx, id); err != nil {
			log.Printf("[REAP] delete_running failed for %s: %v", id, err)
			continue
		}
		_ = r.ephemeral.ClearPending(ctx, id)
		observability.ReaperRepairs.WithLabelValues("released_terminal_slot").Inc()
		log.Printf("[REAP] released slot for already-terminal evaluation %s", id)
	}
}

// sweepStaleNonTerminal finds durable records stuck non-terminal with
// no corresponding running record — the crash window before the
// watcher ever observed the sandbox — and transitions them to failed
// with cause "orphaned" once they exceed the grace window, so a
// submission never hangs forever because its owning process died.
func (r *Reaper) sweepStaleNonTerminal(ctx context.Context) {
	running, err := r.ephemeral.ListRunning(ctx)
	if err != nil {
		log.Printf("[REAP] list_running failed: %v", err)
		return
	}
	runningSet := make(map[string]bool, len(running))
	for _, id := range running {
		runningSet[id] = true
	}

	active, err := r.ephemeral.ListActive(ctx)
	if err != nil {
		log.Printf("[REAP] list_active failed: %v", err)
		return
	}
	for _, id := range active {
		if runningSet[id] {
			continue
		}
		e, err := r.durable.GetEvaluation(ctx, id)
		if err != nil || e == nil {
			continue
		}
		if r.reconciler.IsTerminalStatus(e.Status) {
			continue
		}
		reference := e.StartedAt
		if reference.IsZero() {
			reference = e.CreatedAt
		}
		if time.Since(reference) < r.graceWindow {
			continue
		}
		if err := r.reconciler.ApplyEvent(ctx, evalmodel.LifecycleEvent{
			EvalID:    id,
			Type:      evalmodel.EventFailed,
			Timestamp: time.Now(),
			ExitCode:  -1,
			Cause:     "orphaned",
		}); err != nil {
			log.Printf("[REAP] orphan transition failed for %s: %v", id, err)
			continue
		}
		observability.ReaperRepairs.WithLabelValues("orphaned_timeout").Inc()
		log.Printf("[REAP] marked stale evaluation %s orphaned (no activity for %v)", id, r.graceWindow)
	}
}

// sweepDeadSlots frees any pool slot whose sandbox handle the owning
// backend no longer considers alive, so a driver crash does not
// permanently leak a slot.
func (r *Reaper) sweepDeadSlots(ctx context.Context) {
	snap := r.pool.Snapshot()
	for slotID, evalID := range snap {
		if evalID == "" {
			continue
		}
		e, err := r.durable.GetEvaluation(ctx, evalID)
		if err != nil || e == nil || e.SandboxID == "" {
			continue
		}
		driver, _, err := r.registry.Resolve(e.Language)
		if err != nil {
			continue
		}
		handle := &sandbox.Handle{SandboxID: e.SandboxID}
		if driver.Alive(ctx, handle) {
			continue
		}
		r.pool.MarkUnhealthy(slotID)
		_ = r.pool.Release(slotID, evalID)
		observability.ReaperRepairs.WithLabelValues("freed_dead_slot").Inc()
		log.Printf("[REAP] freed dead slot %s held by %s", slotID, evalID)
	}
}
