// Package reconciler implements the storage reconciler (C8): the only
// component that mutates the durable evaluation record. It is
// single-writer per evaluation id, enforced by a per-id lock, and every
// write is guarded by the state machine, which is what makes replaying
// any prefix of the event stream converge to the same final durable
// state.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/itskum47/crucible/internal/durable"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/observability"
	"github.com/itskum47/crucible/internal/pool"
	"github.com/itskum47/crucible/internal/statemachine"
)

// Reconciler is the sole writer to the durable store.
type Reconciler struct {
	durable     durable.Store
	objectStore durable.ObjectStore
	ephemeral   *ephemeral.Store
	pool        *pool.Pool
	sm          *statemachine.Machine

	largeOutputThreshold int64

	// activeIDs enforces single-writer-per-id exclusivity: if this
	// reconciler instance is already processing an id, a concurrent
	// call for the same id is skipped rather than queued.
	mu        sync.Mutex
	activeIDs map[string]bool
}

func New(d durable.Store, obj durable.ObjectStore, eph *ephemeral.Store, p *pool.Pool, sm *statemachine.Machine, largeOutputThreshold int64) *Reconciler {
	return &Reconciler{
		durable:              d,
		objectStore:          obj,
		ephemeral:            eph,
		pool:                 p,
		sm:                   sm,
		largeOutputThreshold: largeOutputThreshold,
		activeIDs:            make(map[string]bool),
	}
}

// Durable exposes the durable store for callers (the dispatcher) that
// need a read-only lookup outside the reconcile path, e.g. to resolve
// an evaluation's language before creating its sandbox.
func (r *Reconciler) Durable() durable.Store { return r.durable }

func (r *Reconciler) tryLock(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.activeIDs[id] {
		return false
	}
	r.activeIDs[id] = true
	return true
}

func (r *Reconciler) unlock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.activeIDs, id)
}

// ApplyEvent is the main C8 entry point: consumes one lifecycle event,
// computes the proposed target status, validates the transition, and
// if valid, updates the durable record and — if the new status is
// terminal — releases the slot and clears ephemeral keys, in that
// order, so a crash between them is recoverable by the reaper.
func (r *Reconciler) ApplyEvent(ctx context.Context, evt evalmodel.LifecycleEvent) error {
	if !r.tryLock(evt.EvalID) {
		return nil // another apply for this id is already in flight; skip, don't queue
	}
	defer r.unlock(evt.EvalID)

	target, ok := targetStatus(evt.Type)
	if !ok {
		return nil // non-status-changing event (e.g. log_chunk) handled elsewhere
	}

	current, err := r.durable.GetEvaluation(ctx, evt.EvalID)
	if err != nil {
		return fmt.Errorf("load evaluation %s: %w", evt.EvalID, err)
	}
	if current == nil {
		log.Printf("[RECONCILE] dropping event for unknown evaluation %s", evt.EvalID)
		observability.ReconcilerDroppedEvents.WithLabelValues("unknown_id").Inc()
		return nil
	}

	ok, reason := r.sm.ValidateTransition(current.Status, target)
	if !ok {
		// This is the mechanism that absorbs duplicates and
		// out-of-order arrivals: a late `running` after `completed`,
		// or a terminal event replayed twice, is simply dropped.
		log.Printf("[RECONCILE] dropping event %s for %s: %s", evt.Type, evt.EvalID, reason)
		observability.ReconcilerDroppedEvents.WithLabelValues("invalid_transition").Inc()
		return nil
	}

	applyEventFields(current, evt, target)

	if target == evalmodel.StatusCompleted || target == evalmodel.StatusFailed {
		r.externalizeIfLarge(ctx, current)
	}

	if err := r.durable.UpsertEvaluation(ctx, current); err != nil {
		return fmt.Errorf("upsert evaluation %s: %w", evt.EvalID, err)
	}
	observability.ReconcilerTransitions.WithLabelValues(string(target)).Inc()

	if r.sm.IsTerminal(target) {
		r.releaseOnTerminal(ctx, current)
	}
	return nil
}

// releaseOnTerminal performs the side effects deliberately after the
// durable write: pool.release, ephemeral.delete_running,
// ephemeral.clear_pending. A crash between the durable write and these
// calls is recoverable by the reaper's sweep of running records whose
// durable status is already terminal.
func (r *Reconciler) releaseOnTerminal(ctx context.Context, e *evalmodel.Evaluation) {
	if e.ExecutorSlot != "" {
		if err := r.pool.Release(e.ExecutorSlot, e.ID); err != nil {
			log.Printf("[RECONCILE] slot release conflict for %s: %v", e.ID, err)
		}
	}
	if err := r.ephemeral.DeleteRunning(ctx, e.ID); err != nil {
		log.Printf("[RECONCILE] delete_running failed for %s: %v", e.ID, err)
	}
	if err := r.ephemeral.ClearPending(ctx, e.ID); err != nil {
		log.Printf("[RECONCILE] clear_pending failed for %s: %v", e.ID, err)
	}
	if err := r.ephemeral.ClearActive(ctx, e.ID); err != nil {
		log.Printf("[RECONCILE] clear_active failed for %s: %v", e.ID, err)
	}
}

// IsTerminalStatus reports whether status has no outgoing transitions,
// delegating to the state machine so callers never need their own copy
// of the terminal set.
func (r *Reconciler) IsTerminalStatus(status evalmodel.Status) bool {
	return r.sm.IsTerminal(status)
}

func (r *Reconciler) externalizeIfLarge(ctx context.Context, e *evalmodel.Evaluation) {
	if r.objectStore == nil {
		return
	}
	if int64(len(e.Stdout)) > r.largeOutputThreshold {
		ref, err := r.objectStore.Put(ctx, e.ID+".stdout", []byte(e.Stdout))
		if err == nil {
			e.StdoutRef = ref
			e.Stdout = string(durable.Preview([]byte(e.Stdout), int(r.largeOutputThreshold)))
		}
	}
	if int64(len(e.Stderr)) > r.largeOutputThreshold {
		ref, err := r.objectStore.Put(ctx, e.ID+".stderr", []byte(e.Stderr))
		if err == nil {
			e.StderrRef = ref
			e.Stderr = string(durable.Preview([]byte(e.Stderr), int(r.largeOutputThreshold)))
		}
	}
}

// TransitionQueuedToProvisioning performs the dispatcher's step-2
// guarded write directly (not via the event bus), so that redelivered
// or duplicated queue pulls of the same task become no-ops: the
// second caller's ValidateTransition fails because the first already
// moved the record out of `queued`.
func (r *Reconciler) TransitionQueuedToProvisioning(ctx context.Context, id string) (bool, error) {
	if !r.tryLock(id) {
		return false, nil
	}
	defer r.unlock(id)

	e, err := r.durable.GetEvaluation(ctx, id)
	if err != nil {
		return false, fmt.Errorf("load evaluation %s: %w", id, err)
	}
	if e == nil {
		return false, fmt.Errorf("evaluation %s not found", id)
	}
	ok, _ := r.sm.ValidateTransition(e.Status, evalmodel.StatusProvisioning)
	if !ok {
		return false, nil
	}
	e.Status = evalmodel.StatusProvisioning
	if err := r.durable.UpsertEvaluation(ctx, e); err != nil {
		return false, fmt.Errorf("upsert evaluation %s: %w", id, err)
	}
	if err := r.ephemeral.MarkActive(ctx, id); err != nil {
		log.Printf("[RECONCILE] mark_active failed for %s: %v", id, err)
	}
	observability.ReconcilerTransitions.WithLabelValues(string(evalmodel.StatusProvisioning)).Inc()
	return true, nil
}

// SetExecutorSlot records the slot and sandbox id the dispatcher just
// bound to a provisioning evaluation. This does not go through
// ValidateTransition — it does not change Status — but it does use the
// same per-id lock so it never races the event-driven path.
func (r *Reconciler) SetExecutorSlot(ctx context.Context, id, slotID, sandboxID string) error {
	if !r.tryLock(id) {
		return nil
	}
	defer r.unlock(id)

	e, err := r.durable.GetEvaluation(ctx, id)
	if err != nil {
		return fmt.Errorf("load evaluation %s: %w", id, err)
	}
	if e == nil {
		return fmt.Errorf("evaluation %s not found", id)
	}
	e.ExecutorSlot = slotID
	e.SandboxID = sandboxID
	return r.durable.UpsertEvaluation(ctx, e)
}

func targetStatus(t evalmodel.EventType) (evalmodel.Status, bool) {
	switch t {
	case evalmodel.EventQueued:
		return evalmodel.StatusQueued, true
	case evalmodel.EventProvisioning:
		return evalmodel.StatusProvisioning, true
	case evalmodel.EventRunning:
		return evalmodel.StatusRunning, true
	case evalmodel.EventCompleted:
		return evalmodel.StatusCompleted, true
	case evalmodel.EventFailed:
		return evalmodel.StatusFailed, true
	case evalmodel.EventTimeout:
		return evalmodel.StatusTimeout, true
	default:
		return "", false
	}
}

func applyEventFields(e *evalmodel.Evaluation, evt evalmodel.LifecycleEvent, target evalmodel.Status) {
	e.Status = target
	e.Cause = evt.Cause
	switch target {
	case evalmodel.StatusRunning:
		e.StartedAt = evt.Timestamp
		e.SandboxID = evt.SandboxID
	case evalmodel.StatusCompleted, evalmodel.StatusFailed, evalmodel.StatusTimeout:
		if e.StartedAt.IsZero() {
			e.StartedAt = evt.Timestamp // provisioning -> completed race edge
		}
		e.CompletedAt = evt.Timestamp
		e.ExitCode = evt.ExitCode
		e.Stdout = evt.Stdout
		e.Stderr = evt.Stderr
	case evalmodel.StatusCancelled:
		e.CompletedAt = evt.Timestamp
	}
}
