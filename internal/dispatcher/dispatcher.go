// Package dispatcher implements the dispatcher (C6): a ticking loop
// that pulls queued evaluations off a priority queue, reserves an
// executor slot, creates and starts a sandbox, and publishes the
// running lifecycle event, logging a decision and a per-decision
// metric at every step.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
	"github.com/itskum47/crucible/internal/observability"
	"github.com/itskum47/crucible/internal/pool"
	"github.com/itskum47/crucible/internal/queue"
	"github.com/itskum47/crucible/internal/reconciler"
	"github.com/itskum47/crucible/internal/retry"
	"github.com/itskum47/crucible/internal/sandbox"
)

// defaultCreateRatePerSecond/defaultCreateBurst bound how fast the
// dispatcher issues sandbox.Create calls, smoothing a burst of
// simultaneously-admissible evaluations instead of handing the backend
// every one of them on the same tick.
const (
	defaultCreateRatePerSecond = 20
	defaultCreateBurst         = 10
)

// Handoff is produced for every evaluation the dispatcher successfully
// starts; the watcher consumes these to supervise execution through to
// a terminal event.
type Handoff struct {
	EvalID string
	Driver sandbox.Driver
	Handle *sandbox.Handle
	SlotID string
	Limits sandbox.Limits
}

// Dispatcher owns the admit-one-evaluation-into-a-sandbox event loop.
type Dispatcher struct {
	queue       *queue.Queue
	reconciler  *reconciler.Reconciler
	pool        *pool.Pool
	registry    *sandbox.Registry
	ephemeral   *ephemeral.Store
	publisher   eventbus.Publisher
	handoffs    chan<- Handoff

	visibilityTimeout time.Duration
	backoffBase       time.Duration
	backoffCap        time.Duration

	// admission is an admission-side circuit breaker: repeated create()
	// failures (e.g. a sandbox backend that is unreachable) trip it
	// open so the dispatcher stops burning slot reservations on a
	// backend that cannot currently serve anything.
	admission *gobreaker.CircuitBreaker

	// createLimiter smooths a burst of simultaneously-queued evaluations
	// into a steady rate of sandbox.Create calls, independent of the
	// breaker: the breaker reacts to failures already happening, this
	// caps how fast the dispatcher can throw new work at the backend in
	// the first place.
	createLimiter *rate.Limiter
}

func New(
	q *queue.Queue,
	rec *reconciler.Reconciler,
	p *pool.Pool,
	reg *sandbox.Registry,
	eph *ephemeral.Store,
	pub eventbus.Publisher,
	handoffs chan<- Handoff,
	backoffBase, backoffCap time.Duration,
) *Dispatcher {
	d := &Dispatcher{
		queue:             q,
		reconciler:        rec,
		pool:              p,
		registry:          reg,
		ephemeral:         eph,
		publisher:         pub,
		handoffs:          handoffs,
		visibilityTimeout: 30 * time.Second,
		backoffBase:       backoffBase,
		backoffCap:        backoffCap,
		createLimiter:     rate.NewLimiter(rate.Limit(defaultCreateRatePerSecond), defaultCreateBurst),
	}
	d.admission = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "dispatcher_admission",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.CircuitState.WithLabelValues("admission").Set(stateValue(to))
		},
	})
	return d
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// Run ticks the dispatcher loop until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			d.processNext(ctx)
			observability.DispatcherLoopDuration.Observe(time.Since(start).Seconds())
		}
	}
}

// processNext pulls at most one task and drives it through steps 1-7
// of the dispatch sequence: pull, guarded transition, reserve slot,
// create+start sandbox, put_running, publish running, hand off to the
// watcher.
func (d *Dispatcher) processNext(ctx context.Context) {
	task := d.queue.Pull(d.visibilityTimeout)
	if task == nil {
		return
	}

	// Only the task's first attempt makes the queued->provisioning
	// transition: a retried task (Attempts > 0) is already durably
	// provisioning from its first attempt, so re-running the guarded
	// transition would see a non-"queued" current status and mistake
	// the retry for a duplicate redelivery.
	if task.Attempts == 0 {
		advanced, err := d.reconciler.TransitionQueuedToProvisioning(ctx, task.EvalID)
		if err != nil {
			log.Printf("[DISPATCH] transition queued->provisioning failed for %s: %v", task.EvalID, err)
			observability.DispatcherDecisions.WithLabelValues("transition_error").Inc()
			d.queue.Nack(task.EvalID)
			return
		}
		if !advanced {
			// Already provisioning or past it: a redelivery of an
			// already-dispatched task. Ack and drop; the watcher for the
			// original delivery owns it.
			observability.DispatcherDecisions.WithLabelValues("duplicate_skip").Inc()
			d.queue.Ack(task.EvalID)
			return
		}
	}

	slotID, ok := d.pool.TryReserve(task.EvalID)
	if !ok {
		observability.DispatcherDecisions.WithLabelValues("requeued_no_slot").Inc()
		// Drop, not Nack: Nack already re-pushes the task onto the
		// pending heap immediately, so following it with PushDelayed
		// would enqueue the same *Task twice.
		d.queue.Drop(task.EvalID)
		d.queue.PushDelayed(task, retry.Backoff(d.backoffBase, d.backoffCap, 0))
		return
	}

	handle, driver, limits, err := d.createSandbox(ctx, task)
	if err != nil {
		log.Printf("[DISPATCH] sandbox create failed for %s: %v", task.EvalID, err)
		_ = d.pool.Release(slotID, task.EvalID)
		d.pool.RecordFailure(slotID)
		d.handleDispatchFailure(ctx, task, err)
		return
	}
	d.pool.RecordSuccess(slotID)

	if err := driver.Start(ctx, handle); err != nil {
		log.Printf("[DISPATCH] sandbox start failed for %s: %v", task.EvalID, err)
		_ = driver.Destroy(ctx, handle)
		_ = d.pool.Release(slotID, task.EvalID)
		d.handleDispatchFailure(ctx, task, err)
		return
	}

	now := time.Now()
	if err := d.ephemeral.PutRunning(ctx, task.EvalID, ephemeral.RunningRecord{
		SlotID:    slotID,
		SandboxID: handle.SandboxID,
		StartTime: now,
	}); err != nil {
		log.Printf("[DISPATCH] put_running failed for %s: %v", task.EvalID, err)
	}
	if err := d.reconciler.SetExecutorSlot(ctx, task.EvalID, slotID, handle.SandboxID); err != nil {
		log.Printf("[DISPATCH] set_executor_slot failed for %s: %v", task.EvalID, err)
	}

	d.publishRunning(ctx, task.EvalID, slotID, handle.SandboxID, now)

	d.queue.Ack(task.EvalID)
	observability.DispatcherDecisions.WithLabelValues("dispatched").Inc()

	select {
	case d.handoffs <- Handoff{EvalID: task.EvalID, Driver: driver, Handle: handle, SlotID: slotID, Limits: limits}:
	case <-ctx.Done():
	}
}

// createSandbox resolves the evaluation's language to a driver+profile
// and calls Create, routed through the admission breaker so a run of
// create() failures stops admitting new work rather than burning every
// free slot on a backend that cannot serve.
func (d *Dispatcher) createSandbox(ctx context.Context, task *queue.Task) (*sandbox.Handle, sandbox.Driver, sandbox.Limits, error) {
	ev, err := d.reconciler.Durable().GetEvaluation(ctx, task.EvalID)
	if err != nil || ev == nil {
		return nil, nil, sandbox.Limits{}, fmt.Errorf("load evaluation %s: %w", task.EvalID, err)
	}

	driver, profile, err := d.registry.Resolve(ev.Language)
	if err != nil {
		return nil, nil, sandbox.Limits{}, retry.New(retry.KindValidation, err)
	}

	limits := profile.Limits
	if ev.Timeout > 0 {
		limits.Timeout = ev.Timeout
	}

	if err := d.createLimiter.Wait(ctx); err != nil {
		return nil, nil, sandbox.Limits{}, retry.New(retry.KindCancelled, err)
	}

	result, err := d.admission.Execute(func() (any, error) {
		return driver.Create(ctx, ev.Code, ev.Language, limits)
	})
	if err != nil {
		observability.SandboxCreateFailures.WithLabelValues(profile.Backend, classify(err)).Inc()
		return nil, nil, sandbox.Limits{}, err
	}
	return result.(*sandbox.Handle), driver, limits, nil
}

func classify(err error) string {
	switch {
	case err == sandbox.ErrResourceExhausted:
		return "resource_exhausted"
	case err == sandbox.ErrUnsupportedLanguage:
		return "unsupported_language"
	default:
		return "other"
	}
}

func (d *Dispatcher) publishRunning(ctx context.Context, evalID, slotID, sandboxID string, at time.Time) {
	seq, err := d.ephemeral.NextSeq(ctx, evalID)
	if err != nil {
		log.Printf("[DISPATCH] next_seq failed for %s: %v", evalID, err)
	}
	evt := evalmodel.LifecycleEvent{
		EvalID:    evalID,
		Type:      evalmodel.EventRunning,
		Seq:       seq,
		Timestamp: at,
		SlotID:    slotID,
		SandboxID: sandboxID,
	}
	if err := d.publisher.Publish(ctx, evt); err != nil {
		log.Printf("[DISPATCH] publish running event failed for %s: %v", evalID, err)
		observability.EventPublishFailures.WithLabelValues(string(evalmodel.EventRunning)).Inc()
	}
	// Apply directly too: the event bus is best-effort, and in the
	// default single-process deployment nothing else subscribes the
	// reconciler to it, so the durable record would never leave
	// provisioning if this were the only path.
	if err := d.reconciler.ApplyEvent(ctx, evt); err != nil {
		log.Printf("[DISPATCH] apply_event failed for %s: %v", evalID, err)
	}
}

// handleDispatchFailure decides whether a create/start failure gets
// retried with backoff or surfaced as a terminal failed event.
// Non-retryable kinds (validation, sandbox_failure, ...) fail
// immediately; retryable kinds (transient, resource_exhausted) get up
// to retry.MaxAttempts tries before exhaustion is itself surfaced as
// failed with cause "infrastructure".
func (d *Dispatcher) handleDispatchFailure(ctx context.Context, task *queue.Task, err error) {
	kind := retryKind(err)
	task.Attempts++

	retryable := kind == retry.KindTransient || kind == retry.KindResourceExhausted
	if retryable && task.Attempts < retry.MaxAttempts {
		observability.DispatcherDecisions.WithLabelValues("failed_create_retry").Inc()
		d.queue.Drop(task.EvalID)
		d.queue.PushDelayed(task, retry.Backoff(d.backoffBase, d.backoffCap, task.Attempts))
		return
	}

	observability.DispatcherDecisions.WithLabelValues("failed_create_terminal").Inc()
	d.queue.Ack(task.EvalID)
	d.publishFailed(ctx, task.EvalID, causeForKind(kind))
}

// retryKind classifies a create/start error into the closed set of
// kinds the rest of the control plane reasons about. registry.Resolve
// failures already arrive wrapped as *retry.Error; sandbox driver
// failures surface as the package's sentinel errors instead, and
// anything else is treated as an infrastructure problem worth
// retrying rather than failing an evaluation outright on the first
// hiccup.
func retryKind(err error) retry.Kind {
	var classified *retry.Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return retry.KindValidation
	case errors.Is(err, sandbox.ErrResourceExhausted):
		return retry.KindResourceExhausted
	default:
		return retry.KindTransient
	}
}

func causeForKind(k retry.Kind) string {
	switch k {
	case retry.KindValidation:
		return "validation"
	case retry.KindSandboxFailure:
		return "sandbox_failure"
	default:
		return "infrastructure"
	}
}

// publishFailed mirrors the watcher's publishTerminal: best-effort
// publish to the event bus, then apply directly so the durable record
// always reaches failed even with no subscriber listening.
func (d *Dispatcher) publishFailed(ctx context.Context, evalID, cause string) {
	seq, err := d.ephemeral.NextSeq(ctx, evalID)
	if err != nil {
		log.Printf("[DISPATCH] next_seq failed for %s: %v", evalID, err)
	}
	evt := evalmodel.LifecycleEvent{
		EvalID:    evalID,
		Type:      evalmodel.EventFailed,
		Seq:       seq,
		Timestamp: time.Now(),
		Cause:     cause,
	}
	if err := d.publisher.Publish(ctx, evt); err != nil {
		log.Printf("[DISPATCH] publish failed event failed for %s: %v", evalID, err)
		observability.EventPublishFailures.WithLabelValues(string(evalmodel.EventFailed)).Inc()
	}
	if err := d.reconciler.ApplyEvent(ctx, evt); err != nil {
		log.Printf("[DISPATCH] apply_event failed for %s: %v", evalID, err)
	}
}
