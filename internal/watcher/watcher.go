// Package watcher implements the lifecycle watcher (C7): for every
// sandbox the dispatcher hands off, concurrently wait for it to exit
// and stream its logs, then publish the terminal lifecycle event and
// guarantee the sandbox is destroyed. The two concurrent legs (wait,
// stream_logs) run via errgroup for the lifetime of the sandbox.
package watcher

import (
	"context"
	"log"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/crucible/internal/dispatcher"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
	"github.com/itskum47/crucible/internal/observability"
	"github.com/itskum47/crucible/internal/reconciler"
	"github.com/itskum47/crucible/internal/sandbox"
)

// slack is added to a sandbox's own timeout to bound how long the
// watcher itself waits before declaring the wait abandoned; the
// sandbox driver enforces the real timeout; this is a backstop.
const slack = 5 * time.Second

const logBufferCap = 64 * 1024 / 256 // ring-buffer entries, matching the default log_buffer_size in 256B chunks

// Watcher supervises handed-off sandboxes through to a terminal event.
type Watcher struct {
	ephemeral  *ephemeral.Store
	reconciler *reconciler.Reconciler
	publisher  eventbus.Publisher
}

func New(eph *ephemeral.Store, rec *reconciler.Reconciler, pub eventbus.Publisher) *Watcher {
	return &Watcher{ephemeral: eph, reconciler: rec, publisher: pub}
}

// Supervise blocks until h's sandbox reaches a terminal state,
// publishing the terminal event and releasing the sandbox. Intended to
// be run in its own goroutine per handoff by the caller (cmd/crucible).
func (w *Watcher) Supervise(ctx context.Context, h dispatcher.Handoff) {
	waitCtx, cancel := context.WithTimeout(ctx, h.Limits.Timeout+slack)
	defer cancel()
	started := time.Now()

	var result sandbox.WaitResult
	g, gctx := errgroup.WithContext(waitCtx)

	g.Go(func() error {
		var err error
		result, err = h.Driver.Wait(gctx, h.Handle, h.Limits.Timeout)
		return err
	})
	g.Go(func() error {
		w.streamLogs(gctx, h)
		return nil
	})

	err := g.Wait()
	if err != nil {
		log.Printf("[WATCH] wait failed for %s: %v", h.EvalID, err)
	}

	// Destroy must happen regardless of how Wait/StreamLogs ended.
	if derr := h.Driver.Destroy(ctx, h.Handle); derr != nil {
		log.Printf("[WATCH] destroy failed for %s: %v", h.EvalID, derr)
	}

	stdout, rerr := w.ephemeral.ReadLogs(ctx, h.EvalID)
	if rerr != nil {
		log.Printf("[WATCH] read_logs failed for %s: %v", h.EvalID, rerr)
	}

	evtType, exitCode, cause := classify(result, err)
	observability.WatcherTerminalEvents.WithLabelValues(string(evtType), cause).Inc()
	observability.TaskRuntimeSeconds.Observe(time.Since(started).Seconds())

	w.publishTerminal(ctx, h, evtType, exitCode, cause, stdout)
}

func (w *Watcher) streamLogs(ctx context.Context, h dispatcher.Handoff) {
	chunks, err := h.Driver.StreamLogs(ctx, h.Handle)
	if err != nil {
		log.Printf("[WATCH] stream_logs unavailable for %s: %v", h.EvalID, err)
		return
	}
	for chunk := range chunks {
		if err := w.ephemeral.AppendLogs(ctx, h.EvalID, chunk, logBufferCap); err != nil {
			log.Printf("[WATCH] append_logs failed for %s: %v", h.EvalID, err)
		}
	}
}

// classify maps a driver WaitResult (plus any errgroup error) to the
// lifecycle event type, exit code, and cause string, per the exit-code
// table: 0 -> ok, 137 -> memory_limit, 143 ->
// cancelled_or_terminated, 124 -> timeout, 1 -> generic_error, else
// exit:{code}.
func classify(r sandbox.WaitResult, waitErr error) (evalmodel.EventType, int, string) {
	if waitErr != nil && waitErr == context.DeadlineExceeded {
		return evalmodel.EventTimeout, r.ExitCode, "timeout"
	}
	switch r.Reason {
	case sandbox.ReasonTimeout:
		return evalmodel.EventTimeout, r.ExitCode, "timeout"
	case sandbox.ReasonKilled:
		return evalmodel.EventFailed, r.ExitCode, "cancelled_or_terminated"
	case sandbox.ReasonOOM:
		return evalmodel.EventFailed, r.ExitCode, "memory_limit"
	}
	if r.ExitCode != 0 {
		return evalmodel.EventFailed, r.ExitCode, causeForExitCode(r.ExitCode)
	}
	return evalmodel.EventCompleted, r.ExitCode, causeForExitCode(r.ExitCode)
}

func causeForExitCode(code int) string {
	switch code {
	case 0:
		return "ok"
	case 137:
		return "memory_limit"
	case 143:
		return "cancelled_or_terminated"
	case 124:
		return "timeout"
	case 1:
		return "generic_error"
	default:
		return "exit:" + strconv.Itoa(code)
	}
}

func (w *Watcher) publishTerminal(ctx context.Context, h dispatcher.Handoff, evtType evalmodel.EventType, exitCode int, cause, stdout string) {
	seq, err := w.ephemeral.NextSeq(ctx, h.EvalID)
	if err != nil {
		log.Printf("[WATCH] next_seq failed for %s: %v", h.EvalID, err)
	}
	evt := evalmodel.LifecycleEvent{
		EvalID:    h.EvalID,
		Type:      evtType,
		Seq:       seq,
		Timestamp: time.Now(),
		ExitCode:  exitCode,
		Cause:     cause,
		Stdout:    stdout,
		SandboxID: h.Handle.SandboxID,
		SlotID:    h.SlotID,
	}
	if err := w.publisher.Publish(ctx, evt); err != nil {
		log.Printf("[WATCH] publish terminal event failed for %s: %v", h.EvalID, err)
		observability.EventPublishFailures.WithLabelValues(string(evtType)).Inc()
	}
	// Apply directly too: the event bus is best-effort, but the
	// reconciler must see every terminal transition even if no
	// subscriber is listening (e.g. LogPublisher in dev mode).
	if err := w.reconciler.ApplyEvent(ctx, evt); err != nil {
		log.Printf("[WATCH] apply_event failed for %s: %v", h.EvalID, err)
	}
}
