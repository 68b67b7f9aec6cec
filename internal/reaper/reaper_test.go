package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/crucible/internal/durable"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/pool"
	"github.com/itskum47/crucible/internal/reconciler"
	"github.com/itskum47/crucible/internal/sandbox"
	"github.com/itskum47/crucible/internal/statemachine"
)

const transitionsFixture = `
terminal: [completed, failed, cancelled, timeout]
transitions:
  submitted: [queued, failed, cancelled]
  queued: [provisioning, failed, cancelled]
  provisioning: [running, completed, failed, cancelled]
  running: [completed, failed, timeout, cancelled]
  completed: []
  failed: []
  cancelled: []
  timeout: []
`

func setup(t *testing.T) (*Reaper, *durable.MemoryStore, *ephemeral.Store, *pool.Pool) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	eph, err := ephemeral.New(context.Background(), mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("ephemeral: %v", err)
	}

	path := filepath.Join(t.TempDir(), "transitions.yaml")
	if err := os.WriteFile(path, []byte(transitionsFixture), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	sm, err := statemachine.Load(path)
	if err != nil {
		t.Fatalf("load statemachine: %v", err)
	}

	d := durable.NewMemoryStore()
	p := pool.New(2)
	rec := reconciler.New(d, nil, eph, p, sm, 10*1024)
	reg := sandbox.NewRegistry()
	rp := New(d, eph, p, rec, reg, 2*time.Minute)
	return rp, d, eph, p
}

func TestSweepReleasesTerminalRunningRecord(t *testing.T) {
	rp, d, eph, p := setup(t)
	ctx := context.Background()

	e := evalmodel.NewEvaluation(time.Now(), "print(1)", "python", evalmodel.PriorityNormal, 10*time.Second, nil)
	e.Status = evalmodel.StatusCompleted
	slotID, _ := p.TryReserve(e.ID)
	e.ExecutorSlot = slotID
	_ = d.UpsertEvaluation(ctx, e)
	_ = eph.PutRunning(ctx, e.ID, ephemeral.RunningRecord{SlotID: slotID})

	rp.Sweep(ctx)

	rec, err := eph.GetRunning(ctx, e.ID)
	if err != nil {
		t.Fatalf("get_running: %v", err)
	}
	if rec != nil {
		t.Fatal("expected running record to be released for an already-terminal evaluation")
	}
	snap := p.Snapshot()
	if snap[slotID] != "" {
		t.Fatalf("expected slot %s released", slotID)
	}
}

func TestSweepOrphansStaleNonTerminal(t *testing.T) {
	rp, d, eph, _ := setup(t)
	ctx := context.Background()

	e := evalmodel.NewEvaluation(time.Now().Add(-10*time.Minute), "print(1)", "python", evalmodel.PriorityNormal, 10*time.Second, nil)
	e.Status = evalmodel.StatusProvisioning
	e.CreatedAt = time.Now().Add(-10 * time.Minute)
	_ = d.UpsertEvaluation(ctx, e)
	_ = eph.MarkActive(ctx, e.ID)

	rp.Sweep(ctx)

	got, _ := d.GetEvaluation(ctx, e.ID)
	if got.Status != evalmodel.StatusFailed {
		t.Fatalf("expected orphaned evaluation marked failed, got %s", got.Status)
	}
	if got.Cause != "orphaned" {
		t.Fatalf("expected cause orphaned, got %s", got.Cause)
	}
}

func TestSweepLeavesFreshNonTerminalAlone(t *testing.T) {
	rp, d, eph, _ := setup(t)
	ctx := context.Background()

	e := evalmodel.NewEvaluation(time.Now(), "print(1)", "python", evalmodel.PriorityNormal, 10*time.Second, nil)
	e.Status = evalmodel.StatusProvisioning
	_ = d.UpsertEvaluation(ctx, e)
	_ = eph.MarkActive(ctx, e.ID)

	rp.Sweep(ctx)

	got, _ := d.GetEvaluation(ctx, e.ID)
	if got.Status != evalmodel.StatusProvisioning {
		t.Fatalf("expected fresh evaluation left alone, got %s", got.Status)
	}
}
