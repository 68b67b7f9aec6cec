package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/itskum47/crucible/internal/dispatcher"
	"github.com/itskum47/crucible/internal/durable"
	"github.com/itskum47/crucible/internal/ephemeral"
	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/eventbus"
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

// fakeDriver is a minimal sandbox.Driver stub for watcher tests.
type fakeDriver struct {
	result     sandbox.WaitResult
	waitDelay  time.Duration
	logChunks  [][]byte
	destroyed  bool
}

func (f *fakeDriver) Create(ctx context.Context, code, language string, limits sandbox.Limits) (*sandbox.Handle, error) {
	return &sandbox.Handle{Backend: "fake", SandboxID: "sb-1"}, nil
}
func (f *fakeDriver) Start(ctx context.Context, h *sandbox.Handle) error { return nil }
func (f *fakeDriver) Wait(ctx context.Context, h *sandbox.Handle, timeout time.Duration) (sandbox.WaitResult, error) {
	if f.waitDelay > 0 {
		select {
		case <-time.After(f.waitDelay):
		case <-ctx.Done():
			return sandbox.WaitResult{}, ctx.Err()
		}
	}
	return f.result, nil
}
func (f *fakeDriver) StreamLogs(ctx context.Context, h *sandbox.Handle) (<-chan []byte, error) {
	out := make(chan []byte, len(f.logChunks))
	for _, c := range f.logChunks {
		out <- c
	}
	close(out)
	return out, nil
}
func (f *fakeDriver) Kill(ctx context.Context, h *sandbox.Handle) error { return nil }
func (f *fakeDriver) Destroy(ctx context.Context, h *sandbox.Handle) error {
	f.destroyed = true
	return nil
}
func (f *fakeDriver) Alive(ctx context.Context, h *sandbox.Handle) bool { return !f.destroyed }

func setup(t *testing.T) (*Watcher, *durable.MemoryStore, *pool.Pool) {
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
	w := New(eph, rec, eventbus.NewLogPublisher())
	return w, d, p
}

func TestSuperviseNormalExitPublishesCompleted(t *testing.T) {
	w, d, p := setup(t)
	ctx := context.Background()

	e := evalmodel.NewEvaluation(time.Now(), "print(1)", "python", evalmodel.PriorityNormal, 5*time.Second, nil)
	e.Status = evalmodel.StatusRunning
	slotID, _ := p.TryReserve(e.ID)
	e.ExecutorSlot = slotID
	_ = d.UpsertEvaluation(ctx, e)

	drv := &fakeDriver{result: sandbox.WaitResult{ExitCode: 0, Reason: sandbox.ReasonNormal}, logChunks: [][]byte{[]byte("hello\n")}}
	h := dispatcher.Handoff{EvalID: e.ID, Driver: drv, Handle: &sandbox.Handle{SandboxID: "sb-1"}, SlotID: slotID, Limits: sandbox.Limits{Timeout: 2 * time.Second}}

	w.Supervise(ctx, h)

	got, _ := d.GetEvaluation(ctx, e.ID)
	if got.Status != evalmodel.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.Cause != "ok" {
		t.Fatalf("expected cause ok, got %s", got.Cause)
	}
	if !drv.destroyed {
		t.Fatal("expected driver.Destroy to be called")
	}
}

func TestSuperviseOOMPublishesFailedWithMemoryLimitCause(t *testing.T) {
	w, d, p := setup(t)
	ctx := context.Background()

	e := evalmodel.NewEvaluation(time.Now(), "print(1)", "python", evalmodel.PriorityNormal, 5*time.Second, nil)
	e.Status = evalmodel.StatusRunning
	slotID, _ := p.TryReserve(e.ID)
	e.ExecutorSlot = slotID
	_ = d.UpsertEvaluation(ctx, e)

	drv := &fakeDriver{result: sandbox.WaitResult{ExitCode: 137, Reason: sandbox.ReasonOOM}}
	h := dispatcher.Handoff{EvalID: e.ID, Driver: drv, Handle: &sandbox.Handle{SandboxID: "sb-1"}, SlotID: slotID, Limits: sandbox.Limits{Timeout: 2 * time.Second}}

	w.Supervise(ctx, h)

	got, _ := d.GetEvaluation(ctx, e.ID)
	if got.Status != evalmodel.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Cause != "memory_limit" {
		t.Fatalf("expected cause memory_limit, got %s", got.Cause)
	}
}

func TestClassifyExitCodeMapping(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{0, "ok"},
		{137, "memory_limit"},
		{143, "cancelled_or_terminated"},
		{124, "timeout"},
		{1, "generic_error"},
		{42, "exit:42"},
	}
	for _, c := range cases {
		_, _, cause := classify(sandbox.WaitResult{ExitCode: c.code, Reason: sandbox.ReasonNormal}, nil)
		if cause != c.want {
			t.Errorf("exit code %d: got cause %q, want %q", c.code, cause, c.want)
		}
	}
}
