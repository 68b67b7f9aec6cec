package execbackend

import (
	"context"
	"testing"
	"time"

	"github.com/itskum47/crucible/internal/sandbox"
)

func TestCreateStartWaitRunsSubprocessToCompletion(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	h, err := d.Create(ctx, "echo hello world", "sh", sandbox.Limits{Timeout: time.Second})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := d.Wait(ctx, h, time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Reason != sandbox.ReasonNormal || result.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}

	logs, err := d.StreamLogs(ctx, h)
	if err != nil {
		t.Fatalf("stream logs: %v", err)
	}
	var saw bool
	for chunk := range logs {
		if string(chunk) != "" {
			saw = true
		}
	}
	if !saw {
		t.Fatal("expected at least one non-empty log chunk")
	}

	if err := d.Destroy(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
}

func TestCreateRejectsUnknownLanguage(t *testing.T) {
	d := New(t.TempDir())
	_, err := d.Create(context.Background(), "whatever", "cobol", sandbox.Limits{})
	if err != sandbox.ErrUnsupportedLanguage {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestWaitTimesOutAndKillsLongRunningProcess(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	h, err := d.Create(ctx, "sleep 5", "sh", sandbox.Limits{Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("start: %v", err)
	}

	result, err := d.Wait(ctx, h, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if result.Reason != sandbox.ReasonTimeout {
		t.Fatalf("expected a timeout result, got %+v", result)
	}
	if d.Alive(ctx, h) {
		t.Fatal("expected the killed process to no longer be alive")
	}
}

func TestKillIsIdempotentOnUnknownOrFinishedSandbox(t *testing.T) {
	d := New(t.TempDir())
	ctx := context.Background()

	h, err := d.Create(ctx, "true", "sh", sandbox.Limits{Timeout: time.Second})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Start(ctx, h); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := d.Wait(ctx, h, time.Second); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := d.Kill(ctx, h); err != nil {
		t.Fatalf("expected killing an already-finished sandbox to be a no-op, got %v", err)
	}
}

func TestDestroyOnUnknownSandboxSucceeds(t *testing.T) {
	d := New(t.TempDir())
	if err := d.Destroy(context.Background(), &sandbox.Handle{SandboxID: "never-created"}); err != nil {
		t.Fatalf("expected destroy to be a no-op for an unknown handle, got %v", err)
	}
}
