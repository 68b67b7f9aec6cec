package sandbox

import (
	"context"
	"testing"
	"time"
)

type fakeDriver struct{ name string }

func (f *fakeDriver) Create(ctx context.Context, code, language string, limits Limits) (*Handle, error) {
	return &Handle{Backend: f.name, SandboxID: "sb-1"}, nil
}
func (f *fakeDriver) Start(ctx context.Context, h *Handle) error { return nil }
func (f *fakeDriver) Wait(ctx context.Context, h *Handle, timeout time.Duration) (WaitResult, error) {
	return WaitResult{ExitCode: 0, Reason: ReasonNormal}, nil
}
func (f *fakeDriver) StreamLogs(ctx context.Context, h *Handle) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}
func (f *fakeDriver) Kill(ctx context.Context, h *Handle) error    { return nil }
func (f *fakeDriver) Destroy(ctx context.Context, h *Handle) error { return nil }
func (f *fakeDriver) Alive(ctx context.Context, h *Handle) bool    { return false }

func TestResolveReturnsMappedBackend(t *testing.T) {
	r := NewRegistry()
	r.RegisterBackend("exec", &fakeDriver{name: "exec"})
	r.RegisterProfile("python", BackendProfile{Backend: "exec", Limits: Limits{MemoryBytes: 1 << 20, CPUCores: 1, Timeout: time.Second}})

	d, p, err := r.Resolve("python")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.Backend != "exec" {
		t.Fatalf("expected backend exec, got %s", p.Backend)
	}
	if _, ok := d.(*fakeDriver); !ok {
		t.Fatal("expected the registered fake driver to come back")
	}
}

func TestResolveUnmappedLanguageFails(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Resolve("cobol"); err != ErrUnsupportedLanguage {
		t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
	}
}

func TestResolveProfileWithoutRegisteredDriverFails(t *testing.T) {
	r := NewRegistry()
	r.RegisterProfile("python", BackendProfile{Backend: "docker"})
	if _, _, err := r.Resolve("python"); err != ErrUnsupportedLanguage {
		t.Fatalf("expected ErrUnsupportedLanguage for a profile whose backend was never registered, got %v", err)
	}
}
