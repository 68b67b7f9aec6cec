// Package execbackend is an in-process sandbox.Driver backend that
// runs a submission as a subprocess via os/exec, adapted from the
// synchronous run-then-report-result model of a remote execution
// agent into the create/start/wait/stream_logs/kill/destroy shape C4
// requires. It applies none of the memory or CPU bounds in
// sandbox.Limits and provides no isolation: the subprocess runs with
// the host's network, filesystem and privileges, and only the timeout
// passed to Wait bounds a run. dockerbackend/k8sjobbackend are the
// backends that apply resource limits and isolation.
package execbackend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/crucible/internal/sandbox"
)

// Driver runs submissions as local subprocesses under "sh -c".
type Driver struct {
	interpreters map[string]string // language -> interpreter command template
	scratchRoot  string

	mu    sync.Mutex
	procs map[string]*process
}

type process struct {
	cmd      *exec.Cmd
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	logCh    chan []byte
	done     chan struct{}
	exitCode int
	waitErr  error
	scratch  string
	interp   string
}

func New(scratchRoot string) *Driver {
	return &Driver{
		interpreters: map[string]string{
			"python": "python3 -c %s",
			"sh":     "sh -c %s",
			"bash":   "bash -c %s",
		},
		scratchRoot: scratchRoot,
		procs:       make(map[string]*process),
	}
}

func (d *Driver) Create(ctx context.Context, code, language string, limits sandbox.Limits) (*sandbox.Handle, error) {
	if _, ok := d.interpreters[language]; !ok {
		return nil, sandbox.ErrUnsupportedLanguage
	}
	id := uuid.New().String()
	scratch := fmt.Sprintf("%s/%s", d.scratchRoot, id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrResourceExhausted, err)
	}

	srcPath := fmt.Sprintf("%s/submission", scratch)
	if err := os.WriteFile(srcPath, []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("%w: %v", sandbox.ErrResourceExhausted, err)
	}

	p := &process{done: make(chan struct{}), logCh: make(chan []byte, 16), scratch: scratch, interp: d.interpreters[language]}
	d.mu.Lock()
	d.procs[id] = p
	d.mu.Unlock()

	return &sandbox.Handle{Backend: "exec", SandboxID: id}, nil
}

// Start begins execution. The teacher's Executor.Execute ran
// synchronously and reported a result over HTTP; here the subprocess
// is started asynchronously and Wait/StreamLogs observe it.
func (d *Driver) Start(ctx context.Context, h *sandbox.Handle) error {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown sandbox %s", h.SandboxID)
	}

	srcPath := fmt.Sprintf("%s/submission", p.scratch)
	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf(p.interp, `"$(cat '`+srcPath+`')"`))
	cmd.Dir = p.scratch

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	p.stdout = &stdout
	p.stderr = &stderr
	p.cmd = cmd

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", sandbox.ErrResourceExhausted, err)
	}

	go func() {
		err := cmd.Wait()
		p.waitErr = err
		p.exitCode = exitCodeOf(err)
		close(p.logCh)
		close(p.done)
	}()
	return nil
}

// exitCodeOf extracts the raw exit code via syscall.WaitStatus on the
// *exec.ExitError.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus()
		}
		return 1
	}
	return 1
}

func (d *Driver) Wait(ctx context.Context, h *sandbox.Handle, timeout time.Duration) (sandbox.WaitResult, error) {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	d.mu.Unlock()
	if !ok {
		return sandbox.WaitResult{}, fmt.Errorf("unknown sandbox %s", h.SandboxID)
	}

	select {
	case <-p.done:
		if p.exitCode == -1 {
			return sandbox.WaitResult{ExitCode: p.exitCode, Reason: sandbox.ReasonKilled}, nil
		}
		return sandbox.WaitResult{ExitCode: p.exitCode, Reason: sandbox.ReasonNormal}, nil
	case <-time.After(timeout):
		_ = d.Kill(ctx, h)
		<-p.done
		return sandbox.WaitResult{ExitCode: p.exitCode, Reason: sandbox.ReasonTimeout}, nil
	case <-ctx.Done():
		return sandbox.WaitResult{}, ctx.Err()
	}
}

// StreamLogs delivers output only after the process exits: the whole
// of stdout as one chunk, then the whole of stderr as one chunk. The
// two streams are not interleaved in arrival order.
func (d *Driver) StreamLogs(ctx context.Context, h *sandbox.Handle) (<-chan []byte, error) {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %s", h.SandboxID)
	}
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		<-p.done
		if p.stdout != nil && p.stdout.Len() > 0 {
			out <- append([]byte(nil), p.stdout.Bytes()...)
		}
		if p.stderr != nil && p.stderr.Len() > 0 {
			out <- append([]byte(nil), p.stderr.Bytes()...)
		}
	}()
	return out, nil
}

func (d *Driver) Kill(ctx context.Context, h *sandbox.Handle) error {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	d.mu.Unlock()
	if !ok || p.cmd == nil || p.cmd.Process == nil {
		return nil // idempotent
	}
	select {
	case <-p.done:
		return nil // already finished
	default:
	}
	p.exitCode = -1
	return p.cmd.Process.Kill()
}

func (d *Driver) Destroy(ctx context.Context, h *sandbox.Handle) error {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	delete(d.procs, h.SandboxID)
	d.mu.Unlock()
	if !ok {
		return nil // must succeed even if already destroyed
	}
	return os.RemoveAll(p.scratch)
}

func (d *Driver) Alive(ctx context.Context, h *sandbox.Handle) bool {
	d.mu.Lock()
	p, ok := d.procs[h.SandboxID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return p.cmd != nil && p.cmd.Process != nil
	}
}
