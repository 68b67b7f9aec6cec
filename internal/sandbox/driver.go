// Package sandbox implements the sandbox driver capability (C4): run
// one submission in isolation and expose its lifecycle through a
// single interface, polymorphic over backend (subprocess, Docker,
// Kubernetes Job). Backend-specific error shapes never leak past the
// Driver boundary — every backend translates its own failures into the
// WaitResult/error vocabulary below.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// WaitReason is the closed set of reasons wait() can return.
type WaitReason string

const (
	ReasonNormal  WaitReason = "normal"
	ReasonTimeout WaitReason = "timeout"
	ReasonKilled  WaitReason = "killed"
	ReasonOOM     WaitReason = "oom"
)

// Limits carries the memory, CPU and wall-clock bounds for one sandbox.
// How much of it is applied depends on the backend: execbackend
// ignores MemoryBytes and CPUCores and applies no isolation.
type Limits struct {
	MemoryBytes int64
	CPUCores    float64
	Timeout     time.Duration
}

// WaitResult is returned by Wait.
type WaitResult struct {
	ExitCode int
	Reason   WaitReason
}

// Handle identifies one created sandbox instance, opaque to callers.
type Handle struct {
	Backend   string
	SandboxID string
	native    any // backend-private state (container id, job ref, *exec.Cmd, ...)
}

var (
	// ErrResourceExhausted is returned by Create when host limits are
	// reached.
	ErrResourceExhausted = errors.New("resource_exhausted")
	// ErrUnsupportedLanguage is returned by Create when the language
	// tag has no mapped image/profile.
	ErrUnsupportedLanguage = errors.New("unsupported_language")
)

// Driver is the capability interface every backend implements.
type Driver interface {
	// Create allocates but does not start. Fails with
	// ErrResourceExhausted or ErrUnsupportedLanguage.
	Create(ctx context.Context, code, language string, limits Limits) (*Handle, error)
	// Start begins execution. After this call Wait and StreamLogs are
	// valid.
	Start(ctx context.Context, h *Handle) error
	// Wait blocks up to timeout. If the timeout elapses the driver
	// kills the sandbox and returns ReasonTimeout.
	Wait(ctx context.Context, h *Handle, timeout time.Duration) (WaitResult, error)
	// StreamLogs produces stdout+stderr (the ordering between the two
	// streams is backend-specific; see each backend); the returned
	// channel closes when the sandbox terminates and is not
	// restartable once consumed.
	StreamLogs(ctx context.Context, h *Handle) (<-chan []byte, error)
	// Kill forces termination; idempotent.
	Kill(ctx context.Context, h *Handle) error
	// Destroy releases all resources; must succeed even if the
	// sandbox was already destroyed.
	Destroy(ctx context.Context, h *Handle) error
	// Alive reports whether the backend still considers the handle's
	// sandbox live, used by the reaper to free dead slots.
	Alive(ctx context.Context, h *Handle) bool
}

// BackendProfile is one entry in the static
// {language -> (backend, image/profile, limits)} mapping.
type BackendProfile struct {
	Backend string
	Image   string // container image or job template name; ignored by execbackend
	Limits  Limits
}

// Registry resolves a language tag to a Driver + profile.
type Registry struct {
	profiles map[string]BackendProfile
	drivers  map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{
		profiles: make(map[string]BackendProfile),
		drivers:  make(map[string]Driver),
	}
}

func (r *Registry) RegisterBackend(name string, d Driver) {
	r.drivers[name] = d
}

func (r *Registry) RegisterProfile(language string, p BackendProfile) {
	r.profiles[language] = p
}

// Resolve returns the driver and profile for language, or
// ErrUnsupportedLanguage.
func (r *Registry) Resolve(language string) (Driver, BackendProfile, error) {
	p, ok := r.profiles[language]
	if !ok {
		return nil, BackendProfile{}, ErrUnsupportedLanguage
	}
	d, ok := r.drivers[p.Backend]
	if !ok {
		return nil, BackendProfile{}, ErrUnsupportedLanguage
	}
	return d, p, nil
}
