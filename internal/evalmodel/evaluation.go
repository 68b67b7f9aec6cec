// Package evalmodel defines the central Evaluation entity and the
// lifecycle events and executor-slot types that every other package
// operates on.
package evalmodel

import (
	"encoding/base32"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is one of the closed set of evaluation states.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusQueued      Status = "queued"
	StatusProvisioning Status = "provisioning"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	StatusTimeout     Status = "timeout"
)

// Priority is the two-band priority scheme; there is no per-tenant
// weighting beyond this.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

var b32 = base32.HexEncoding.WithPadding(base32.NoPadding)

// NewID produces an opaque, lexicographically-sortable-by-creation-time
// identifier: a millisecond timestamp prefix followed by a random
// suffix so concurrently-minted ids never collide.
func NewID(now time.Time) string {
	ms := now.UnixMilli()
	var buf [8]byte
	for i := 7; i >= 0; i-- {
		buf[i] = byte(ms & 0xff)
		ms >>= 8
	}
	return fmt.Sprintf("%s%s", b32.EncodeToString(buf[:]), uuid.New().String()[:8])
}

// Evaluation is the central entity: one submission of code from receipt
// to terminal status. Ownership: created by the gateway (external to
// this module), exclusively mutated by the dispatcher/watcher/
// reconciler/reaper through state-machine-validated transitions.
type Evaluation struct {
	ID       string
	Code     string
	Language string
	Priority Priority
	Timeout  time.Duration

	Status Status
	Cause  string // populated on terminal transitions, e.g. "memory_limit", "orphaned"

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	Stdout   string
	StdoutRef string // non-empty when output was externalized
	Stderr   string
	StderrRef string
	ExitCode int // -1 if never started

	ExecutorSlot string // non-empty iff Status in {provisioning, running}
	SandboxID    string

	RetryCount int
	Metadata   map[string]string

	Deleted bool // soft-delete flag for administrative purge
}

// NewEvaluation builds a freshly submitted evaluation. ExitCode starts
// at -1 per the data model's "never started" convention.
func NewEvaluation(now time.Time, code, language string, priority Priority, timeout time.Duration, metadata map[string]string) *Evaluation {
	return &Evaluation{
		ID:        NewID(now),
		Code:      code,
		Language:  language,
		Priority:  priority,
		Timeout:   timeout,
		Status:    StatusSubmitted,
		CreatedAt: now,
		ExitCode:  -1,
		Metadata:  metadata,
	}
}
