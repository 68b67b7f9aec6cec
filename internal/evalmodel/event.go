package evalmodel

import "time"

// EventType is the closed set of lifecycle event kinds.
type EventType string

const (
	EventQueued          EventType = "queued"
	EventProvisioning    EventType = "provisioning"
	EventRunning         EventType = "running"
	EventLogChunk        EventType = "log_chunk"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
	EventTimeout         EventType = "timeout"
	EventCancelRequested EventType = "cancel_requested"
)

// LifecycleEvent is a typed message carrying the evaluation id, a
// monotonic per-id sequence number, a wall-clock timestamp, and a
// type-specific payload. Events are ephemeral: durability comes from
// the reconciler's effect on the durable record, never from retaining
// the event stream itself.
type LifecycleEvent struct {
	EvalID    string
	Type      EventType
	Seq       int64
	Timestamp time.Time

	// Payload fields, populated according to Type. Kept as a flat set
	// of optional fields (a tagged union in spirit, switched on Type
	// exhaustively by the reconciler) rather than an interface{}, so a
	// caller never needs to type-assert.
	ExitCode int
	Cause    string
	Stdout   string
	Stderr   string
	LogChunk []byte
	SlotID   string
	SandboxID string
}

// ExecutorSlot is a named, bounded resource: exclusively held by at
// most one evaluation at a time, owned by the executor pool.
type ExecutorSlot struct {
	ID      int
	Healthy bool
	EvalID  string // empty if free
}
