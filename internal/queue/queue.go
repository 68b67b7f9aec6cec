// Package queue implements the task queue adapter (C10): a bounded,
// priority-aware pull interface over whichever broker a deployment
// uses. The implementation provided here is an in-process priority
// heap with anti-starvation aging over the two-band priority scheme;
// `high` tasks sort before `normal` ones, but a `normal` task that has
// waited long enough ages into precedence over a freshly-submitted
// `high` one.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/itskum47/crucible/internal/evalmodel"
)

// Task is one queued submission awaiting dispatch.
type Task struct {
	EvalID     string
	Priority   evalmodel.Priority
	SubmitTime time.Time

	// Attempts counts how many times the dispatcher has tried and
	// failed to create/start a sandbox for this task. The same *Task
	// is reused across retries so this survives redelivery.
	Attempts int

	// visibilityDeadline is set by Pull and checked by the ack-timeout
	// sweep that Pull runs; a task not acked before this passes becomes
	// redeliverable.
	visibilityDeadline time.Time
	delivered          bool
}

func basePriority(p evalmodel.Priority) float64 {
	if p == evalmodel.PriorityHigh {
		return 0
	}
	return 10
}

// agingFactorSeconds: every 10s of waiting reduces effective priority
// value by 1, letting a long-queued normal-priority task eventually
// outrank a freshly-submitted high-priority one.
const agingFactorSeconds = 10.0

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	now := time.Now()
	effI := basePriority(h[i].Priority) - now.Sub(h[i].SubmitTime).Seconds()/agingFactorSeconds
	effJ := basePriority(h[j].Priority) - now.Sub(h[j].SubmitTime).Seconds()/agingFactorSeconds
	if int(effI) == int(effJ) {
		return h[i].SubmitTime.Before(h[j].SubmitTime) // FIFO within a band
	}
	return effI < effJ
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a thread-safe priority queue with at-least-once redelivery:
// a pulled task stays pending until Ack; if Nack is called, or the
// visibility timeout expires, it returns to the heap.
type Queue struct {
	mu      sync.Mutex
	pending taskHeap
	inFlight map[string]*Task // keyed by EvalID while awaiting ack
}

func New() *Queue {
	return &Queue{inFlight: make(map[string]*Task)}
}

// Submit enqueues a new task.
func (q *Queue) Submit(t *Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pending, t)
}

// Pull returns the highest-effective-priority task, marking it
// in-flight with the given visibility timeout. Returns nil if the
// queue is empty. Redelivery makes the dispatcher's guarded
// queued->provisioning transition a no-op for duplicates, per C10's
// contract.
func (q *Queue) Pull(visibilityTimeout time.Duration) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapExpiredLocked()
	if q.pending.Len() == 0 {
		return nil
	}
	t := heap.Pop(&q.pending).(*Task)
	t.delivered = true
	t.visibilityDeadline = time.Now().Add(visibilityTimeout)
	q.inFlight[t.EvalID] = t
	return t
}

// Ack removes a delivered task permanently.
func (q *Queue) Ack(evalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, evalID)
}

// Nack returns a delivered task to the heap immediately.
func (q *Queue) Nack(evalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.inFlight[evalID]
	if !ok {
		return
	}
	delete(q.inFlight, evalID)
	t.delivered = false
	heap.Push(&q.pending, t)
}

// Drop removes a delivered task from the in-flight set without
// returning it to the pending heap, for callers that immediately
// follow up with PushDelayed — calling Nack instead would push the
// same *Task onto the heap twice (once immediately, once after the
// delay).
func (q *Queue) Drop(evalID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, evalID)
}

// reapExpiredLocked returns any in-flight task whose visibility
// deadline has passed back to the pending heap. Caller holds q.mu.
func (q *Queue) reapExpiredLocked() {
	now := time.Now()
	for id, t := range q.inFlight {
		if now.After(t.visibilityDeadline) {
			delete(q.inFlight, id)
			t.delivered = false
			heap.Push(&q.pending, t)
		}
	}
}

// Len reports the number of tasks not yet delivered.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// PushDelayed re-enqueues a task after a delay — used by the
// dispatcher's bounded-delay requeue when try_reserve finds no slot.
func (q *Queue) PushDelayed(t *Task, delay time.Duration) {
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		heap.Push(&q.pending, t)
	})
}
