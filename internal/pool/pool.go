// Package pool implements the executor pool (C5): atomic reservation
// of one of N concurrent sandbox slots, deterministic lowest-free-slot
// selection, and per-slot health quarantine.
package pool

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/itskum47/crucible/internal/evalmodel"
	"github.com/itskum47/crucible/internal/observability"
)

// ErrConflict is returned by Release when the slot is held by a
// different evaluation id — never a panic.
type ErrConflict struct {
	SlotID int
	Held   string
}

func (e *ErrConflict) Error() string {
	return "slot held by a different evaluation"
}

// Pool hands out at most N concurrent sandbox slots.
type Pool struct {
	mu    sync.Mutex
	slots []evalmodel.ExecutorSlot

	// breakers quarantines a slot whose driver reports repeated
	// failures, using gobreaker's open/half-open/closed machinery
	// instead of a hand-rolled composite health score.
	breakers []*gobreaker.CircuitBreaker
}

// New builds a pool of n slots, all initially free and healthy.
func New(n int) *Pool {
	p := &Pool{
		slots:    make([]evalmodel.ExecutorSlot, n),
		breakers: make([]*gobreaker.CircuitBreaker, n),
	}
	for i := 0; i < n; i++ {
		p.slots[i] = evalmodel.ExecutorSlot{ID: i, Healthy: true}
		id := i
		p.breakers[i] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "slot",
			MaxRequests: 1,
			Interval:    0,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				observability.PoolSlotQuarantined.WithLabelValues(strconv.Itoa(id)).Set(stateValue(to))
			},
		})
	}
	observability.PoolSlotsHeld.Set(0)
	return p
}

// TryReserve atomically reserves the lowest-numbered free, healthy,
// non-quarantined slot for evalID. Returns ("", false) if none is
// available — callers must back off, there is no blocking variant.
func (p *Pool) TryReserve(evalID string) (slotID string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		if p.slots[i].EvalID != "" || !p.slots[i].Healthy {
			continue
		}
		if p.breakers[i].State() == gobreaker.StateOpen {
			continue
		}
		p.slots[i].EvalID = evalID
		observability.PoolSlotsHeld.Add(1)
		return strconv.Itoa(i), true
	}
	return "", false
}

// Release frees slotID if it is held by evalID. Idempotent: releasing
// an already-free slot is a no-op. Refuses with ErrConflict (never a
// panic) if held by a different id.
func (p *Pool) Release(slotID, evalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, err := strconv.Atoi(slotID)
	ok := err == nil
	if !ok || idx < 0 || idx >= len(p.slots) {
		return nil
	}
	if p.slots[idx].EvalID == "" {
		return nil
	}
	if p.slots[idx].EvalID != evalID {
		return &ErrConflict{SlotID: idx, Held: p.slots[idx].EvalID}
	}
	p.slots[idx].EvalID = ""
	observability.PoolSlotsHeld.Add(-1)
	return nil
}

// RecordFailure trips the slot's breaker towards quarantine.
func (p *Pool) RecordFailure(slotID string) {
	idx, err := strconv.Atoi(slotID)
	ok := err == nil
	if !ok || idx < 0 || idx >= len(p.breakers) {
		return
	}
	_, _ = p.breakers[idx].Execute(func() (any, error) { return nil, errFailure })
}

// RecordSuccess resets the slot's breaker towards closed.
func (p *Pool) RecordSuccess(slotID string) {
	idx, err := strconv.Atoi(slotID)
	ok := err == nil
	if !ok || idx < 0 || idx >= len(p.breakers) {
		return
	}
	_, _ = p.breakers[idx].Execute(func() (any, error) { return nil, nil })
}

// Snapshot returns the held-by map for the reaper.
func (p *Pool) Snapshot() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.slots))
	for _, s := range p.slots {
		out[strconv.Itoa(s.ID)] = s.EvalID
	}
	return out
}

// MarkUnhealthy flags a slot as unhealthy regardless of breaker state,
// used by the reaper when a slot's sandbox handle is found dead.
func (p *Pool) MarkUnhealthy(slotID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, err := strconv.Atoi(slotID)
	ok := err == nil
	if !ok || idx < 0 || idx >= len(p.slots) {
		return
	}
	p.slots[idx].Healthy = false
}

var errFailure = errors.New("slot operation failed")

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
