package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/crucible/internal/observability"
)

// LeaseMetadata is the JSON value stored under a role's lock key:
// enough to let the janitor tell a live lease from an abandoned one
// and to carry a fencing epoch.
type LeaseMetadata struct {
	OwnerID   string    `json:"owner_id"`
	Epoch     int64     `json:"epoch"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Elector runs single-leader election for one named role (e.g.
// "reaper"), so a deployment can run several crucible processes
// without every one of them running a reaper sweep. It takes its
// fencing epoch straight from Redis's own atomic INCR rather than a
// separate durable counter: crucible has no durable epoch resource and
// introducing one here would duplicate state for a guarantee (monotonic
// epoch across a Redis flush) that the reaper's idempotent repairs
// don't depend on — a reaper duplicating work after a flush is
// wasteful, not unsafe.
type Elector struct {
	coordinator Coordinator
	role        string
	ownerID     string
	lockKey     string
	ttl         time.Duration

	mu       sync.RWMutex
	isLeader bool
	value    string
	epoch    int64

	onElected func(context.Context)
	onLost    func()
}

func NewElector(c Coordinator, role string, ttl time.Duration) *Elector {
	return &Elector{
		coordinator: c,
		role:        role,
		ownerID:     uuid.NewString(),
		lockKey:     "crucible:lock:" + role,
		ttl:         ttl,
	}
}

// SetCallbacks registers the hooks run on election and loss. onElected
// receives a context cancelled the instant this elector steps down, so
// the caller's role-loop can use it as its own run context.
func (e *Elector) SetCallbacks(onElected func(context.Context), onLost func()) {
	e.onElected = onElected
	e.onLost = onLost
}

func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Run drives the acquire/renew loop until ctx is cancelled, stepping
// down and releasing the lease on exit.
func (e *Elector) Run(ctx context.Context) {
	interval := e.ttl / 3
	const maxInterval = 30 * time.Second

	var leaderCancel context.CancelFunc
	timer := time.NewTimer(interval)
	defer timer.Stop()
	defer func() {
		if e.IsLeader() {
			e.release(context.Background())
		}
		if leaderCancel != nil {
			leaderCancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			var err error
			if e.IsLeader() {
				var renewed bool
				renewed, err = e.renew(ctx)
				if err == nil && !renewed {
					e.stepDown()
					if leaderCancel != nil {
						leaderCancel()
						leaderCancel = nil
					}
				}
			} else {
				var acquired bool
				acquired, err = e.acquire(ctx)
				if err == nil && acquired {
					var leaderCtx context.Context
					leaderCtx, leaderCancel = context.WithCancel(context.Background())
					e.becomeLeader(leaderCtx)
				}
			}
			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("[ELECT %s] error, backing off %v: %v", e.role, interval, err)
			} else {
				interval = e.ttl / 3
			}
			timer.Reset(interval)
		}
	}
}

func (e *Elector) acquire(ctx context.Context) (bool, error) {
	epoch, err := e.coordinator.IncrementEpoch(ctx, e.lockKey)
	if err != nil {
		return false, err
	}
	meta := LeaseMetadata{OwnerID: e.ownerID, Epoch: epoch, ExpiresAt: time.Now().Add(e.ttl)}
	payload, err := json.Marshal(meta)
	if err != nil {
		return false, err
	}
	acquired, err := e.coordinator.AcquireLease(ctx, e.lockKey, string(payload), e.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		e.mu.Lock()
		e.value = string(payload)
		e.epoch = epoch
		e.mu.Unlock()
	}
	return acquired, nil
}

func (e *Elector) renew(ctx context.Context) (bool, error) {
	e.mu.RLock()
	val := e.value
	e.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return e.coordinator.RenewLease(ctx, e.lockKey, val, e.ttl)
}

func (e *Elector) release(ctx context.Context) {
	e.mu.RLock()
	val := e.value
	e.mu.RUnlock()
	if val == "" {
		return
	}
	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := e.coordinator.ReleaseLease(releaseCtx, e.lockKey, val); err != nil {
		log.Printf("[ELECT %s] release failed: %v", e.role, err)
	}
}

func (e *Elector) becomeLeader(leaderCtx context.Context) {
	e.mu.Lock()
	e.isLeader = true
	epoch := e.epoch
	e.mu.Unlock()

	observability.LeaderStatus.WithLabelValues(e.role).Set(1)
	observability.LeadershipEpoch.WithLabelValues(e.role).Set(float64(epoch))
	observability.LeadershipTransitions.WithLabelValues(e.role, "acquired").Inc()
	log.Printf("[ELECT %s] acquired leadership, owner=%s epoch=%d", e.role, e.ownerID, epoch)
	if e.onElected != nil {
		go e.onElected(leaderCtx)
	}
}

func (e *Elector) stepDown() {
	e.mu.Lock()
	e.isLeader = false
	e.value = ""
	e.mu.Unlock()

	observability.LeaderStatus.WithLabelValues(e.role).Set(0)
	observability.LeadershipTransitions.WithLabelValues(e.role, "lost").Inc()
	log.Printf("[ELECT %s] lost leadership, owner=%s", e.role, e.ownerID)
	if e.onLost != nil {
		e.onLost()
	}
}
