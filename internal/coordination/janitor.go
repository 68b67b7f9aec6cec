package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/itskum47/crucible/internal/observability"
)

// Janitor periodically scans crucible's lease keys and force-releases
// any that are either fenced (a newer epoch has already been issued
// for that role, meaning the holder's view is stale even though its
// TTL hasn't expired yet) or simply expired past a grace window.
type Janitor struct {
	coordinator Coordinator
	pattern     string
	grace       time.Duration
}

func NewJanitor(c Coordinator, grace time.Duration) *Janitor {
	return &Janitor{coordinator: c, pattern: "crucible:lock:*", grace: grace}
}

func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) {
	keys, err := j.coordinator.ScanLeases(ctx, j.pattern)
	if err != nil {
		log.Printf("[JANITOR] scan failed: %v", err)
		return
	}
	for _, key := range keys {
		j.inspect(ctx, key)
	}
}

func (j *Janitor) inspect(ctx context.Context, key string) {
	val, err := j.coordinator.GetLeaseOwner(ctx, key)
	if err != nil || val == "" {
		return
	}
	var meta LeaseMetadata
	if err := json.Unmarshal([]byte(val), &meta); err != nil {
		log.Printf("[JANITOR] unreadable lease value for %s: %v", key, err)
		return
	}

	currentEpoch, err := j.coordinator.CurrentEpoch(ctx, key)
	if err == nil && meta.Epoch < currentEpoch {
		j.reclaim(ctx, key, val, "fenced")
		return
	}

	if time.Now().After(meta.ExpiresAt.Add(j.grace)) {
		j.reclaim(ctx, key, val, "expired")
	}
}

func (j *Janitor) reclaim(ctx context.Context, key, val, reason string) {
	if err := j.coordinator.ReleaseLease(ctx, key, val); err != nil {
		log.Printf("[JANITOR] release failed for %s: %v", key, err)
		return
	}
	observability.StaleLeaseReclaims.WithLabelValues(reason).Inc()
	log.Printf("[JANITOR] reclaimed lease %s (%s)", key, reason)
}
