package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupCoordinator(t *testing.T) *RedisCoordinator {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisCoordinator(client)
}

func TestAcquireLeaseIsExclusive(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()

	ok, err := c.AcquireLease(ctx, "crucible:lock:reaper", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: ok=%v err=%v", ok, err)
	}
	ok, err = c.AcquireLease(ctx, "crucible:lock:reaper", "owner-b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail while held: ok=%v err=%v", ok, err)
	}
}

func TestRenewLeaseRequiresOwnership(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()
	_, _ = c.AcquireLease(ctx, "crucible:lock:reaper", "owner-a", time.Minute)

	renewed, err := c.RenewLease(ctx, "crucible:lock:reaper", "owner-b", time.Minute)
	if err != nil || renewed {
		t.Fatalf("expected non-owner renew to fail: renewed=%v err=%v", renewed, err)
	}
	renewed, err = c.RenewLease(ctx, "crucible:lock:reaper", "owner-a", time.Minute)
	if err != nil || !renewed {
		t.Fatalf("expected owner renew to succeed: renewed=%v err=%v", renewed, err)
	}
}

func TestReleaseLeaseRequiresOwnership(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()
	_, _ = c.AcquireLease(ctx, "crucible:lock:reaper", "owner-a", time.Minute)

	_ = c.ReleaseLease(ctx, "crucible:lock:reaper", "owner-b")
	owner, _ := c.GetLeaseOwner(ctx, "crucible:lock:reaper")
	if owner != "owner-a" {
		t.Fatalf("expected non-owner release to be a no-op, owner=%s", owner)
	}

	_ = c.ReleaseLease(ctx, "crucible:lock:reaper", "owner-a")
	owner, _ = c.GetLeaseOwner(ctx, "crucible:lock:reaper")
	if owner != "" {
		t.Fatalf("expected owner release to clear the lease, owner=%s", owner)
	}
}

func TestIncrementEpochIsMonotonic(t *testing.T) {
	c := setupCoordinator(t)
	ctx := context.Background()

	e1, err := c.IncrementEpoch(ctx, "crucible:lock:reaper")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	e2, err := c.IncrementEpoch(ctx, "crucible:lock:reaper")
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if e2 <= e1 {
		t.Fatalf("expected monotonic epoch, got %d then %d", e1, e2)
	}
	current, err := c.CurrentEpoch(ctx, "crucible:lock:reaper")
	if err != nil || current != e2 {
		t.Fatalf("expected CurrentEpoch to read back %d without mutating, got %d err=%v", e2, current, err)
	}
}
