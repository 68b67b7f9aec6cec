package coordination

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestElectorSingleInstanceBecomesLeader(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCoordinator(client)

	el := NewElector(c, "reaper", 200*time.Millisecond)
	var elected sync.WaitGroup
	elected.Add(1)
	var once sync.Once
	el.SetCallbacks(func(ctx context.Context) {
		once.Do(elected.Done)
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go el.Run(ctx)

	done := make(chan struct{})
	go func() { elected.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected elector to become leader")
	}
	if !el.IsLeader() {
		t.Fatal("expected IsLeader to report true once elected")
	}
}

func TestElectorOnlyOneOfTwoBecomesLeader(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCoordinator(client)

	elA := NewElector(c, "reaper", 200*time.Millisecond)
	elB := NewElector(c, "reaper", 200*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go elA.Run(ctx)
	go elB.Run(ctx)

	time.Sleep(500 * time.Millisecond)

	if elA.IsLeader() == elB.IsLeader() {
		t.Fatalf("expected exactly one leader, got A=%v B=%v", elA.IsLeader(), elB.IsLeader())
	}
}
