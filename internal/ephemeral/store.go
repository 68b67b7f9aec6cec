// Package ephemeral implements the typed operations over the transient
// KV (C2): pending markers, the running record + running-set pair
// (kept atomic via Lua scripts), and the bounded log ring buffer.
// Ephemeral data is assumed reconstructible — anything lost to a store
// restart is recovered by the reaper and the durable store.
package ephemeral

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/crucible/internal/observability"
)

const runningSetKey = "crucible:running_evaluations"

// activeSetKey tracks every evaluation id the reaper must consider for
// the stale-non-terminal sweep: anything dispatched but not yet
// cleared by a terminal transition. Separate from runningSetKey, which
// only covers ids currently holding a sandbox.
const activeSetKey = "crucible:active_evaluations"

func pendingKey(id string) string { return fmt.Sprintf("crucible:pending:%s", id) }
func runningKey(id string) string { return fmt.Sprintf("crucible:eval:%s:running", id) }
func logsKey(id string) string    { return fmt.Sprintf("crucible:logs:%s:latest", id) }
func seqKey(id string) string     { return fmt.Sprintf("crucible:eval:%s:seq", id) }

// RunningRecord is the structured value stored under eval:{id}:running.
type RunningRecord struct {
	SlotID    string    `json:"slot_id"`
	SandboxID string    `json:"sandbox_id"`
	StartTime time.Time `json:"start_time"`
}

// Store is the Redis-backed implementation of C2.
type Store struct {
	client *redis.Client

	putRunningSHA    string
	deleteRunningSHA string
}

// putRunningScript atomically writes the running record and adds the id
// to the running set: "running record present <=> id in running set"
// must never be observably violated.
const putRunningScript = `
local id = KEYS[1]
local runningKey = KEYS[2]
local setKey = KEYS[3]
local pendingKey = KEYS[4]
redis.call("SET", runningKey, ARGV[1])
redis.call("SADD", setKey, id)
redis.call("DEL", pendingKey)
return 1
`

const deleteRunningScript = `
local id = KEYS[1]
local runningKey = KEYS[2]
local setKey = KEYS[3]
redis.call("DEL", runningKey)
redis.call("SREM", setKey, id)
return 1
`

// New connects to Redis and preloads the Lua scripts used for the
// atomic composite operations, matching the preload-at-construction
// pattern used throughout the ephemeral-store layer this is grounded
// on.
func New(ctx context.Context, addr, password string, db int) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to ephemeral store: %w", err)
	}

	putSHA, err := client.ScriptLoad(ctx, putRunningScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload put_running script: %w", err)
	}
	delSHA, err := client.ScriptLoad(ctx, deleteRunningScript).Result()
	if err != nil {
		return nil, fmt.Errorf("preload delete_running script: %w", err)
	}

	return &Store{client: client, putRunningSHA: putSHA, deleteRunningSHA: delSHA}, nil
}

func observe(start time.Time) {
	observability.RedisLatency.Observe(time.Since(start).Seconds())
}

// MarkPending sets the pending marker with an explicit TTL.
func (s *Store) MarkPending(ctx context.Context, id string, ttl time.Duration) error {
	defer observe(time.Now())
	return s.client.Set(ctx, pendingKey(id), "1", ttl).Err()
}

// ClearPending removes the pending marker.
func (s *Store) ClearPending(ctx context.Context, id string) error {
	defer observe(time.Now())
	return s.client.Del(ctx, pendingKey(id)).Err()
}

// PutRunning writes the running record and adds id to the running set
// as a single atomic operation, clearing any pending marker in the
// same script.
func (s *Store) PutRunning(ctx context.Context, id string, rec RunningRecord) error {
	defer observe(time.Now())
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal running record: %w", err)
	}
	_, err = s.client.EvalSha(ctx, s.putRunningSHA,
		[]string{id, runningKey(id), runningSetKey, pendingKey(id)},
		string(payload),
	).Result()
	if isNoScript(err) {
		s.putRunningSHA, _ = s.client.ScriptLoad(ctx, putRunningScript).Result()
		_, err = s.client.EvalSha(ctx, s.putRunningSHA,
			[]string{id, runningKey(id), runningSetKey, pendingKey(id)},
			string(payload),
		).Result()
	}
	if err != nil {
		return fmt.Errorf("put_running: %w", err)
	}
	return nil
}

// GetRunning reads the running record, if any.
func (s *Store) GetRunning(ctx context.Context, id string) (*RunningRecord, error) {
	defer observe(time.Now())
	raw, err := s.client.Get(ctx, runningKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_running: %w", err)
	}
	var rec RunningRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal running record: %w", err)
	}
	return &rec, nil
}

// DeleteRunning removes the running record and the running-set entry
// as a single atomic operation.
func (s *Store) DeleteRunning(ctx context.Context, id string) error {
	defer observe(time.Now())
	_, err := s.client.EvalSha(ctx, s.deleteRunningSHA,
		[]string{id, runningKey(id), runningSetKey},
	).Result()
	if isNoScript(err) {
		s.deleteRunningSHA, _ = s.client.ScriptLoad(ctx, deleteRunningScript).Result()
		_, err = s.client.EvalSha(ctx, s.deleteRunningSHA,
			[]string{id, runningKey(id), runningSetKey},
		).Result()
	}
	if err != nil {
		return fmt.Errorf("delete_running: %w", err)
	}
	return nil
}

// ListRunning returns every id currently holding a slot.
func (s *Store) ListRunning(ctx context.Context) ([]string, error) {
	defer observe(time.Now())
	return s.client.SMembers(ctx, runningSetKey).Result()
}

// AppendLogs pushes a chunk onto the bounded ring buffer, dropping the
// oldest chunks so that at most capEntries chunks are kept.
func (s *Store) AppendLogs(ctx context.Context, id string, chunk []byte, capEntries int64) error {
	defer observe(time.Now())
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, logsKey(id), chunk)
	pipe.LTrim(ctx, logsKey(id), -capEntries, -1)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadLogs concatenates the buffered chunks in order.
func (s *Store) ReadLogs(ctx context.Context, id string) (string, error) {
	defer observe(time.Now())
	chunks, err := s.client.LRange(ctx, logsKey(id), 0, -1).Result()
	if err != nil {
		return "", err
	}
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out, nil
}

// ExpireLogs sets a brief grace-interval TTL on the cached logs once
// the running record's lifetime has ended.
func (s *Store) ExpireLogs(ctx context.Context, id string, grace time.Duration) error {
	return s.client.Expire(ctx, logsKey(id), grace).Err()
}

// NextSeq returns the next monotonic sequence number for id, assigned
// at the publisher so the event bus carries best-effort per-id
// ordering even though Redis Pub/Sub itself gives no ordering
// guarantee across subscribers (DESIGN.md Open Question 1).
func (s *Store) NextSeq(ctx context.Context, id string) (int64, error) {
	defer observe(time.Now())
	return s.client.Incr(ctx, seqKey(id)).Result()
}

// MarkActive adds id to the active set, used by the reaper's
// stale-non-terminal sweep to enumerate candidates without the
// durable store needing a list operation.
func (s *Store) MarkActive(ctx context.Context, id string) error {
	defer observe(time.Now())
	return s.client.SAdd(ctx, activeSetKey, id).Err()
}

// ClearActive removes id from the active set; called once a terminal
// transition lands.
func (s *Store) ClearActive(ctx context.Context, id string) error {
	defer observe(time.Now())
	return s.client.SRem(ctx, activeSetKey, id).Err()
}

// ListActive returns every id currently tracked as dispatched but not
// yet terminal.
func (s *Store) ListActive(ctx context.Context) ([]string, error) {
	defer observe(time.Now())
	return s.client.SMembers(ctx, activeSetKey).Result()
}

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}

// Client exposes the underlying client for components that need it
// directly, e.g. the event bus sharing the same connection.
func (s *Store) Client() *redis.Client { return s.client }
