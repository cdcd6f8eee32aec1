// Package tasklock implements the per-task advisory mutex (LockManager, C3)
// used to serialize concurrent TASK_MOVE operations. It generalizes the
// teacher's Redis SetNX/Del idempotency-key idiom (prism-api/api/idempotency.go)
// into a TTL'd compare-and-delete lock.
package tasklock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 2 * time.Second

// releaseScript atomically releases the lock only if the caller's owner
// token still matches what is stored, preventing a late release from
// erasing a successor's lock acquired after this owner's TTL expired.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Manager is the Redis-backed LockManager.
type Manager struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb, ttl: DefaultTTL}
}

// WithTTL overrides the default 2s TTL, for tests.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	m.ttl = ttl
	return m
}

func lockKey(taskID string) string { return "lock:task:" + taskID }

// AcquireResult is the outcome of an Acquire call.
type AcquireResult struct {
	Acquired bool
}

// Acquire attempts to take the advisory lock on taskID for ownerID. It is a
// simple SET-if-absent with TTL; on failure the caller is expected to fetch
// the task's current state itself (spec §4.3: "returns the caller's best
// known current task state").
func (m *Manager) Acquire(ctx context.Context, taskID, ownerID string) (AcquireResult, error) {
	ok, err := m.rdb.SetNX(ctx, lockKey(taskID), ownerID, m.ttl).Result()
	if err != nil {
		return AcquireResult{}, fmt.Errorf("tasklock: acquire %s: %w", taskID, err)
	}
	return AcquireResult{Acquired: ok}, nil
}

// Holder returns the current lock owner, if any — used by the event router
// to attribute a move+move conflict's winner in the audit record.
func (m *Manager) Holder(ctx context.Context, taskID string) (string, bool, error) {
	owner, err := m.rdb.Get(ctx, lockKey(taskID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("tasklock: holder %s: %w", taskID, err)
	}
	return owner, true, nil
}

// Release performs an atomic compare-and-delete: the lock is removed only if
// ownerID still holds it. A late release after TTL expiry (and a successor
// acquiring in between) is therefore a safe no-op.
func (m *Manager) Release(ctx context.Context, taskID, ownerID string) error {
	if err := releaseScript.Run(ctx, m.rdb, []string{lockKey(taskID)}, ownerID).Err(); err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("tasklock: release %s: %w", taskID, err)
	}
	return nil
}
