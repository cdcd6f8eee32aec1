// Package boardcache implements the AuthoritativeCache: the in-memory (Redis
// backed) hot store of tasks and per-column membership that is the source
// of truth for live reads. It mirrors the teacher's read-model Redis cache
// (prism-api/storage/cache.go) but owns writes, not just read-through, since
// here the cache — not durable storage — is authoritative.
package boardcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

const defaultTTL = time.Hour

// Hydrator loads the full task set from durable storage on a cold start.
type Hydrator interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
}

// Cache is the Redis-backed AuthoritativeCache.
type Cache struct {
	rdb      *redis.Client
	ttl      time.Duration
	hydrator Hydrator
}

// New creates a Cache over the given Redis client. hydrator may be nil if
// cold-start hydration from durable storage is not required (e.g. tests).
func New(rdb *redis.Client, hydrator Hydrator) *Cache {
	return &Cache{rdb: rdb, ttl: defaultTTL, hydrator: hydrator}
}

// WithTTL overrides the default 1-hour sliding TTL, for tests.
func (c *Cache) WithTTL(ttl time.Duration) *Cache {
	c.ttl = ttl
	return c
}

func taskKey(id string) string { return "task:" + id }
func columnKey(col domain.ColumnID) string { return "column:" + string(col) + ":tasks" }

const boardSetKey = "board:tasks"

// Put writes the task record plus both set memberships atomically: the
// global board:tasks set and the per-column set. If the task changed
// columns, previousColumn must be the previous ColumnID (with hadPrevious
// set) so its stale membership is removed in the same pipeline (spec §4.2
// atomicity requirement).
func (c *Cache) Put(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, hadPrevious bool) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("boardcache: marshal task: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, taskKey(task.ID), data, c.ttl)
		pipe.SAdd(ctx, boardSetKey, task.ID)
		if hadPrevious && previousColumn != task.ColumnID {
			pipe.SRem(ctx, columnKey(previousColumn), task.ID)
		}
		pipe.SAdd(ctx, columnKey(task.ColumnID), task.ID)
		pipe.Expire(ctx, columnKey(task.ColumnID), c.ttl)
		pipe.Expire(ctx, boardSetKey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("boardcache: put %s: %w", task.ID, err)
	}
	return nil
}

// PutMany writes every task in tasks (all belonging to column) in a single
// Redis pipeline, so a concurrent reader never observes a column with a mix
// of pre- and post-rebalance order values (spec §4.4: rebalanced orders are
// written back "in a single pipeline so live traffic sees consistent
// orders"). Column membership is unchanged by a rebalance, so unlike Put
// there is no previous-column set to reconcile.
func (c *Cache) PutMany(ctx context.Context, tasks []domain.Task, column domain.ColumnID) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, task := range tasks {
			data, err := json.Marshal(task)
			if err != nil {
				return fmt.Errorf("boardcache: marshal task %s: %w", task.ID, err)
			}
			pipe.Set(ctx, taskKey(task.ID), data, c.ttl)
			pipe.SAdd(ctx, boardSetKey, task.ID)
			pipe.SAdd(ctx, columnKey(task.ColumnID), task.ID)
		}
		pipe.Expire(ctx, columnKey(column), c.ttl)
		pipe.Expire(ctx, boardSetKey, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("boardcache: put many for column %s: %w", column, err)
	}
	return nil
}

// Get returns the task by id, hydrating the cache from durable storage on a
// miss. ok is false only when the task genuinely does not exist.
func (c *Cache) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	data, err := c.rdb.Get(ctx, taskKey(id)).Bytes()
	if err == nil {
		var task domain.Task
		if uerr := json.Unmarshal(data, &task); uerr != nil {
			return domain.Task{}, false, fmt.Errorf("boardcache: unmarshal task %s: %w", id, uerr)
		}
		return task, true, nil
	}
	if err != redis.Nil {
		return domain.Task{}, false, fmt.Errorf("boardcache: get %s: %w", id, err)
	}

	if err := c.hydrate(ctx); err != nil {
		return domain.Task{}, false, err
	}

	data, err = c.rdb.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("boardcache: get %s after hydrate: %w", id, err)
	}
	var task domain.Task
	if uerr := json.Unmarshal(data, &task); uerr != nil {
		return domain.Task{}, false, fmt.Errorf("boardcache: unmarshal task %s: %w", id, uerr)
	}
	return task, true, nil
}

// Delete removes the record and both set memberships atomically. Missing
// tasks are not an error: callers implement delete idempotence (spec §4.5).
func (c *Cache) Delete(ctx context.Context, id string, column domain.ColumnID) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(id))
		pipe.SRem(ctx, boardSetKey, id)
		pipe.SRem(ctx, columnKey(column), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("boardcache: delete %s: %w", id, err)
	}
	return nil
}

// ListAll materializes every live task on the board, hydrating from durable
// storage first if the cache is cold.
func (c *Cache) ListAll(ctx context.Context) ([]domain.Task, error) {
	ids, err := c.rdb.SMembers(ctx, boardSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("boardcache: list board set: %w", err)
	}
	if len(ids) == 0 {
		if err := c.hydrate(ctx); err != nil {
			return nil, err
		}
		ids, err = c.rdb.SMembers(ctx, boardSetKey).Result()
		if err != nil {
			return nil, fmt.Errorf("boardcache: list board set after hydrate: %w", err)
		}
	}
	return c.fetchMany(ctx, ids)
}

// ScanColumn returns every live task in the given column, hydrating the
// cache from durable storage first if the board set is cold (spec §4.2:
// reads are cache-first, hydrate-on-miss, for every listed read operation).
func (c *Cache) ScanColumn(ctx context.Context, column domain.ColumnID) ([]domain.Task, error) {
	boardIDs, err := c.rdb.SMembers(ctx, boardSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("boardcache: scan column %s: %w", column, err)
	}
	if len(boardIDs) == 0 {
		if err := c.hydrate(ctx); err != nil {
			return nil, err
		}
	}

	ids, err := c.rdb.SMembers(ctx, columnKey(column)).Result()
	if err != nil {
		return nil, fmt.Errorf("boardcache: scan column %s after hydrate check: %w", column, err)
	}
	return c.fetchMany(ctx, ids)
}

func (c *Cache) fetchMany(ctx context.Context, ids []string) ([]domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("boardcache: mget: %w", err)
	}
	tasks := make([]domain.Task, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var task domain.Task
		if err := json.Unmarshal([]byte(s), &task); err != nil {
			return nil, fmt.Errorf("boardcache: unmarshal: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// hydrate populates the cache from durable storage on a cold start. It
// assumes storage already satisfies the invariants in spec §3 (one
// authoritative column membership per task).
func (c *Cache) hydrate(ctx context.Context) error {
	if c.hydrator == nil {
		return nil
	}
	tasks, err := c.hydrator.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("boardcache: hydrate: %w", err)
	}
	for _, task := range tasks {
		if err := c.Put(ctx, task, "", false); err != nil {
			return err
		}
	}
	return nil
}
