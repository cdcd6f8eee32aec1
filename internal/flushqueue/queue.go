// Package flushqueue implements the FlushQueue (C4): debounced,
// de-duplicated write-behind durability with a rebalance executor. It is the
// Go-idiomatic rendering of the teacher's command outbox
// (prism-api/api/outbox.go + wal.go) adapted from "append-only WAL,
// coalesce by offset" to "replace-in-place pending job, coalesce by job id"
// — durability here lags the cache by design (spec §4.4), so no WAL segment
// log is needed, only the teacher's exponential-backoff retry idiom.
package flushqueue

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/ordering"
)

// FlushDelay is the minimum time a job waits after its last enqueue before
// it is eligible to run (spec §4.4).
const FlushDelay = 500 * time.Millisecond

const (
	defaultWorkers     = 5
	defaultRetryMax    = 5
	defaultRetryInit   = 250 * time.Millisecond
	defaultRetryCeil   = 30 * time.Second
)

// Cache is the subset of boardcache.Cache the queue reads at execution time
// — always the *current* state, never the enqueue-time snapshot (spec §4.4).
type Cache interface {
	Get(ctx context.Context, id string) (domain.Task, bool, error)
	ScanColumn(ctx context.Context, column domain.ColumnID) ([]domain.Task, error)
	Put(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, hadPrevious bool) error
	PutMany(ctx context.Context, tasks []domain.Task, column domain.ColumnID) error
}

// DurableStore is the subset of durablestore.Store the queue writes through.
type DurableStore interface {
	UpsertTask(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, columnChanged bool) error
	DeleteTask(ctx context.Context, id string, column domain.ColumnID) error
	// FindTaskColumn reports which column partition currently holds taskID's
	// durable row, if any, so UpsertTask can detect a cross-column move and
	// delete the stale partition row instead of leaving a duplicate behind.
	FindTaskColumn(ctx context.Context, taskID string) (domain.ColumnID, bool, error)
}

type jobKind int

const (
	kindUpsert jobKind = iota
	kindDelete
	kindRebalance
)

type job struct {
	id       string // deduplication id: task_{taskId} or rebalance_{columnId}
	kind     jobKind
	taskID   string
	column   domain.ColumnID
	readyAt  time.Time
	attempts int
}

// Config tunes worker count and retry behavior.
type Config struct {
	Workers    int
	RetryInit  time.Duration
	RetryMax   time.Duration
	MaxRetries int
	FlushDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RetryInit <= 0 {
		c.RetryInit = defaultRetryInit
	}
	if c.RetryMax <= 0 {
		c.RetryMax = defaultRetryCeil
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultRetryMax
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = FlushDelay
	}
	return c
}

// Queue is the FlushQueue: a small fixed worker pool draining a
// per-job-id-deduplicated pending set.
type Queue struct {
	cfg    Config
	cache  Cache
	store  DurableStore
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]*job
	cond    *sync.Cond
	closed  bool

	wg sync.WaitGroup
}

// New creates a Queue and starts its worker pool.
func New(cfg Config, cache Cache, store DurableStore, logger *log.Logger) *Queue {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.StandardLogger()
	}
	q := &Queue{
		cfg:     cfg,
		cache:   cache,
		store:   store,
		logger:  logger,
		pending: make(map[string]*job),
	}
	q.cond = sync.NewCond(&q.mu)
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Shutdown stops accepting new work and waits for in-flight jobs to drain.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

// EnqueueUpsert schedules (or reschedules) a durable upsert for taskID.
// Enqueuing while a pending job with the same id exists supersedes it: the
// readyAt deadline resets, coalescing a burst into one write (spec §4.4).
func (q *Queue) EnqueueUpsert(taskID string) {
	q.enqueue(&job{id: "task_" + taskID, kind: kindUpsert, taskID: taskID})
}

// EnqueueDelete shares the upsert job's id slot: whichever is enqueued later
// wins (spec §4.4).
func (q *Queue) EnqueueDelete(taskID string) {
	q.enqueue(&job{id: "task_" + taskID, kind: kindDelete, taskID: taskID})
}

// EnqueueRebalance schedules a column rebalance.
func (q *Queue) EnqueueRebalance(column domain.ColumnID) {
	q.enqueue(&job{id: "rebalance_" + string(column), kind: kindRebalance, column: column})
}

func (q *Queue) enqueue(j *job) {
	j.readyAt = time.Now().Add(q.cfg.FlushDelay)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending[j.id] = j
	q.cond.Broadcast()
	q.mu.Unlock()
}

// worker repeatedly claims the earliest-ready pending job and executes it.
// Jobs sharing an id serialize naturally since only one map entry can exist
// per id at a time; non-colliding jobs run in parallel across workers.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		j, ok := q.claimNext()
		if !ok {
			return
		}
		q.execute(j)
	}
}

// claimNext blocks until either a job is ready to run or the queue closes.
func (q *Queue) claimNext() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed && len(q.pending) == 0 {
			return nil, false
		}

		var best *job
		for _, j := range q.pending {
			if best == nil || j.readyAt.Before(best.readyAt) {
				best = j
			}
		}

		if best == nil {
			q.cond.Wait()
			continue
		}

		wait := time.Until(best.readyAt)
		if wait <= 0 {
			delete(q.pending, best.id)
			return best, true
		}

		timer := time.AfterFunc(wait, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		timer.Stop()
	}
}

func (q *Queue) execute(j *job) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch j.kind {
	case kindUpsert:
		err = q.runUpsert(ctx, j.taskID)
	case kindDelete:
		err = q.runDelete(ctx, j.taskID)
	case kindRebalance:
		err = q.runRebalance(ctx, j.column)
	}

	if err == nil {
		return
	}

	j.attempts++
	if j.attempts >= q.cfg.MaxRetries {
		q.logger.WithError(err).WithField("job", j.id).Error("flushqueue: job permanently failed, cache remains authoritative")
		return
	}

	delay := exponentialBackoff(j.attempts, q.cfg.RetryInit, q.cfg.RetryMax)
	j.readyAt = time.Now().Add(delay)
	q.logger.WithError(err).WithField("job", j.id).WithField("attempt", j.attempts).Warn("flushqueue: job failed, retrying")

	q.mu.Lock()
	if !q.closed {
		if _, exists := q.pending[j.id]; !exists {
			q.pending[j.id] = j
			q.cond.Broadcast()
		}
	}
	q.mu.Unlock()
}

// runUpsert re-reads current cache state at execution time, not the
// enqueue-time snapshot (spec §4.4). It also looks up the task's existing
// durable-storage partition so a cross-column move is upserted with the
// correct previousColumn/columnChanged pair — otherwise UpsertTask never
// deletes the stale partition row and a TASK_MOVE leaves a duplicate behind.
func (q *Queue) runUpsert(ctx context.Context, taskID string) error {
	task, ok, err := q.cache.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("flushqueue: read current task %s: %w", taskID, err)
	}
	if !ok {
		// Task was deleted after this upsert was enqueued; nothing to do.
		return nil
	}

	previousColumn, hadPrevious, err := q.store.FindTaskColumn(ctx, taskID)
	if err != nil {
		return fmt.Errorf("flushqueue: locate durable column for %s: %w", taskID, err)
	}
	columnChanged := hadPrevious && previousColumn != task.ColumnID

	return q.store.UpsertTask(ctx, task, previousColumn, columnChanged)
}

func (q *Queue) runDelete(ctx context.Context, taskID string) error {
	task, ok, err := q.cache.Get(ctx, taskID)
	column := domain.ColumnID("")
	if err == nil && ok {
		column = task.ColumnID
	}
	return q.store.DeleteTask(ctx, taskID, column)
}

// runRebalance re-reads all tasks in the column sorted by order, assigns
// rebalanced keys, bulk-upserts durable storage, then writes the new orders
// back to the cache in one pipeline so live traffic sees consistent orders
// (spec §4.4).
func (q *Queue) runRebalance(ctx context.Context, column domain.ColumnID) error {
	tasks, err := q.cache.ScanColumn(ctx, column)
	if err != nil {
		return fmt.Errorf("flushqueue: scan column %s for rebalance: %w", column, err)
	}
	if len(tasks) == 0 {
		return nil
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })

	keys := ordering.Rebalanced(len(tasks))
	for i := range tasks {
		tasks[i].Order = keys[i]
		tasks[i].Version++
		if err := q.store.UpsertTask(ctx, tasks[i], column, false); err != nil {
			return fmt.Errorf("flushqueue: durable rebalance upsert %s: %w", tasks[i].ID, err)
		}
	}
	if err := q.cache.PutMany(ctx, tasks, column); err != nil {
		return fmt.Errorf("flushqueue: cache rebalance write for column %s: %w", column, err)
	}
	return nil
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if attempt <= 0 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}
