package flushqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

type fakeCache struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeCache() *fakeCache {
	return &fakeCache{tasks: make(map[string]domain.Task)}
}

func (c *fakeCache) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok, nil
}

func (c *fakeCache) ScanColumn(ctx context.Context, column domain.ColumnID) ([]domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Task
	for _, t := range c.tasks {
		if t.ColumnID == column {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *fakeCache) Put(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, hadPrevious bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
	return nil
}

func (c *fakeCache) PutMany(ctx context.Context, tasks []domain.Task, column domain.ColumnID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tasks {
		c.tasks[t.ID] = t
	}
	return nil
}

func (c *fakeCache) set(task domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
}

func (c *fakeCache) delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
}

// fakeStore simulates the durable store's column-partitioned rows: columns
// tracks which column each task id is currently filed under, the way
// aztables tracks it via PartitionKey.
type fakeStore struct {
	mu        sync.Mutex
	upserts   []domain.Task
	deletes   []string
	failUntil int
	calls     int32

	columns        map[string]domain.ColumnID
	lastColumnArgs []upsertColumnArgs
}

type upsertColumnArgs struct {
	taskID         string
	previousColumn domain.ColumnID
	columnChanged  bool
}

func (s *fakeStore) UpsertTask(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, columnChanged bool) error {
	n := atomic.AddInt32(&s.calls, 1)
	if int(n) <= s.failUntil {
		return errors.New("transient failure")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, task)
	s.lastColumnArgs = append(s.lastColumnArgs, upsertColumnArgs{taskID: task.ID, previousColumn: previousColumn, columnChanged: columnChanged})
	if s.columns == nil {
		s.columns = make(map[string]domain.ColumnID)
	}
	s.columns[task.ID] = task.ColumnID
	return nil
}

func (s *fakeStore) DeleteTask(ctx context.Context, id string, column domain.ColumnID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, id)
	delete(s.columns, id)
	return nil
}

// FindTaskColumn mirrors durablestore.Store.FindTaskColumn: it reports the
// column the task was last durably upserted under, or false if never seen.
func (s *fakeStore) FindTaskColumn(ctx context.Context, id string) (domain.ColumnID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.columns[id]
	return col, ok, nil
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func testConfig() Config {
	return Config{
		Workers:    2,
		FlushDelay: 5 * time.Millisecond,
		RetryInit:  2 * time.Millisecond,
		RetryMax:   10 * time.Millisecond,
		MaxRetries: 5,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func TestEnqueueUpsertFlushesAfterDelay(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	task := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo, Title: "A"}
	cache.set(task)
	q.EnqueueUpsert("t1")

	waitFor(t, time.Second, func() bool { return store.upsertCount() == 1 })
}

func TestBurstOfUpsertsCoalescesToOneWrite(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	task := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo}
	for i := 0; i < 10; i++ {
		task.Title = "rev"
		cache.set(task)
		q.EnqueueUpsert("t1")
		time.Sleep(time.Millisecond)
	}

	time.Sleep(50 * time.Millisecond)
	if got := store.upsertCount(); got != 1 {
		t.Fatalf("expected coalesced single write, got %d", got)
	}
}

func TestDeleteSupersedesPendingUpsert(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	task := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo}
	cache.set(task)
	q.EnqueueUpsert("t1")
	cache.delete("t1")
	q.EnqueueDelete("t1")

	waitFor(t, time.Second, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.deletes) == 1
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 0 {
		t.Fatalf("expected upsert to be superseded by delete, got %d upserts", len(store.upserts))
	}
}

func TestFailedJobRetriesWithBackoff(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{failUntil: 2}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	task := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo}
	cache.set(task)
	q.EnqueueUpsert("t1")

	waitFor(t, time.Second, func() bool { return store.upsertCount() == 1 })
}

func TestRunUpsertDetectsCrossColumnMoveAndUpdatesDurablePartition(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	task := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo, Title: "A"}
	cache.set(task)
	q.EnqueueUpsert("t1")
	waitFor(t, time.Second, func() bool { return store.upsertCount() == 1 })

	task.ColumnID = domain.ColumnDone
	cache.set(task)
	q.EnqueueUpsert("t1")
	waitFor(t, time.Second, func() bool { return store.upsertCount() == 2 })

	store.mu.Lock()
	defer store.mu.Unlock()
	last := store.lastColumnArgs[len(store.lastColumnArgs)-1]
	if last.previousColumn != domain.ColumnTodo {
		t.Fatalf("expected previousColumn todo, got %q", last.previousColumn)
	}
	if !last.columnChanged {
		t.Fatal("expected columnChanged=true on cross-column move upsert")
	}
}

func TestRunUpsertFirstWriteHasNoPreviousColumn(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	cache.set(domain.Task{ID: "t1", ColumnID: domain.ColumnTodo})
	q.EnqueueUpsert("t1")
	waitFor(t, time.Second, func() bool { return store.upsertCount() == 1 })

	store.mu.Lock()
	defer store.mu.Unlock()
	last := store.lastColumnArgs[len(store.lastColumnArgs)-1]
	if last.columnChanged {
		t.Fatal("expected columnChanged=false when the task has no prior durable row")
	}
}

func TestRebalanceAssignsDenseKeysAndWritesBothStores(t *testing.T) {
	cache := newFakeCache()
	store := &fakeStore{}
	q := New(testConfig(), cache, store, nil)
	defer q.Shutdown()

	cache.set(domain.Task{ID: "a", ColumnID: domain.ColumnTodo, Order: 1})
	cache.set(domain.Task{ID: "b", ColumnID: domain.ColumnTodo, Order: 1.0000000001})
	cache.set(domain.Task{ID: "c", ColumnID: domain.ColumnTodo, Order: 2})

	q.EnqueueRebalance(domain.ColumnTodo)

	waitFor(t, time.Second, func() bool { return store.upsertCount() == 3 })

	tasks, _ := cache.ScanColumn(context.Background(), domain.ColumnTodo)
	seen := map[string]float64{}
	for _, task := range tasks {
		seen[task.ID] = task.Order
	}
	if seen["a"] >= seen["b"] || seen["b"] >= seen["c"] {
		t.Fatalf("expected strictly increasing rebalanced orders, got %#v", seen)
	}
}
