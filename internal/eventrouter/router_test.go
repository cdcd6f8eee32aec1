package eventrouter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/mistervvp/board-coordinator/internal/board"
	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/durablestore"
	"github.com/mistervvp/board-coordinator/internal/tasklock"
)

type fakeCache struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newFakeCache() *fakeCache { return &fakeCache{tasks: make(map[string]domain.Task)} }

func (c *fakeCache) Put(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, hadPrevious bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks[task.ID] = task
	return nil
}
func (c *fakeCache) Get(ctx context.Context, id string) (domain.Task, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok, nil
}
func (c *fakeCache) Delete(ctx context.Context, id string, column domain.ColumnID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tasks, id)
	return nil
}
func (c *fakeCache) ListAll(ctx context.Context) ([]domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Task
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out, nil
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

type fakeFlusher struct {
	mu      sync.Mutex
	upserts []string
	deletes []string
}

func (f *fakeFlusher) EnqueueUpsert(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, taskID)
}
func (f *fakeFlusher) EnqueueDelete(taskID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, taskID)
}
func (f *fakeFlusher) EnqueueRebalance(column domain.ColumnID) {}

type fakeAuditSink struct {
	mu   sync.Mutex
	recs []durablestore.ConflictAudit
}

func (s *fakeAuditSink) AppendConflictAudit(ctx context.Context, rec durablestore.ConflictAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}
func (s *fakeAuditSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// fakeLocker lets tests force an acquire outcome per task id.
type fakeLocker struct {
	mu      sync.Mutex
	denyFor map[string]string // taskID -> holder to report
}

func newFakeLocker() *fakeLocker { return &fakeLocker{denyFor: make(map[string]string)} }

func (l *fakeLocker) Acquire(ctx context.Context, taskID, ownerID string) (tasklock.AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, deny := l.denyFor[taskID]; deny {
		return tasklock.AcquireResult{Acquired: false}, nil
	}
	return tasklock.AcquireResult{Acquired: true}, nil
}
func (l *fakeLocker) Release(ctx context.Context, taskID, ownerID string) error { return nil }
func (l *fakeLocker) Holder(ctx context.Context, taskID string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.denyFor[taskID]
	return h, ok, nil
}

type fakePresence struct {
	mu     sync.Mutex
	active map[string]domain.UserPresence
}

func newFakePresence() *fakePresence { return &fakePresence{active: make(map[string]domain.UserPresence)} }

func (p *fakePresence) Connect(ctx context.Context, connID, displayName string) (domain.UserPresence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := domain.UserPresence{UserID: connID, DisplayName: displayName}
	p.active[connID] = rec
	return rec, nil
}
func (p *fakePresence) UpdateStatus(ctx context.Context, connID, editingTaskID string) (domain.UserPresence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := p.active[connID]
	rec.EditingTaskID = editingTaskID
	p.active[connID] = rec
	return rec, nil
}
func (p *fakePresence) Disconnect(ctx context.Context, connID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, connID)
	return nil
}
func (p *fakePresence) ListActive(ctx context.Context) ([]domain.UserPresence, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.UserPresence
	for _, v := range p.active {
		out = append(out, v)
	}
	return out, nil
}

func newTestRouter() (*Router, *fakeCache, *fakeFlusher, *fakeLocker, *fakeAuditSink) {
	cache := newFakeCache()
	flush := &fakeFlusher{}
	svc := board.New(cache, flush)
	locker := newFakeLocker()
	pres := newFakePresence()
	sink := &fakeAuditSink{}
	resolver := board.NewConflictResolver(sink, nil)
	bcast := NewBroadcaster(nil)
	r := New(svc, locker, pres, resolver, bcast, nil)
	return r, cache, flush, locker, sink
}

func rawOf(t *testing.T, v any) domain.RawMessage {
	t.Helper()
	data, err := sonic.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return domain.RawMessage(data)
}

func TestHandleCreatePersistsTask(t *testing.T) {
	r, cache, flush, _, _ := newTestRouter()
	ctx := context.Background()

	r.dispatch(ctx, "conn-1", EventTaskCreate, rawOf(t, taskCreatePayload{
		ID: "t1", ColumnID: domain.ColumnTodo, Title: "first task",
	}))

	task, ok, err := cache.Get(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("expected task created, ok=%v err=%v", ok, err)
	}
	if task.Title != "first task" {
		t.Fatalf("unexpected title %q", task.Title)
	}
	if len(flush.upserts) != 1 {
		t.Fatalf("expected one flush enqueue, got %d", len(flush.upserts))
	}
}

func TestHandleCreateRejectsInvalidPayload(t *testing.T) {
	r, cache, _, _, _ := newTestRouter()
	ctx := context.Background()

	r.dispatch(ctx, "conn-1", EventTaskCreate, rawOf(t, taskCreatePayload{
		ID: "t1", ColumnID: "not-a-column", Title: "x",
	}))

	if _, ok, _ := cache.Get(ctx, "t1"); ok {
		t.Fatal("expected invalid create to not persist a task")
	}
}

func TestHandleMoveSucceedsWhenLockAcquired(t *testing.T) {
	r, cache, _, _, _ := newTestRouter()
	ctx := context.Background()
	cache.tasks["t1"] = domain.Task{ID: "t1", ColumnID: domain.ColumnTodo, Order: 1, Version: 1}

	r.dispatch(ctx, "conn-1", EventTaskMove, rawOf(t, taskMovePayload{
		ID: "t1", ColumnID: domain.ColumnDone, Order: 5, Version: 1,
	}))

	task, _, _ := cache.Get(ctx, "t1")
	if task.ColumnID != domain.ColumnDone {
		t.Fatalf("expected task moved to done, got %+v", task)
	}
}

func TestHandleMoveNotifiesLoserAndWritesAudit(t *testing.T) {
	r, cache, _, locker, sink := newTestRouter()
	ctx := context.Background()
	cache.tasks["t1"] = domain.Task{ID: "t1", ColumnID: domain.ColumnDone, Order: 5, Version: 2}
	locker.denyFor["t1"] = "conn-winner"

	r.dispatch(ctx, "conn-loser", EventTaskMove, rawOf(t, taskMovePayload{
		ID: "t1", ColumnID: domain.ColumnInProgress, Order: 1, Version: 1,
	}))

	// The move must not have been applied.
	task, _, _ := cache.Get(ctx, "t1")
	if task.ColumnID != domain.ColumnDone {
		t.Fatalf("expected losing move to leave task untouched, got %+v", task)
	}

	deadline := time.Now().Add(time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one audit record written, got %d", sink.count())
	}
}

func TestHandleDeleteIsIdempotent(t *testing.T) {
	r, cache, flush, _, _ := newTestRouter()
	ctx := context.Background()
	cache.tasks["t1"] = domain.Task{ID: "t1", ColumnID: domain.ColumnTodo}

	r.dispatch(ctx, "conn-1", EventTaskDelete, rawOf(t, taskDeletePayload{ID: "t1"}))
	r.dispatch(ctx, "conn-1", EventTaskDelete, rawOf(t, taskDeletePayload{ID: "t1"}))

	if _, ok, _ := cache.Get(ctx, "t1"); ok {
		t.Fatal("expected task deleted")
	}
	if len(flush.deletes) != 1 {
		t.Fatalf("expected exactly one delete enqueued, got %d", len(flush.deletes))
	}
}

func TestHandleReplayAppliesOpsInTimestampOrderAndSkipsPresence(t *testing.T) {
	r, cache, _, _, _ := newTestRouter()
	ctx := context.Background()

	createOp := domain.QueuedOp{
		Type:            EventTaskCreate,
		Payload:         rawOf(t, taskCreatePayload{ID: "t1", ColumnID: domain.ColumnTodo, Title: "A"}),
		ClientTimestamp: 2,
	}
	presenceOp := domain.QueuedOp{
		Type:            EventPresenceUpdate,
		Payload:         rawOf(t, presenceUpdatePayload{Status: "editing", TaskID: "t1"}),
		ClientTimestamp: 1,
	}
	deleteOp := domain.QueuedOp{
		Type:            EventTaskDelete,
		Payload:         rawOf(t, taskDeletePayload{ID: "t1"}),
		ClientTimestamp: 3,
	}

	r.dispatch(ctx, "conn-1", EventReplayOps, rawOf(t, []domain.QueuedOp{deleteOp, createOp, presenceOp}))

	if _, ok, _ := cache.Get(ctx, "t1"); ok {
		t.Fatal("expected create-then-delete replay to leave no task behind")
	}
}
