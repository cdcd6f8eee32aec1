// Package board implements the TaskService (C5) and ConflictResolver (C6):
// pure mutation logic for creating, updating, moving and deleting tasks,
// plus the classification and merge policy for concurrent mutations on the
// same task. It is transport-agnostic, grounded in the teacher's
// read-model-updater/domain task-service idiom (version/timestamp guards)
// but implements a live authoritative cache instead of an eventually
// consistent read model.
package board

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/flushqueue"
	"github.com/mistervvp/board-coordinator/internal/ordering"
)

// Cache is the subset of boardcache.Cache the service depends on.
type Cache interface {
	Put(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, hadPrevious bool) error
	Get(ctx context.Context, id string) (domain.Task, bool, error)
	Delete(ctx context.Context, id string, column domain.ColumnID) error
	ListAll(ctx context.Context) ([]domain.Task, error)
	ScanColumn(ctx context.Context, column domain.ColumnID) ([]domain.Task, error)
}

// Flusher is the subset of flushqueue.Queue the service depends on.
type Flusher interface {
	EnqueueUpsert(taskID string)
	EnqueueDelete(taskID string)
	EnqueueRebalance(column domain.ColumnID)
}

// Clock lets tests control timestamps; production uses time.Now.
type Clock func() time.Time

// Service implements the pure task mutation operations (spec §4.5).
type Service struct {
	cache  Cache
	flush  Flusher
	now    Clock
}

func New(cache Cache, flush Flusher) *Service {
	return &Service{cache: cache, flush: flush, now: time.Now}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Service) WithClock(now Clock) *Service {
	s.now = now
	return s
}

// CreatePayload is the validated TASK_CREATE payload.
type CreatePayload struct {
	ID           string
	ColumnID     domain.ColumnID
	Title        string
	Description  string
	CreatorName  string
	CreatorColor string
}

// CreateTask appends a new task to the bottom of its column and persists it.
func (s *Service) CreateTask(ctx context.Context, p CreatePayload) (domain.Task, error) {
	existing, err := s.cache.ScanColumn(ctx, p.ColumnID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("board: scan column for create: %w", err)
	}

	maxOrder := ordering.Unbounded
	for _, t := range existing {
		if !maxOrder.Valid() || t.Order > maxOrder.Value() {
			maxOrder = ordering.At(t.Order)
		}
	}

	order, err := ordering.Between(maxOrder, ordering.Unbounded)
	if err != nil {
		return domain.Task{}, fmt.Errorf("board: compute append order: %w", err)
	}

	now := s.now().UTC()
	task := domain.Task{
		ID:             p.ID,
		ColumnID:       p.ColumnID,
		Title:          p.Title,
		Description:    p.Description,
		Order:          order,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		CreatorName:    p.CreatorName,
		CreatorColor:   p.CreatorColor,
		UpdatedByName:  p.CreatorName,
		UpdatedByColor: p.CreatorColor,
	}

	if err := s.cache.Put(ctx, task, "", false); err != nil {
		return domain.Task{}, fmt.Errorf("board: put created task: %w", err)
	}
	s.flush.EnqueueUpsert(task.ID)
	return task, nil
}

// UpdatePayload is the validated TASK_UPDATE payload. Title/Description are
// pointers so "field not sent" and "field cleared to empty" are distinct.
type UpdatePayload struct {
	ID             string
	Title          *string
	Description    *string
	Version        int
	UpdatedByName  string
	UpdatedByColor string
}

// UpdateTask applies title/description changes only; position fields are
// untouched. Per spec §4.5, a client-version mismatch does not reject the
// mutation — it proceeds against the latest server state, implementing the
// move+edit field-level merge (§4.6 rule 1).
func (s *Service) UpdateTask(ctx context.Context, p UpdatePayload) (domain.Task, error) {
	task, ok, err := s.cache.Get(ctx, p.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("board: get task for update: %w", err)
	}
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}

	if p.Version != task.Version {
		// A stale client version is neither rejected nor recorded: the
		// mutation proceeds against latest server state.
	}

	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	task.Version++
	task.UpdatedAt = s.now().UTC()
	task.UpdatedByName = p.UpdatedByName
	task.UpdatedByColor = p.UpdatedByColor

	if err := s.cache.Put(ctx, task, task.ColumnID, true); err != nil {
		return domain.Task{}, fmt.Errorf("board: put updated task: %w", err)
	}
	s.flush.EnqueueUpsert(task.ID)
	return task, nil
}

// MovePayload is the validated TASK_MOVE payload.
type MovePayload struct {
	ID             string
	ColumnID       domain.ColumnID
	Order          float64
	Version        int
	UpdatedByName  string
	UpdatedByColor string
}

// MoveTask updates only columnId/order. MUST be called with the per-task
// lock held (spec §4.5) — this function does not itself acquire it; that is
// the event router's responsibility so the lock scope can include the
// "read current state to notify the loser" step.
func (s *Service) MoveTask(ctx context.Context, p MovePayload) (domain.Task, error) {
	task, ok, err := s.cache.Get(ctx, p.ID)
	if err != nil {
		return domain.Task{}, fmt.Errorf("board: get task for move: %w", err)
	}
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}

	previousColumn := task.ColumnID
	task.ColumnID = p.ColumnID
	task.Order = p.Order
	task.Version++
	task.UpdatedAt = s.now().UTC()
	task.UpdatedByName = p.UpdatedByName
	task.UpdatedByColor = p.UpdatedByColor

	if err := s.cache.Put(ctx, task, previousColumn, true); err != nil {
		return domain.Task{}, fmt.Errorf("board: put moved task: %w", err)
	}
	s.flush.EnqueueUpsert(task.ID)

	if err := s.maybeRebalance(ctx, task); err != nil {
		return domain.Task{}, err
	}

	return task, nil
}

// maybeRebalance inspects the new column's neighbors by sorted order and
// enqueues a rebalance job if either adjacent gap is exhausted (spec §4.1,
// §4.5).
func (s *Service) maybeRebalance(ctx context.Context, task domain.Task) error {
	column, err := s.cache.ScanColumn(ctx, task.ColumnID)
	if err != nil {
		return fmt.Errorf("board: scan column for rebalance check: %w", err)
	}
	sort.Slice(column, func(i, j int) bool { return column[i].Order < column[j].Order })

	idx := -1
	for i, t := range column {
		if t.ID == task.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	exhausted := false
	if idx > 0 && ordering.Exhausted(column[idx-1].Order, column[idx].Order) {
		exhausted = true
	}
	if idx < len(column)-1 && ordering.Exhausted(column[idx].Order, column[idx+1].Order) {
		exhausted = true
	}
	if exhausted {
		s.flush.EnqueueRebalance(task.ColumnID)
	}
	return nil
}

// DeleteTask is idempotent: a missing task is a no-op success (spec §4.5).
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	task, ok, err := s.cache.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("board: get task for delete: %w", err)
	}
	if !ok {
		return nil
	}
	if err := s.cache.Delete(ctx, id, task.ColumnID); err != nil {
		return fmt.Errorf("board: delete task: %w", err)
	}
	s.flush.EnqueueDelete(id)
	return nil
}

// GetAllTasks returns every task sorted by (columnId, order) — columns in
// board order (todo, in-progress, done) — the shape consumed by
// BOARD_SNAPSHOT.
func (s *Service) GetAllTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.cache.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("board: list all: %w", err)
	}
	rank := map[domain.ColumnID]int{domain.ColumnTodo: 0, domain.ColumnInProgress: 1, domain.ColumnDone: 2}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].ColumnID != tasks[j].ColumnID {
			return rank[tasks[i].ColumnID] < rank[tasks[j].ColumnID]
		}
		return tasks[i].Order < tasks[j].Order
	})
	return tasks, nil
}

// GetTask returns the current authoritative state of one task, used by the
// event router to build CONFLICT_NOTIFY payloads and pre-move snapshots.
func (s *Service) GetTask(ctx context.Context, id string) (domain.Task, bool, error) {
	return s.cache.Get(ctx, id)
}

var _ Flusher = (*flushqueue.Queue)(nil)
