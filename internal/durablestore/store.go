// Package durablestore provides the upsert/delete sink for tasks and the
// append-only conflict audit log, backed by Azure Table Storage — the same
// storage engine the teacher uses for its own read model
// (prism-api/storage/storage.go). The durable store is never authoritative;
// the AuthoritativeCache is (spec §4.2), and durable storage may lag it by
// at most FLUSH_DELAY plus retry backoff.
package durablestore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/obs"
)

// Store is the durable-storage handle for tasks and the conflict audit log.
type Store struct {
	tasks *aztables.Client
	audit *aztables.Client
}

// New creates a Store from an Azure Table Storage connection string, the
// same retry policy shape the teacher configures for its table client.
func New(connStr, tasksTable, auditTable string) (*Store, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    3 * time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Store{
		tasks: svc.NewClient(tasksTable),
		audit: svc.NewClient(auditTable),
	}, nil
}

// taskEntity mirrors the durable-storage table layout in spec §6:
// tasks(id, column_id, title, description, order, version, created_at,
// updated_at, creator_name, creator_color, updated_by_name, updated_by_color),
// partitioned by column so the index on (column_id, order) is natural.
type taskEntity struct {
	aztables.Entity
	Title          string
	Description    string
	Order          float64
	Version        int32
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CreatorName    string
	CreatorColor   string
	UpdatedByName  string
	UpdatedByColor string
}

func toEntity(task domain.Task) taskEntity {
	return taskEntity{
		Entity: aztables.Entity{
			PartitionKey: string(task.ColumnID),
			RowKey:       task.ID,
		},
		Title:          task.Title,
		Description:    task.Description,
		Order:          task.Order,
		Version:        int32(task.Version),
		CreatedAt:      task.CreatedAt,
		UpdatedAt:      task.UpdatedAt,
		CreatorName:    task.CreatorName,
		CreatorColor:   task.CreatorColor,
		UpdatedByName:  task.UpdatedByName,
		UpdatedByColor: task.UpdatedByColor,
	}
}

func fromEntity(e taskEntity) domain.Task {
	return domain.Task{
		ID:             e.RowKey,
		ColumnID:       domain.ColumnID(e.PartitionKey),
		Title:          e.Title,
		Description:    e.Description,
		Order:          e.Order,
		Version:        int(e.Version),
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		CreatorName:    e.CreatorName,
		CreatorColor:   e.CreatorColor,
		UpdatedByName:  e.UpdatedByName,
		UpdatedByColor: e.UpdatedByColor,
	}
}

// UpsertTask writes the current cache state of a task to durable storage.
// When columnChanged is set and previousColumn differs from the task's
// column, the stale row under the old partition key is deleted first.
func (s *Store) UpsertTask(ctx context.Context, task domain.Task, previousColumn domain.ColumnID, columnChanged bool) error {
	ctx, span := obs.StartSpan(ctx, "durablestore.UpsertTask")
	defer span.End()

	if columnChanged && previousColumn != "" && previousColumn != task.ColumnID {
		_, _ = s.tasks.DeleteEntity(ctx, string(previousColumn), task.ID, nil)
	}

	ent := toEntity(task)
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.tasks.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteTask removes a task's durable row. Idempotent: a missing row is not
// an error, mirroring TaskService.deleteTask's idempotence.
func (s *Store) DeleteTask(ctx context.Context, id string, column domain.ColumnID) error {
	ctx, span := obs.StartSpan(ctx, "durablestore.DeleteTask")
	defer span.End()

	_, err := s.tasks.DeleteEntity(ctx, string(column), id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil
		}
		return err
	}
	return nil
}

// FindTaskColumn reports which column partition currently holds id's durable
// row, if any. Table rows are partitioned by ColumnID (see taskEntity), so a
// lookup by id alone requires a cross-partition filter on RowKey — the same
// ListEntitiesPager-with-Filter idiom the teacher uses to scan by
// PartitionKey in storage.go's FetchTasks, applied to RowKey instead.
func (s *Store) FindTaskColumn(ctx context.Context, id string) (domain.ColumnID, bool, error) {
	ctx, span := obs.StartSpan(ctx, "durablestore.FindTaskColumn")
	defer span.End()

	filter := "RowKey eq '" + id + "'"
	pager := s.tasks.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return "", false, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return "", false, err
			}
			return domain.ColumnID(ent.PartitionKey), true, nil
		}
	}
	return "", false, nil
}

// ListTasks retrieves every task row, for cache cold-start hydration.
func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	ctx, span := obs.StartSpan(ctx, "durablestore.ListTasks")
	defer span.End()

	pager := s.tasks.NewListEntitiesPager(nil)
	var tasks []domain.Task
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, fromEntity(ent))
		}
	}
	return tasks, nil
}

// ConflictAudit is the append-only record written after a lock-loss
// conflict is resolved (spec §4.6, §6 conflict_audit_log table).
type ConflictAudit struct {
	TaskID        string
	WinnerEvent   string
	LoserEvent    string
	WinnerUserID  string
	LoserUserID   string
	ResolvedState domain.Task
	Message       string
	At            time.Time
}

type auditEntity struct {
	aztables.Entity
	TaskID        string
	WinnerEvent   string
	LoserEvent    string
	WinnerUserID  string
	LoserUserID   string
	ResolvedState string
	Message       string
	At            time.Time
}

// AppendConflictAudit writes one audit row. It is always called off the
// critical path (spec §4.6: "never on the critical path").
func (s *Store) AppendConflictAudit(ctx context.Context, rec ConflictAudit) error {
	ctx, span := obs.StartSpan(ctx, "durablestore.AppendConflictAudit")
	defer span.End()

	resolved, err := json.Marshal(rec.ResolvedState)
	if err != nil {
		return err
	}
	ent := auditEntity{
		Entity: aztables.Entity{
			PartitionKey: rec.TaskID,
			RowKey:       uuidLikeRowKey(rec.At),
		},
		TaskID:        rec.TaskID,
		WinnerEvent:   rec.WinnerEvent,
		LoserEvent:    rec.LoserEvent,
		WinnerUserID:  rec.WinnerUserID,
		LoserUserID:   rec.LoserUserID,
		ResolvedState: string(resolved),
		Message:       rec.Message,
		At:            rec.At,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.audit.UpsertEntity(ctx, payload, nil)
	return err
}

// uuidLikeRowKey derives a sortable, unique-enough row key from a
// nanosecond timestamp; callers never read audit rows back through this
// package, so ordering-by-RowKey is the only requirement.
func uuidLikeRowKey(at time.Time) string {
	return at.UTC().Format("20060102T150405.000000000")
}
