// Package eventrouter implements the EventRouter/Broadcaster (C8): per
// connection it binds event names to handlers and does nothing else (spec
// §4.8). Transport is internal/wsconn; mutation logic is internal/board;
// serialization of concurrent moves is internal/tasklock.
package eventrouter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/mistervvp/board-coordinator/internal/board"
	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/obs"
	"github.com/mistervvp/board-coordinator/internal/tasklock"
	"github.com/mistervvp/board-coordinator/internal/wsconn"
)

// Locker is the subset of tasklock.Manager the router depends on.
type Locker interface {
	Acquire(ctx context.Context, taskID, ownerID string) (tasklock.AcquireResult, error)
	Release(ctx context.Context, taskID, ownerID string) error
	Holder(ctx context.Context, taskID string) (string, bool, error)
}

// PresenceRegistry is the subset of presence.Registry the router depends on.
type PresenceRegistry interface {
	Connect(ctx context.Context, connID, displayName string) (domain.UserPresence, error)
	UpdateStatus(ctx context.Context, connID, editingTaskID string) (domain.UserPresence, error)
	Disconnect(ctx context.Context, connID string) error
	ListActive(ctx context.Context) ([]domain.UserPresence, error)
}

// Router dispatches inbound events to C5/C6/C7 and fans outbound events out
// through the Broadcaster.
type Router struct {
	service   *board.Service
	locks     Locker
	presence  PresenceRegistry
	conflicts *board.ConflictResolver
	bcast     *Broadcaster
	logger    *log.Logger
}

func New(service *board.Service, locks Locker, presenceReg PresenceRegistry, conflicts *board.ConflictResolver, bcast *Broadcaster, logger *log.Logger) *Router {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Router{service: service, locks: locks, presence: presenceReg, conflicts: conflicts, bcast: bcast, logger: logger}
}

// Serve runs one connection's full lifecycle: connect, dispatch loop,
// disconnect (spec §4.8 "Connection lifecycle").
func (r *Router) Serve(ctx context.Context, conn *wsconn.Conn, displayName string) {
	presenceRec, err := r.presence.Connect(ctx, conn.ID, displayName)
	if err != nil {
		r.logger.WithError(err).Error("eventrouter: connect failed")
		_ = conn.Send(ctx, EventError, errorPayload{Code: domain.CodeConnectFailed, Message: "failed to establish presence"})
		return
	}
	r.bcast.Subscribe(conn)
	defer func() {
		r.bcast.Unsubscribe(conn.ID)
		_ = r.presence.Disconnect(ctx, conn.ID)
		r.broadcastPresence(ctx)
	}()

	if err := r.sendSnapshot(ctx, conn); err != nil {
		r.logger.WithError(err).Error("eventrouter: snapshot assembly failed")
		_ = conn.Send(ctx, EventError, errorPayload{Code: domain.CodeConnectFailed, Message: "failed to assemble board snapshot"})
		return
	}
	_ = presenceRec
	r.broadcastPresence(ctx)

	for {
		env, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		r.dispatch(ctx, conn.ID, env.Type, env.Payload)
	}
}

func (r *Router) sendSnapshot(ctx context.Context, conn *wsconn.Conn) error {
	tasks, err := r.service.GetAllTasks(ctx)
	if err != nil {
		return fmt.Errorf("get all tasks: %w", err)
	}
	active, err := r.presence.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active presence: %w", err)
	}
	r.bcast.SendTo(ctx, conn.ID, EventBoardSnapshot, boardSnapshotPayload{Tasks: tasks, Presence: active})
	return nil
}

func (r *Router) broadcastPresence(ctx context.Context) {
	active, err := r.presence.ListActive(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("eventrouter: list active presence failed")
		return
	}
	r.bcast.Broadcast(ctx, EventPresenceState, active, "")
}

// dispatch binds an event name to its handler (spec §4.8: "binds event
// names to handlers and does nothing else"). Used both by the live receive
// loop and by REPLAY_OPS, so conflict resolution applies identically.
// dispatch wraps every inbound event in its own span (spec §6: "OTel spans
// wrap each inbound event handler") so a slow TASK_MOVE or a stuck durable
// round trip downstream of it is attributable to the event that triggered
// it in a trace backend.
func (r *Router) dispatch(ctx context.Context, connID, eventType string, payload domain.RawMessage) {
	ctx, span := obs.StartSpan(ctx, eventType)
	defer span.End()

	switch eventType {
	case EventTaskCreate:
		r.handleCreate(ctx, connID, payload)
	case EventTaskUpdate:
		r.handleUpdate(ctx, connID, payload)
	case EventTaskMove:
		r.handleMove(ctx, connID, payload)
	case EventTaskDelete:
		r.handleDelete(ctx, connID, payload)
	case EventPresenceUpdate:
		r.handlePresenceUpdate(ctx, connID, payload)
	case EventReplayOps:
		r.handleReplay(ctx, connID, payload)
	default:
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeValidationError, Message: "unknown event type " + eventType})
	}
}

func decode[T any](payload domain.RawMessage) (T, error) {
	var v T
	err := sonicUnmarshal(payload, &v)
	return v, err
}

func (r *Router) handleCreate(ctx context.Context, connID string, raw domain.RawMessage) {
	p, err := decode[taskCreatePayload](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed TASK_CREATE payload")
		return
	}
	if err := validateCreate(p); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	task, err := r.service.CreateTask(ctx, board.CreatePayload{
		ID: p.ID, ColumnID: p.ColumnID, Title: p.Title, Description: p.Description,
		CreatorName: p.CreatorName, CreatorColor: p.CreatorColor,
	})
	if err != nil {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeCreateFailed, Message: err.Error()})
		return
	}
	r.bcast.Broadcast(ctx, EventTaskCreated, task, "")
}

func (r *Router) handleUpdate(ctx context.Context, connID string, raw domain.RawMessage) {
	p, err := decode[taskUpdatePayload](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed TASK_UPDATE payload")
		return
	}
	if err := validateUpdate(p); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	task, err := r.service.UpdateTask(ctx, board.UpdatePayload{
		ID: p.ID, Title: p.Title, Description: p.Description, Version: p.Version,
	})
	if err != nil {
		code := domain.CodeUpdateFailed
		if errors.Is(err, domain.ErrNotFound) {
			code = domain.CodeNotFound
		}
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: code, Message: err.Error()})
		return
	}
	r.bcast.Broadcast(ctx, EventTaskUpdated, task, "")
}

// handleMove implements spec §4.8's TASK_MOVE handler: fetch current task,
// acquire the per-task lock, apply the move on success or notify+audit on
// failure, release in a guaranteed-exit path.
func (r *Router) handleMove(ctx context.Context, connID string, raw domain.RawMessage) {
	p, err := decode[taskMovePayload](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed TASK_MOVE payload")
		return
	}
	if err := validateMove(p); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	if _, ok, err := r.service.GetTask(ctx, p.ID); err != nil {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeMoveFailed, Message: err.Error()})
		return
	} else if !ok {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeNotFound, Message: "task not found"})
		return
	}

	acquired, err := r.locks.Acquire(ctx, p.ID, connID)
	if err != nil {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeMoveFailed, Message: err.Error()})
		return
	}
	if !acquired.Acquired {
		winnerID, _, _ := r.locks.Holder(ctx, p.ID)
		current, ok, err := r.service.GetTask(ctx, p.ID)
		if err != nil || !ok {
			r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeMoveFailed, Message: "task unavailable during conflict"})
			return
		}
		notify := r.conflicts.ResolveMoveConflict(EventTaskMove, EventTaskMove, winnerID, connID, current)
		r.bcast.SendTo(ctx, connID, EventConflictNotify, notify)
		return
	}
	defer func() { _ = r.locks.Release(ctx, p.ID, connID) }()

	task, err := r.service.MoveTask(ctx, board.MovePayload{ID: p.ID, ColumnID: p.ColumnID, Order: p.Order, Version: p.Version})
	if err != nil {
		code := domain.CodeMoveFailed
		if errors.Is(err, domain.ErrNotFound) {
			code = domain.CodeNotFound
		}
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: code, Message: err.Error()})
		return
	}
	r.bcast.Broadcast(ctx, EventTaskMoved, task, "")
}

func (r *Router) handleDelete(ctx context.Context, connID string, raw domain.RawMessage) {
	p, err := decode[taskDeletePayload](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed TASK_DELETE payload")
		return
	}
	if err := validateDelete(p); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	if err := r.service.DeleteTask(ctx, p.ID); err != nil {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeDeleteFailed, Message: err.Error()})
		return
	}
	r.bcast.Broadcast(ctx, EventTaskDeleted, taskDeletedEvent{ID: p.ID}, "")
}

func (r *Router) handlePresenceUpdate(ctx context.Context, connID string, raw domain.RawMessage) {
	p, err := decode[presenceUpdatePayload](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed PRESENCE_UPDATE payload")
		return
	}
	if err := validatePresenceUpdate(p); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	editing := ""
	if p.Status == "editing" {
		editing = p.TaskID
	}
	if _, err := r.presence.UpdateStatus(ctx, connID, editing); err != nil {
		r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeValidationError, Message: err.Error()})
		return
	}
	r.broadcastPresence(ctx)
}

// handleReplay sorts buffered ops by clientTimestamp and dispatches each
// through the same handler chain, dropping stale PRESENCE_UPDATE entries
// (spec §4.8).
func (r *Router) handleReplay(ctx context.Context, connID string, raw domain.RawMessage) {
	ops, err := decode[[]domain.QueuedOp](raw)
	if err != nil {
		r.replyValidationError(ctx, connID, "malformed REPLAY_OPS payload")
		return
	}
	if err := validateReplay(ops); err != nil {
		r.replyValidationError(ctx, connID, err.Error())
		return
	}

	sort.SliceStable(ops, func(i, j int) bool { return ops[i].ClientTimestamp < ops[j].ClientTimestamp })

	for _, op := range ops {
		if op.Type == EventPresenceUpdate {
			continue
		}
		r.dispatch(ctx, connID, op.Type, op.Payload)
	}
}

func (r *Router) replyValidationError(ctx context.Context, connID, message string) {
	r.bcast.SendTo(ctx, connID, EventError, errorPayload{Code: domain.CodeValidationError, Message: message})
}
