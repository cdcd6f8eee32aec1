package board

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mistervvp/board-coordinator/internal/domain"
	"github.com/mistervvp/board-coordinator/internal/durablestore"
)

// ConflictNotify is the private payload sent to the losing side of a
// move+move conflict (spec §4.6 rule 2, §6 CONFLICT_NOTIFY).
type ConflictNotify struct {
	TaskID        string      `json:"taskId"`
	ResolvedState domain.Task `json:"resolvedState"`
	Message       string      `json:"message"`
}

// BuildMoveConflictNotify builds the loser's notification from the winner's
// post-move authoritative state.
func BuildMoveConflictNotify(resolved domain.Task) ConflictNotify {
	return ConflictNotify{
		TaskID:        resolved.ID,
		ResolvedState: resolved,
		Message:       fmt.Sprintf("task %q was moved by another participant first; your move was not applied", resolved.ID),
	}
}

// AuditSink is the subset of durablestore.Store the resolver writes audit
// rows through.
type AuditSink interface {
	AppendConflictAudit(ctx context.Context, rec durablestore.ConflictAudit) error
}

// ConflictResolver classifies concurrent mutations and dispatches the
// fire-and-forget audit write for move+move conflicts (spec §4.6). It never
// sits on the critical path: Notify is synchronous (pure data), Audit is
// handed to a small bounded worker pool with a non-blocking send, the same
// handoff idiom the teacher uses for its command-enqueue pool
// (prism-api/api/pool.go) — a full queue drops the audit write rather than
// stalling the caller, since audit-log failures are logged-only (spec §7).
type ConflictResolver struct {
	sink   AuditSink
	logger *log.Logger
	jobs   chan durablestore.ConflictAudit
}

const (
	auditWorkers = 4
	auditBuffer  = 256
)

// NewConflictResolver starts the audit worker pool. Call Shutdown to drain it.
func NewConflictResolver(sink AuditSink, logger *log.Logger) *ConflictResolver {
	if logger == nil {
		logger = log.StandardLogger()
	}
	r := &ConflictResolver{
		sink:   sink,
		logger: logger,
		jobs:   make(chan durablestore.ConflictAudit, auditBuffer),
	}
	for i := 0; i < auditWorkers; i++ {
		go r.worker()
	}
	return r
}

func (r *ConflictResolver) worker() {
	for rec := range r.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.sink.AppendConflictAudit(ctx, rec); err != nil {
			r.logger.WithError(err).WithField("task", rec.TaskID).Error("board: conflict audit write failed")
		}
		cancel()
	}
}

// Shutdown closes the job channel; the workers keep writing the records
// already queued until the channel is empty. Shutdown does not wait for them.
func (r *ConflictResolver) Shutdown() {
	close(r.jobs)
}

// ResolveMoveConflict is called by the event router when a TASK_MOVE lock
// acquisition fails (spec §4.8 TASK_MOVE handler, §4.6 rule 2): it builds
// the loser's CONFLICT_NOTIFY and enqueues the audit row without blocking
// the caller.
func (r *ConflictResolver) ResolveMoveConflict(winnerEvent, loserEvent, winnerUserID, loserUserID string, resolved domain.Task) ConflictNotify {
	notify := BuildMoveConflictNotify(resolved)

	rec := durablestore.ConflictAudit{
		TaskID:        resolved.ID,
		WinnerEvent:   winnerEvent,
		LoserEvent:    loserEvent,
		WinnerUserID:  winnerUserID,
		LoserUserID:   loserUserID,
		ResolvedState: resolved,
		Message:       notify.Message,
		At:            time.Now().UTC(),
	}

	select {
	case r.jobs <- rec:
	default:
		r.logger.WithField("task", resolved.ID).Warn("board: conflict audit queue full, dropping audit record")
	}

	return notify
}
