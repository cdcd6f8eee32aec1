package eventrouter

import (
	"math"
	"strings"
	"testing"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

func TestValidateCreateRejectsBadColumn(t *testing.T) {
	err := validateCreate(taskCreatePayload{ID: "t1", ColumnID: "bogus", Title: "ok"})
	if !isValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateCreateRejectsEmptyTitle(t *testing.T) {
	err := validateCreate(taskCreatePayload{ID: "t1", ColumnID: domain.ColumnTodo, Title: ""})
	if !isValidationError(err) {
		t.Fatalf("expected validation error for empty title, got %v", err)
	}
}

func TestValidateCreateRejectsOverlongTitle(t *testing.T) {
	long := strings.Repeat("a", domain.MaxTitleLen+1)
	err := validateCreate(taskCreatePayload{ID: "t1", ColumnID: domain.ColumnTodo, Title: long})
	if !isValidationError(err) {
		t.Fatalf("expected validation error for overlong title, got %v", err)
	}
}

func TestValidateCreateAccepts(t *testing.T) {
	err := validateCreate(taskCreatePayload{ID: "t1", ColumnID: domain.ColumnTodo, Title: "hello"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidateUpdateRequiresAtLeastOneField(t *testing.T) {
	err := validateUpdate(taskUpdatePayload{ID: "t1", Version: 1})
	if !isValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateUpdateRequiresPositiveVersion(t *testing.T) {
	title := "x"
	err := validateUpdate(taskUpdatePayload{ID: "t1", Title: &title, Version: 0})
	if !isValidationError(err) {
		t.Fatalf("expected validation error for non-positive version, got %v", err)
	}
}

func TestValidateMoveRejectsNonFiniteOrder(t *testing.T) {
	err := validateMove(taskMovePayload{ID: "t1", ColumnID: domain.ColumnTodo, Order: 1, Version: 1})
	if err != nil {
		t.Fatalf("expected valid move, got %v", err)
	}

	err = validateMove(taskMovePayload{ID: "t1", ColumnID: domain.ColumnTodo, Order: math.Inf(1), Version: 1})
	if !isValidationError(err) {
		t.Fatalf("expected validation error for infinite order, got %v", err)
	}
}

func TestValidateDeleteRequiresID(t *testing.T) {
	err := validateDelete(taskDeletePayload{})
	if !isValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidatePresenceUpdateRejectsUnknownStatus(t *testing.T) {
	err := validatePresenceUpdate(presenceUpdatePayload{Status: "away"})
	if !isValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateReplayEnforcesSizeBounds(t *testing.T) {
	if err := validateReplay(nil); !isValidationError(err) {
		t.Fatalf("expected validation error for empty replay, got %v", err)
	}

	ops := make([]domain.QueuedOp, 501)
	for i := range ops {
		ops[i] = domain.QueuedOp{Type: "TASK_DELETE", ClientTimestamp: int64(i + 1)}
	}
	if err := validateReplay(ops); !isValidationError(err) {
		t.Fatalf("expected validation error for oversized replay, got %v", err)
	}
}

func TestValidateReplayRejectsNonPositiveTimestamp(t *testing.T) {
	ops := []domain.QueuedOp{{Type: "TASK_DELETE", ClientTimestamp: 0}}
	if err := validateReplay(ops); !isValidationError(err) {
		t.Fatalf("expected validation error for non-positive timestamp, got %v", err)
	}
}
