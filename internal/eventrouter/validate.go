package eventrouter

import (
	"fmt"
	"math"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

// validationError marks a payload failure that must reply privately with
// ERROR{code=VALIDATION_ERROR} and never broadcast (spec §6).
type validationError struct {
	msg string
}

func (e *validationError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

func isValidationError(err error) bool {
	_, ok := err.(*validationError)
	return ok
}

func validateCreate(p taskCreatePayload) error {
	if p.ID == "" {
		return invalid("id is required")
	}
	if !domain.ValidColumn(p.ColumnID) {
		return invalid("columnId %q is not one of todo, in-progress, done", p.ColumnID)
	}
	if len(p.Title) < 1 || len(p.Title) > domain.MaxTitleLen {
		return invalid("title length must be 1..%d", domain.MaxTitleLen)
	}
	if len(p.Description) > domain.MaxDescriptionLen {
		return invalid("description length must be <= %d", domain.MaxDescriptionLen)
	}
	return nil
}

func validateUpdate(p taskUpdatePayload) error {
	if p.ID == "" {
		return invalid("id is required")
	}
	if p.Title == nil && p.Description == nil {
		return invalid("at least one of title/description is required")
	}
	if p.Title != nil && (len(*p.Title) < 1 || len(*p.Title) > domain.MaxTitleLen) {
		return invalid("title length must be 1..%d", domain.MaxTitleLen)
	}
	if p.Description != nil && len(*p.Description) > domain.MaxDescriptionLen {
		return invalid("description length must be <= %d", domain.MaxDescriptionLen)
	}
	if p.Version <= 0 {
		return invalid("version must be a positive integer")
	}
	return nil
}

func validateMove(p taskMovePayload) error {
	if p.ID == "" {
		return invalid("id is required")
	}
	if !domain.ValidColumn(p.ColumnID) {
		return invalid("columnId %q is not one of todo, in-progress, done", p.ColumnID)
	}
	if math.IsNaN(p.Order) || math.IsInf(p.Order, 0) {
		return invalid("order must be finite")
	}
	if p.Version <= 0 {
		return invalid("version must be a positive integer")
	}
	return nil
}

func validateDelete(p taskDeletePayload) error {
	if p.ID == "" {
		return invalid("id is required")
	}
	return nil
}

func validatePresenceUpdate(p presenceUpdatePayload) error {
	if p.Status != "editing" && p.Status != "idle" {
		return invalid("status must be editing or idle")
	}
	return nil
}

func validateReplay(ops []domain.QueuedOp) error {
	if len(ops) < 1 || len(ops) > 500 {
		return invalid("replay size must be 1..500")
	}
	for _, op := range ops {
		if op.ClientTimestamp <= 0 {
			return invalid("clientTimestamp must be a positive integer")
		}
	}
	return nil
}
