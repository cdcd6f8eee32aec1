// Package domain holds the board's core data types: Task, UserPresence and
// the client-replayable QueuedOp. These are pure value types with no
// transport or storage coupling.
package domain

import (
	"time"

	"github.com/bytedance/sonic"
)

// RawMessage defers JSON decoding of an event payload until its concrete
// type is known, the same idiom the teacher uses for Command.Data.
type RawMessage = sonic.NoCopyRawMessage

// ColumnID enumerates the three ordered Kanban columns.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "in-progress"
	ColumnDone       ColumnID = "done"
)

// ValidColumn reports whether id is one of the three known columns.
func ValidColumn(id ColumnID) bool {
	switch id {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	default:
		return false
	}
}

const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 5000
)

// Task is the sole mutable domain entity: a single board card.
type Task struct {
	ID             string   `json:"id"`
	ColumnID       ColumnID `json:"columnId"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Order          float64  `json:"order"`
	Version        int      `json:"version"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	CreatorName    string   `json:"creatorName"`
	CreatorColor   string   `json:"creatorColor"`
	UpdatedByName  string   `json:"updatedByName"`
	UpdatedByColor string   `json:"updatedByColor"`
}

// UserPresence is a transient record for one live connection.
type UserPresence struct {
	UserID        string    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	Color         string    `json:"color"`
	ConnectedAt   time.Time `json:"connectedAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	EditingTaskID string    `json:"editingTaskId,omitempty"`
}

// QueuedOp is one offline-buffered client operation awaiting replay.
type QueuedOp struct {
	Type            string     `json:"type"`
	Payload         RawMessage `json:"payload"`
	ClientTimestamp int64      `json:"clientTimestamp"`
}
