package eventrouter

import "github.com/mistervvp/board-coordinator/internal/domain"

// Client→Server event names (spec §6).
const (
	EventTaskCreate     = "TASK_CREATE"
	EventTaskUpdate     = "TASK_UPDATE"
	EventTaskMove       = "TASK_MOVE"
	EventTaskDelete     = "TASK_DELETE"
	EventReplayOps      = "REPLAY_OPS"
	EventPresenceUpdate = "PRESENCE_UPDATE"
)

// Server→Client event names (spec §6).
const (
	EventBoardSnapshot = "BOARD_SNAPSHOT"
	EventTaskCreated   = "TASK_CREATED"
	EventTaskUpdated   = "TASK_UPDATED"
	EventTaskMoved     = "TASK_MOVED"
	EventTaskDeleted   = "TASK_DELETED"
	EventConflictNotify = "CONFLICT_NOTIFY"
	EventPresenceState = "PRESENCE_STATE"
	EventError         = "ERROR"
)

type taskCreatePayload struct {
	ID           string          `json:"id"`
	ColumnID     domain.ColumnID `json:"columnId"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	CreatorName  string          `json:"creatorName"`
	CreatorColor string          `json:"creatorColor"`
}

type taskUpdatePayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Version     int     `json:"version"`
}

type taskMovePayload struct {
	ID       string          `json:"id"`
	ColumnID domain.ColumnID `json:"columnId"`
	Order    float64         `json:"order"`
	Version  int             `json:"version"`
}

type taskDeletePayload struct {
	ID string `json:"id"`
}

type presenceUpdatePayload struct {
	Status string `json:"status"`
	TaskID string `json:"taskId"`
}

type taskDeletedEvent struct {
	ID string `json:"id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type boardSnapshotPayload struct {
	Tasks    []domain.Task        `json:"tasks"`
	Presence []domain.UserPresence `json:"presence"`
}
