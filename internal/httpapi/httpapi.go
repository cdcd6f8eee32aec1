// Package httpapi implements the read-only HTTP fallback surface (spec §6:
// "All mutations go through the event channel so conflict logic remains
// single-sourced"). Registration follows the teacher's echo wiring
// (prism-api/main.go, stream-service/api/handlers.go: Register(e, ...)).
package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mistervvp/board-coordinator/internal/domain"
)

// TaskReader is the subset of board.Service the HTTP surface depends on.
type TaskReader interface {
	GetAllTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, bool, error)
}

// Register wires GET /tasks, GET /tasks/{id} and GET /health onto e.
func Register(e *echo.Echo, reader TaskReader) {
	e.GET("/tasks", listTasks(reader))
	e.GET("/tasks/:id", getTask(reader))
	e.GET("/health", health)
}

func listTasks(reader TaskReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		tasks, err := reader.GetAllTasks(c.Request().Context())
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"code": domain.CodeValidationError, "message": err.Error()})
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return c.JSON(http.StatusOK, tasks)
	}
}

func getTask(reader TaskReader) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		task, ok, err := reader.GetTask(c.Request().Context(), id)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return c.JSON(http.StatusInternalServerError, map[string]string{"code": domain.CodeValidationError, "message": err.Error()})
		}
		if !ok {
			return c.JSON(http.StatusNotFound, map[string]string{"code": domain.CodeNotFound, "message": "task not found"})
		}
		return c.JSON(http.StatusOK, task)
	}
}

func health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
