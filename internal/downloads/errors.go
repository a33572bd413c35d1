package downloads

import (
	"errors"

	"download-task-supervisor/internal/store"
)

var (
	// ErrNotFound covers both a missing task and an owner mismatch, so a
	// caller cannot probe for tasks that belong to someone else.
	ErrNotFound = errors.New("download task not found")

	// ErrConflict means a state transition was attempted from an unexpected
	// current status. This is a benign race: someone else already cancelled
	// or completed the task.
	ErrConflict = errors.New("download task is not in the expected state")

	// ErrInvalidInput rejects a request before any state changes.
	ErrInvalidInput = errors.New("invalid download request")
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrTaskNotFound)
}
