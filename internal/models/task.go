package models

import (
	"time"
)

// Task statuses persisted in Postgres. completed and failed are terminal.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TaskEvent kinds.
const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventError    = "error"
)

// Task represents one background download job persisted in Postgres.
type Task struct {
	ID           int64          `json:"id"`
	UserID       int64          `json:"user_id"`
	Source       string         `json:"source"`
	Params       map[string]any `json:"params"`
	PlaylistID   *int64         `json:"playlist_id,omitempty"`
	Status       string         `json:"status"`
	WorkerPID    *int           `json:"worker_pid,omitempty"`
	HeartbeatAt  *time.Time     `json:"heartbeat_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the task has reached a final status.
func (t Task) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// TaskEvent is one append-only log row belonging to a task.
// Events are never updated or deleted and are read in id order.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Song is a media item produced by a worker as it completes downloads.
type Song struct {
	ID           int64     `json:"id"`
	TaskID       int64     `json:"task_id"`
	Title        string    `json:"title"`
	Artist       string    `json:"artist"`
	DurationSecs int       `json:"duration_secs"`
	FilePath     string    `json:"file_path"`
	CreatedAt    time.Time `json:"created_at"`
}
