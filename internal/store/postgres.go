package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"download-task-supervisor/internal/models"
)

// ErrTaskNotFound is returned when a task id does not exist or is not
// visible to the requesting owner.
var ErrTaskNotFound = errors.New("task not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, user_id, source, params, playlist_id, status, worker_pid, heartbeat_at, started_at, completed_at, error_message, created_at, updated_at`

// CreateTask inserts a task row in queued status and returns it.
func (s *Store) CreateTask(ctx context.Context, userID int64, source string, params map[string]any, playlistID *int64) (models.Task, error) {
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return models.Task{}, fmt.Errorf("marshal params: %w", err)
	}

	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO download_tasks (user_id, source, params, playlist_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING id
	`, userID, source, paramsJSON, playlistID, models.StatusQueued, now)

	var id int64
	if err := row.Scan(&id); err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}

	return models.Task{
		ID:         id,
		UserID:     userID,
		Source:     source,
		Params:     params,
		PlaylistID: playlistID,
		Status:     models.StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// TaskByID fetches a task regardless of owner.
func (s *Store) TaskByID(ctx context.Context, id int64) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM download_tasks WHERE id = $1
	`, id)
	return scanTask(row)
}

// TaskForOwner fetches a task only if it belongs to userID. A wrong owner
// is indistinguishable from a missing task.
func (s *Store) TaskForOwner(ctx context.Context, userID, id int64) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM download_tasks WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanTask(row)
}

// ListByOwner returns the owner's most recent tasks.
func (s *Store) ListByOwner(ctx context.Context, userID int64, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE user_id = $1 ORDER BY id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountByStatus returns how many tasks currently hold the given status.
func (s *Store) CountByStatus(ctx context.Context, status string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM download_tasks WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// ListQueued returns the oldest queued tasks, submission order first.
func (s *Store) ListQueued(ctx context.Context, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE status = $1 ORDER BY id ASC LIMIT $2
	`, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListRunning returns every task currently marked running.
func (s *Store) ListRunning(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM download_tasks
		WHERE status = $1 ORDER BY id ASC
	`, models.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("list running tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkRunning transitions queued -> running, recording the worker pid and
// start time in the same conditional write. Returns false when the task is
// no longer queued (another drain claimed it, or it was cancelled).
func (s *Store) MarkRunning(ctx context.Context, id int64, pid int, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tasks
		SET status = $3, worker_pid = $4, started_at = $2, heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = $5
	`, id, now.UTC(), models.StatusRunning, pid, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("mark running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted transitions running -> completed, clearing the pid and
// heartbeat. Returns false if the task already left running.
func (s *Store) MarkCompleted(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tasks
		SET status = $3, completed_at = $2, worker_pid = NULL, heartbeat_at = NULL, updated_at = $2
		WHERE id = $1 AND status = $4
	`, id, now.UTC(), models.StatusCompleted, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions to failed from any of the expected source statuses,
// recording the error message. Reports which source status matched, since
// the caller's earlier read may be stale. Returns false when the current
// status matched none of them, meaning someone else already resolved the
// task.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string, now time.Time, from ...string) (string, bool, error) {
	if len(from) == 0 {
		from = []string{models.StatusQueued, models.StatusRunning}
	}
	var prev string
	err := s.pool.QueryRow(ctx, `
		UPDATE download_tasks t
		SET status = $3, completed_at = $2, error_message = $4, worker_pid = NULL, heartbeat_at = NULL, updated_at = $2
		FROM (SELECT id, status AS prev_status FROM download_tasks WHERE id = $1 FOR UPDATE) prev
		WHERE t.id = prev.id AND prev.prev_status = ANY($5)
		RETURNING prev.prev_status
	`, id, now.UTC(), models.StatusFailed, message, from).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("mark failed: %w", err)
	}
	return prev, true, nil
}

// TouchHeartbeat refreshes the liveness timestamp while a task is running.
func (s *Store) TouchHeartbeat(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE download_tasks SET heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = $3
	`, id, now.UTC(), models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// AppendEvent adds one immutable event row to the task's log.
func (s *Store) AppendEvent(ctx context.Context, taskID int64, kind, message string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO download_task_events (task_id, kind, message, created_at)
		VALUES ($1, $2, $3, NOW())
	`, taskID, kind, message)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the task's oldest events first, up to limit.
func (s *Store) ListEvents(ctx context.Context, taskID int64, limit int) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, kind, message, created_at
		FROM download_task_events
		WHERE task_id = $1 ORDER BY id ASC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.TaskEvent
	for rows.Next() {
		var e models.TaskEvent
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AddSong records a media item produced by the worker.
func (s *Store) AddSong(ctx context.Context, song models.Song) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO songs (task_id, title, artist, duration_secs, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id
	`, song.TaskID, song.Title, song.Artist, song.DurationSecs, song.FilePath).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert song: %w", err)
	}
	return id, nil
}

// ListRecentSongs returns the task's newest songs first, up to limit.
func (s *Store) ListRecentSongs(ctx context.Context, taskID int64, limit int) ([]models.Song, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, title, artist, duration_secs, file_path, created_at
		FROM songs
		WHERE task_id = $1 ORDER BY id DESC LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	defer rows.Close()

	var songs []models.Song
	for rows.Next() {
		var sg models.Song
		if err := rows.Scan(&sg.ID, &sg.TaskID, &sg.Title, &sg.Artist, &sg.DurationSecs, &sg.FilePath, &sg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan song: %w", err)
		}
		songs = append(songs, sg)
	}
	return songs, rows.Err()
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var paramsJSON []byte
	var playlistID pgtype.Int8
	var workerPID pgtype.Int4
	var heartbeatAt, startedAt, completedAt pgtype.Timestamptz
	var errMsg pgtype.Text

	err := row.Scan(&t.ID, &t.UserID, &t.Source, &paramsJSON, &playlistID, &t.Status,
		&workerPID, &heartbeatAt, &startedAt, &completedAt, &errMsg, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
		return models.Task{}, fmt.Errorf("unmarshal params: %w", err)
	}
	if playlistID.Valid {
		t.PlaylistID = &playlistID.Int64
	}
	if workerPID.Valid {
		pid := int(workerPID.Int32)
		t.WorkerPID = &pid
	}
	t.HeartbeatAt = timePtr(heartbeatAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.Task, error) {
	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if ts.Valid {
		return &ts.Time
	}
	return nil
}
