package downloads

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"download-task-supervisor/internal/models"
	"download-task-supervisor/internal/telemetry"
)

// Messages written when the supervisor resolves a task to failed.
const (
	cancelledMessage = "Cancelled by user."
	recoveredMessage = "Interrupted by an unexpected server restart."
)

// Snapshot list bounds. Caller-requested sizes outside the window are
// clamped, not rejected.
const (
	EventLimitDefault = 50
	EventLimitMin     = 1
	EventLimitMax     = 200

	SongLimitDefault = 20
	SongLimitMin     = 1
	SongLimitMax     = 100
)

// DefaultMaxConcurrent bounds running tasks when no limit is configured.
const DefaultMaxConcurrent = 3

// Store is the persistence surface the supervisor needs. *store.Store
// implements it; tests use an in-memory fake. All Mark* methods are
// conditional writes: they return false when the task was not in the
// expected source status, which callers treat as a lost race. MarkFailed
// additionally reports which source status matched, because the caller's
// earlier read of the task may be stale by the time the write lands.
type Store interface {
	CreateTask(ctx context.Context, userID int64, source string, params map[string]any, playlistID *int64) (models.Task, error)
	TaskForOwner(ctx context.Context, userID, id int64) (models.Task, error)
	ListByOwner(ctx context.Context, userID int64, limit int) ([]models.Task, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	ListQueued(ctx context.Context, limit int) ([]models.Task, error)
	ListRunning(ctx context.Context) ([]models.Task, error)
	MarkRunning(ctx context.Context, id int64, pid int, now time.Time) (bool, error)
	MarkCompleted(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id int64, message string, now time.Time, from ...string) (string, bool, error)
	AppendEvent(ctx context.Context, taskID int64, kind, message string) error
	ListEvents(ctx context.Context, taskID int64, limit int) ([]models.TaskEvent, error)
	ListRecentSongs(ctx context.Context, taskID int64, limit int) ([]models.Song, error)
}

// TaskView is a point-in-time snapshot of a task with its recent events
// and produced songs.
type TaskView struct {
	Task   models.Task        `json:"task"`
	Events []models.TaskEvent `json:"events"`
	Songs  []models.Song      `json:"songs"`
}

// Service owns the download task lifecycle: admission, worker supervision,
// cancellation, recovery, and snapshots.
type Service struct {
	store  Store
	worker Worker
	logger *log.Logger
	limit  int

	// drainMu serializes Drain. The slot count and the queued listing are
	// separate reads, so unserialized drains could admit past the limit
	// from the same stale count.
	drainMu sync.Mutex
}

// NewService wires the supervisor. limit bounds concurrently running tasks.
func NewService(st Store, w Worker, limit int, logger *log.Logger) *Service {
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Service{store: st, worker: w, logger: logger, limit: limit}
}

// Submit persists a new queued task for the owner and immediately tries to
// admit queued work.
func (s *Service) Submit(ctx context.Context, userID int64, source string, params map[string]any, playlistID *int64) (models.Task, error) {
	if userID <= 0 || source == "" {
		return models.Task{}, ErrInvalidInput
	}

	task, err := s.store.CreateTask(ctx, userID, source, params, playlistID)
	if err != nil {
		return models.Task{}, fmt.Errorf("create task: %w", err)
	}
	s.appendEvent(ctx, task.ID, models.EventStatus, "Queued for download.")
	telemetry.TasksSubmitted.Inc()
	s.logger.Info("download task submitted", "task_id", task.ID, "user_id", userID, "source", source)

	if started, err := s.Drain(ctx); err != nil {
		s.logger.Error("drain after submit failed", "error", err)
	} else if started > 0 {
		s.logger.Info("admitted queued downloads", "started", started)
	}
	return task, nil
}

// Cancel stops a queued or running task on the owner's request. The
// termination signal is best effort; the conditional failed-write is
// authoritative regardless of whether the process could be reached.
func (s *Service) Cancel(ctx context.Context, userID, taskID int64) error {
	if userID <= 0 || taskID <= 0 {
		return ErrInvalidInput
	}
	task, err := s.store.TaskForOwner(ctx, userID, taskID)
	if err != nil {
		return s.mapLookupErr(err)
	}
	if task.Terminal() {
		return ErrConflict
	}

	if task.Status == models.StatusRunning && task.WorkerPID != nil && *task.WorkerPID > 1 {
		if err := s.worker.Signal(*task.WorkerPID); err != nil {
			// Process already gone or unreachable. The status flip below
			// still decides the outcome.
			s.logger.Warn("signal download worker failed", "task_id", taskID, "pid", *task.WorkerPID, "error", err)
		}
	}

	prev, ok, err := s.store.MarkFailed(ctx, taskID, cancelledMessage, time.Now(), models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("cancel task %d: %w", taskID, err)
	}
	if !ok {
		return ErrConflict
	}
	s.appendEvent(ctx, taskID, models.EventStatus, cancelledMessage)
	telemetry.TasksCancelled.Inc()
	// The status read above may predate a concurrent admission; trust the
	// status the conditional write actually matched.
	if prev == models.StatusRunning {
		telemetry.TasksRunning.Dec()
	}
	s.logger.Info("download task cancelled", "task_id", taskID, "user_id", userID)

	if _, err := s.Drain(ctx); err != nil {
		s.logger.Error("drain after cancel failed", "error", err)
	}
	return nil
}

// Snapshot returns the owner's view of one task with bounded event and
// song lists.
func (s *Service) Snapshot(ctx context.Context, userID, taskID int64, eventLimit, songLimit int) (TaskView, error) {
	if userID <= 0 || taskID <= 0 {
		return TaskView{}, ErrInvalidInput
	}
	eventLimit = clampLimit(eventLimit, EventLimitDefault, EventLimitMin, EventLimitMax)
	songLimit = clampLimit(songLimit, SongLimitDefault, SongLimitMin, SongLimitMax)

	task, err := s.store.TaskForOwner(ctx, userID, taskID)
	if err != nil {
		return TaskView{}, s.mapLookupErr(err)
	}
	events, err := s.store.ListEvents(ctx, taskID, eventLimit)
	if err != nil {
		return TaskView{}, fmt.Errorf("list events: %w", err)
	}
	songs, err := s.store.ListRecentSongs(ctx, taskID, songLimit)
	if err != nil {
		return TaskView{}, fmt.Errorf("list songs: %w", err)
	}
	return TaskView{Task: task, Events: events, Songs: songs}, nil
}

// List returns the owner's most recent tasks.
func (s *Service) List(ctx context.Context, userID int64, limit int) ([]models.Task, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.ListByOwner(ctx, userID, limit)
}

// AppendEvent adds one log row to a task the caller owns.
func (s *Service) AppendEvent(ctx context.Context, userID, taskID int64, kind, message string) error {
	if userID <= 0 || taskID <= 0 {
		return ErrInvalidInput
	}
	if kind == "" {
		kind = models.EventStatus
	}
	if _, err := s.store.TaskForOwner(ctx, userID, taskID); err != nil {
		return s.mapLookupErr(err)
	}
	if err := s.store.AppendEvent(ctx, taskID, kind, message); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Drain admits queued tasks into free running slots, oldest first, and
// returns how many were started. Safe to call concurrently: drains are
// serialized so no two can admit against the same stale slot count, and
// the queued -> running conditional write lets only one writer claim a
// given task.
func (s *Service) Drain(ctx context.Context) (int, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	running, err := s.store.CountByStatus(ctx, models.StatusRunning)
	if err != nil {
		return 0, fmt.Errorf("count running tasks: %w", err)
	}
	available := s.limit - int(running)
	if available <= 0 {
		return 0, nil
	}

	queued, err := s.store.ListQueued(ctx, available)
	if err != nil {
		return 0, fmt.Errorf("list queued tasks: %w", err)
	}

	started := 0
	for _, task := range queued {
		if s.startOne(ctx, task) {
			started++
		}
	}
	return started, nil
}

// startOne spawns a worker for a queued task and claims it via the
// conditional queued -> running write. A task is never left running
// without a recorded pid: if the claim fails the spawned process is
// signalled away, and if the claim errors the task is failed outright.
func (s *Service) startOne(ctx context.Context, task models.Task) bool {
	pid, done, err := s.worker.Spawn(ctx, task)
	if err != nil {
		s.logger.Error("spawn download worker failed", "task_id", task.ID, "error", err)
		msg := fmt.Sprintf("Failed to start download worker: %v", err)
		if _, ok, ferr := s.store.MarkFailed(ctx, task.ID, msg, time.Now(), models.StatusQueued); ferr != nil {
			s.logger.Error("mark task failed after spawn error", "task_id", task.ID, "error", ferr)
		} else if ok {
			s.appendEvent(ctx, task.ID, models.EventError, msg)
			telemetry.TasksFailed.Inc()
		}
		return false
	}

	ok, err := s.store.MarkRunning(ctx, task.ID, pid, time.Now())
	if err != nil {
		s.logger.Error("record worker pid failed", "task_id", task.ID, "pid", pid, "error", err)
		s.signalQuietly(task.ID, pid)
		msg := fmt.Sprintf("Failed to record download worker: %v", err)
		if _, ok, ferr := s.store.MarkFailed(ctx, task.ID, msg, time.Now(), models.StatusQueued); ferr == nil && ok {
			s.appendEvent(ctx, task.ID, models.EventError, msg)
			telemetry.TasksFailed.Inc()
		}
		return false
	}
	if !ok {
		// Another drain claimed the task, or it was cancelled while we
		// were spawning. Our process is surplus.
		s.signalQuietly(task.ID, pid)
		return false
	}

	s.appendEvent(ctx, task.ID, models.EventStatus, "Download started.")
	telemetry.TasksRunning.Inc()
	s.logger.Info("download task started", "task_id", task.ID, "pid", pid)
	go s.watchExit(task.ID, pid, done)
	return true
}

// watchExit blocks on the worker's exit outcome and performs the terminal
// transition, then re-drains so a freed slot is reused immediately.
func (s *Service) watchExit(taskID int64, pid int, done <-chan error) {
	exitErr := <-done
	ctx := context.Background()
	now := time.Now()

	if exitErr == nil {
		ok, err := s.store.MarkCompleted(ctx, taskID, now)
		if err != nil {
			s.logger.Error("mark task completed failed", "task_id", taskID, "error", err)
		} else if ok {
			s.appendEvent(ctx, taskID, models.EventStatus, "Download completed.")
			telemetry.TasksCompleted.Inc()
			telemetry.TasksRunning.Dec()
			s.logger.Info("download task completed", "task_id", taskID, "pid", pid)
		}
		// !ok: the task was cancelled while the worker wound down; the
		// cancel path already resolved it.
	} else {
		msg := fmt.Sprintf("Download worker exited with an error: %v", exitErr)
		_, ok, err := s.store.MarkFailed(ctx, taskID, msg, now, models.StatusRunning)
		if err != nil {
			s.logger.Error("mark task failed after worker exit", "task_id", taskID, "error", err)
		} else if ok {
			s.appendEvent(ctx, taskID, models.EventError, msg)
			telemetry.TasksFailed.Inc()
			telemetry.TasksRunning.Dec()
			s.logger.Warn("download task failed", "task_id", taskID, "pid", pid, "error", exitErr)
		}
	}

	if _, err := s.Drain(ctx); err != nil {
		s.logger.Error("drain after worker exit failed", "error", err)
	}
}

// RecoverStale resolves tasks left running by a previous process instance.
// Any running task present at startup is orphaned: no worker of ours can
// survive a restart. Call once, before serving traffic. A failure on one
// task never blocks recovery of the rest.
func (s *Service) RecoverStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	recovered := 0
	for _, task := range stale {
		_, ok, err := s.store.MarkFailed(ctx, task.ID, recoveredMessage, time.Now(), models.StatusRunning)
		if err != nil {
			s.logger.Error("recover stale task failed", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			// Event follows the transition so a failed write never logs an
			// interruption for a task left running.
			s.appendEvent(ctx, task.ID, models.EventError, recoveredMessage)
			recovered++
			telemetry.TasksRecovered.Inc()
			s.logger.Warn("recovered orphaned download task", "task_id", task.ID)
		}
	}

	if started, err := s.Drain(ctx); err != nil {
		s.logger.Error("drain after recovery failed", "error", err)
	} else if started > 0 {
		s.logger.Info("admitted queued downloads after recovery", "started", started)
	}
	return recovered, nil
}

func (s *Service) signalQuietly(taskID int64, pid int) {
	if pid <= 1 {
		return
	}
	if err := s.worker.Signal(pid); err != nil {
		s.logger.Warn("signal surplus worker failed", "task_id", taskID, "pid", pid, "error", err)
	}
}

// appendEvent is fire and forget: the event log never blocks a transition.
func (s *Service) appendEvent(ctx context.Context, taskID int64, kind, message string) {
	if err := s.store.AppendEvent(ctx, taskID, kind, message); err != nil {
		s.logger.Error("append task event failed", "task_id", taskID, "kind", kind, "error", err)
	}
}

func (s *Service) mapLookupErr(err error) error {
	if err == nil {
		return nil
	}
	// Store not-found values vary by implementation; treat the sentinel
	// wrapping convention of the store package as authoritative.
	if isNotFound(err) {
		return ErrNotFound
	}
	return err
}

func clampLimit(requested, def, min, max int) int {
	if requested == 0 {
		requested = def
	}
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}
