package downloads

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"download-task-supervisor/internal/models"
)

// Worker launches and signals the external download processes. The program
// behind it is opaque to the supervisor; only its pid, exit outcome, and
// store side effects (heartbeats, events, songs) are observed.
type Worker interface {
	// Spawn starts one process for the task and returns its pid plus a
	// channel that yields the exit outcome exactly once.
	Spawn(ctx context.Context, task models.Task) (pid int, done <-chan error, err error)

	// Signal asks a previously spawned process to stop. Best effort: the
	// process may already be gone.
	Signal(pid int) error
}

// ExecWorker runs the downloadworker binary, one process per task.
type ExecWorker struct {
	Command string
	Env     []string
}

// NewExecWorker builds a worker around the given command. Extra environment
// entries are appended to the current process environment.
func NewExecWorker(command string, env ...string) *ExecWorker {
	return &ExecWorker{Command: command, Env: env}
}

func (w *ExecWorker) Spawn(ctx context.Context, task models.Task) (int, <-chan error, error) {
	cmd := exec.Command(w.Command, strconv.FormatInt(task.ID, 10))
	cmd.Env = append(os.Environ(), w.Env...)
	cmd.Env = append(cmd.Env, "DOWNLOAD_TASK_ID="+strconv.FormatInt(task.ID, 10))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return 0, nil, fmt.Errorf("start worker %q: %w", w.Command, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()
	return cmd.Process.Pid, done, nil
}

func (w *ExecWorker) Signal(pid int) error {
	if pid <= 1 {
		return fmt.Errorf("refusing to signal pid %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}
	return nil
}
