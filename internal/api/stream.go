package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"download-task-supervisor/internal/downloads"
	"download-task-supervisor/internal/telemetry"
)

// handleStream serves one task's live status feed over server-sent events.
// It sends an immediate snapshot, then re-fetches on every poll tick and
// pushes a frame only when the serialized snapshot changed. A comment line
// goes out on a longer interval so idle connections survive proxies.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}

	if !s.clients.tryAcquire() {
		telemetry.FeedRejects.Inc()
		http.Error(w, "too many live feed connections", http.StatusServiceUnavailable)
		return
	}
	defer func() {
		s.clients.release()
		telemetry.FeedClients.Dec()
	}()
	telemetry.FeedClients.Inc()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	eventLimit, _ := strconv.Atoi(r.URL.Query().Get("events"))
	songLimit, _ := strconv.Atoi(r.URL.Query().Get("songs"))

	// Resolve the first snapshot before committing to a stream so a bad
	// task id still gets a plain HTTP error.
	view, err := s.svc.Snapshot(r.Context(), userID, taskID, eventLimit, songLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	last, err := writeFrame(w, flusher, view)
	if err != nil {
		return
	}

	poll := time.NewTicker(s.cfg.FeedPollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(s.cfg.FeedKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-poll.C:
			view, err := s.svc.Snapshot(ctx, userID, taskID, eventLimit, songLimit)
			if errors.Is(err, downloads.ErrNotFound) {
				// Task deleted out from under the stream: one terminal
				// error frame, then close.
				_, _ = fmt.Fprint(w, "event: error\ndata: {\"error\":\"task deleted\"}\n\n")
				flusher.Flush()
				return
			}
			if err != nil {
				s.logger.Error("feed snapshot failed", "task_id", taskID, "error", err)
				continue
			}

			payload, err := json.Marshal(view)
			if err != nil {
				s.logger.Error("feed snapshot marshal failed", "task_id", taskID, "error", err)
				continue
			}
			if bytes.Equal(payload, last) {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			last = payload
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, view downloads.TaskView) ([]byte, error) {
	payload, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return nil, err
	}
	flusher.Flush()
	return payload, nil
}

// clientGauge is the process-wide count of open feed connections, bounded
// by a hard cap. Acquire fails instead of queuing; release clamps at zero.
type clientGauge struct {
	active atomic.Int64
	cap    int64
}

func newClientGauge(cap int) *clientGauge {
	if cap <= 0 {
		cap = 120
	}
	return &clientGauge{cap: int64(cap)}
}

func (g *clientGauge) tryAcquire() bool {
	for {
		cur := g.active.Load()
		if cur >= g.cap {
			return false
		}
		if g.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (g *clientGauge) release() {
	for {
		cur := g.active.Load()
		if cur == 0 {
			return
		}
		if g.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (g *clientGauge) count() int64 {
	return g.active.Load()
}
