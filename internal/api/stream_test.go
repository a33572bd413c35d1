package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"download-task-supervisor/internal/config"
	"download-task-supervisor/internal/downloads"
	"download-task-supervisor/internal/models"
)

// fakeDownloads serves canned snapshots and records nothing else.
type fakeDownloads struct {
	mu    sync.Mutex
	view  downloads.TaskView
	err   error
	calls int
	// afterFirst, when set, swaps in a new view/err after the first
	// snapshot has been served.
	afterFirst func(f *fakeDownloads)
}

func (f *fakeDownloads) Snapshot(_ context.Context, _, _ int64, _, _ int) (downloads.TaskView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	view, err := f.view, f.err
	if f.calls == 1 && f.afterFirst != nil {
		f.afterFirst(f)
	}
	return view, err
}

func (f *fakeDownloads) Submit(_ context.Context, _ int64, _ string, _ map[string]any, _ *int64) (models.Task, error) {
	return models.Task{}, nil
}
func (f *fakeDownloads) Cancel(_ context.Context, _, _ int64) error { return nil }
func (f *fakeDownloads) List(_ context.Context, _ int64, _ int) ([]models.Task, error) {
	return nil, nil
}
func (f *fakeDownloads) AppendEvent(_ context.Context, _, _ int64, _, _ string) error { return nil }

func testConfig() config.Config {
	cfg := config.Load()
	cfg.FeedPollInterval = config.FeedPollFloor
	cfg.FeedKeepAlive = time.Minute
	cfg.FeedMaxClients = 120
	return cfg
}

func TestClientGaugeCapAndClamp(t *testing.T) {
	g := newClientGauge(120)

	for i := 0; i < 119; i++ {
		if !g.tryAcquire() {
			t.Fatalf("acquire %d rejected below cap", i)
		}
	}
	// 119 active: one slot left.
	if !g.tryAcquire() {
		t.Fatalf("acquire at 119 active should succeed")
	}
	// 120 active: at the cap, reject immediately rather than queue.
	if g.tryAcquire() {
		t.Fatalf("acquire at cap should fail")
	}

	g.release()
	if !g.tryAcquire() {
		t.Fatalf("acquire after release should succeed")
	}

	// Draining below zero must clamp, not wrap.
	for i := 0; i < 200; i++ {
		g.release()
	}
	if got := g.count(); got != 0 {
		t.Fatalf("count = %d, want 0 after over-release", got)
	}
}

func TestStreamRejectsAtCap(t *testing.T) {
	cfg := testConfig()
	cfg.FeedMaxClients = 1
	s := New(cfg, &fakeDownloads{view: downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusRunning}}}, nil, nil)

	// Occupy the only slot.
	if !s.clients.tryAcquire() {
		t.Fatalf("could not occupy slot")
	}

	req := httptest.NewRequest("GET", "/downloads/1/stream", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503 at connection cap", rec.Code)
	}
	if got := s.clients.count(); got != 1 {
		t.Fatalf("active clients = %d, rejected connection must not leak a slot", got)
	}
}

func TestStreamPushesOnlyOnChange(t *testing.T) {
	cfg := testConfig()
	view := downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusRunning}}
	fake := &fakeDownloads{view: view}
	s := New(cfg, fake, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*config.FeedPollFloor-50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/downloads/1/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	body := rec.Body.String()
	// One initial frame; the identical polled snapshots must not push again.
	if got := strings.Count(body, "data: "); got != 1 {
		t.Fatalf("frames = %d, want 1 for unchanged snapshots\nbody: %q", got, body)
	}
	if got := s.clients.count(); got != 0 {
		t.Fatalf("active clients = %d after disconnect, want 0", got)
	}
}

func TestStreamPushesChangedSnapshot(t *testing.T) {
	cfg := testConfig()
	running := downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusRunning}}
	completed := downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusCompleted}}
	fake := &fakeDownloads{view: running, afterFirst: func(f *fakeDownloads) { f.view = completed }}
	s := New(cfg, fake, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*config.FeedPollFloor-50*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/downloads/1/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	body := rec.Body.String()
	if got := strings.Count(body, "data: "); got != 2 {
		t.Fatalf("frames = %d, want 2 (initial + change)\nbody: %q", got, body)
	}
	if !strings.Contains(body, models.StatusCompleted) {
		t.Fatalf("changed frame missing from body: %q", body)
	}
}

func TestStreamSendsKeepAliveWhileIdle(t *testing.T) {
	cfg := testConfig()
	cfg.FeedKeepAlive = 50 * time.Millisecond
	view := downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusRunning}}
	s := New(cfg, &fakeDownloads{view: view}, nil, nil)

	// Disconnect before the first poll tick so only keep-alives can fire.
	ctx, cancel := context.WithTimeout(context.Background(), config.FeedPollFloor-100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/downloads/1/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, ": keep-alive\n\n") {
		t.Fatalf("no keep-alive comment in body: %q", body)
	}
	// Keep-alives are comments only; the unchanged snapshot must not be
	// pushed again.
	if got := strings.Count(body, "data: "); got != 1 {
		t.Fatalf("frames = %d, want 1 alongside keep-alives\nbody: %q", got, body)
	}
}

func TestNewRaisesPollIntervalToFloor(t *testing.T) {
	cfg := testConfig()
	cfg.FeedPollInterval = 5 * time.Millisecond
	s := New(cfg, &fakeDownloads{}, nil, nil)
	if s.cfg.FeedPollInterval != config.FeedPollFloor {
		t.Fatalf("poll interval = %s, want floor %s", s.cfg.FeedPollInterval, config.FeedPollFloor)
	}
}

func TestStreamClosesWhenTaskDeleted(t *testing.T) {
	cfg := testConfig()
	view := downloads.TaskView{Task: models.Task{ID: 1, UserID: 7, Status: models.StatusRunning}}
	fake := &fakeDownloads{view: view, afterFirst: func(f *fakeDownloads) { f.err = downloads.ErrNotFound }}
	s := New(cfg, fake, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := httptest.NewRequest("GET", "/downloads/1/stream", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()

	start := time.Now()
	s.Router().ServeHTTP(rec, req)
	elapsed := time.Since(start)

	if elapsed >= 2*time.Second {
		t.Fatalf("stream did not close on its own after task deletion")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: error") || !strings.Contains(body, "task deleted") {
		t.Fatalf("missing terminal error frame: %q", body)
	}
	if got := s.clients.count(); got != 0 {
		t.Fatalf("active clients = %d after close, want 0", got)
	}
}

func TestStreamRequiresKnownTask(t *testing.T) {
	cfg := testConfig()
	fake := &fakeDownloads{err: downloads.ErrNotFound}
	s := New(cfg, fake, nil, nil)

	req := httptest.NewRequest("GET", "/downloads/42/stream", nil)
	req.Header.Set("X-User-ID", "7")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404 before streaming starts", rec.Code)
	}
	if got := s.clients.count(); got != 0 {
		t.Fatalf("active clients = %d, want 0", got)
	}
}

func TestStreamRequiresIdentity(t *testing.T) {
	s := New(testConfig(), &fakeDownloads{}, nil, nil)

	req := httptest.NewRequest("GET", "/downloads/1/stream", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != 401 {
		t.Fatalf("status = %d, want 401 without identity", rec.Code)
	}
}
