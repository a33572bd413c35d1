package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"download-task-supervisor/internal/config"
	"download-task-supervisor/internal/downloads"
	"download-task-supervisor/internal/models"
	"download-task-supervisor/internal/telemetry"
)

// Downloads is the slice of the download service the HTTP layer uses.
type Downloads interface {
	Submit(ctx context.Context, userID int64, source string, params map[string]any, playlistID *int64) (models.Task, error)
	Cancel(ctx context.Context, userID, taskID int64) error
	Snapshot(ctx context.Context, userID, taskID int64, eventLimit, songLimit int) (downloads.TaskView, error)
	List(ctx context.Context, userID int64, limit int) ([]models.Task, error)
	AppendEvent(ctx context.Context, userID, taskID int64, kind, message string) error
}

// Limiter throttles submissions per user.
type Limiter interface {
	Allow(ctx context.Context, userID int64) (bool, float64, error)
}

// Server wires HTTP handlers for the download API.
type Server struct {
	cfg     config.Config
	svc     Downloads
	limiter Limiter
	logger  *log.Logger
	clients *clientGauge
}

// New constructs the API server. limiter may be nil to disable throttling.
func New(cfg config.Config, svc Downloads, limiter Limiter, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.FeedPollInterval < config.FeedPollFloor {
		cfg.FeedPollInterval = config.FeedPollFloor
	}
	return &Server{
		cfg:     cfg,
		svc:     svc,
		limiter: limiter,
		logger:  logger,
		clients: newClientGauge(cfg.FeedMaxClients),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/downloads", s.handleSubmit)
	r.Get("/downloads", s.handleList)
	r.Get("/downloads/{id}", s.handleSnapshot)
	r.Get("/downloads/{id}/stream", s.handleStream)
	r.Post("/downloads/{id}/cancel", s.handleCancel)
	r.Post("/downloads/{id}/events", s.handleAppendEvent)
	return r
}

type submitRequest struct {
	Source     string         `json:"source"`
	Params     map[string]any `json:"params"`
	PlaylistID *int64         `json:"playlist_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		http.Error(w, "source is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), userID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	task, err := s.svc.Submit(r.Context(), userID, req.Source, req.Params, req.PlaylistID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.svc.List(r.Context(), userID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	eventLimit, _ := strconv.Atoi(r.URL.Query().Get("events"))
	songLimit, _ := strconv.Atoi(r.URL.Query().Get("songs"))

	view, err := s.svc.Snapshot(r.Context(), userID, taskID, eventLimit, songLimit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.svc.Cancel(r.Context(), userID, taskID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type appendEventRequest struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}
	taskID, ok := taskIDFromRequest(w, r)
	if !ok {
		return
	}
	var req appendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.svc.AppendEvent(r.Context(), userID, taskID, req.Kind, req.Message); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// userFromRequest reads the authenticated caller identity. Session
// validation happens upstream; by the time a request reaches this router
// the header carries a verified user id.
func (s *Server) userFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user identity", http.StatusUnauthorized)
		return 0, false
	}
	return id, true
}

func taskIDFromRequest(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid task id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, downloads.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, downloads.ErrConflict):
		http.Error(w, "task is not in a cancellable state", http.StatusConflict)
	case errors.Is(err, downloads.ErrInvalidInput):
		http.Error(w, "invalid request", http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
