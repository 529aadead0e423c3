// Package server exposes the job control surface over HTTP: start, resume,
// cancel and status per project, plus live progress streaming over SSE and
// WebSocket.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/docpipe/docpipe/broadcast"
	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
	"github.com/docpipe/docpipe/supervisor"
)

// Server holds the handler dependencies.
type Server struct {
	sup   *supervisor.Supervisor
	store checkpoint.Store
	bc    *broadcast.Broadcaster
}

// New returns a server over the given supervisor, store and broadcaster.
func New(sup *supervisor.Supervisor, store checkpoint.Store, bc *broadcast.Broadcaster) *Server {
	return &Server{sup: sup, store: store, bc: bc}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/process", s.handleProcess)
		r.Post("/resume", s.handleResume)
		r.Post("/cancel", s.handleCancel)
		r.Get("/status", s.handleStatus)
		r.Get("/progress", s.handleProgressSSE)
		r.Get("/progress/ws", s.handleProgressWS)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

type processRequest struct {
	SourceURL string `json:"source_url"`
}

type cancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, "source_url is required")
		return
	}

	job, err := s.sup.Start(r.Context(), projectID, req.SourceURL)
	if err != nil {
		if errors.Is(err, supervisor.ErrJobAlreadyActive) {
			writeError(w, http.StatusConflict, "project already has an active job")
			return
		}
		log.Error().Err(err).Str("project_id", projectID).Msg("start job")
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	job, err := s.sup.Resume(r.Context(), projectID)
	if err != nil {
		switch {
		case errors.Is(err, supervisor.ErrJobAlreadyActive):
			writeError(w, http.StatusConflict, "project already has an active job")
		case errors.Is(err, supervisor.ErrJobNotResumable):
			writeError(w, http.StatusNotFound, "no resumable job for project")
		default:
			log.Error().Err(err).Str("project_id", projectID).Msg("resume job")
			writeError(w, http.StatusInternalServerError, "failed to resume job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	cancelled, err := s.sup.Cancel(r.Context(), projectID)
	if err != nil {
		log.Error().Err(err).Str("project_id", projectID).Msg("cancel job")
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusOK, cancelResponse{Cancelled: false, Message: "no active job"})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	job, err := s.sup.Status(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "no jobs for project")
			return
		}
		log.Error().Err(err).Str("project_id", projectID).Msg("job status")
		writeError(w, http.StatusInternalServerError, "failed to load job status")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// latestJob resolves the project's most recent job for the streaming
// endpoints.
func (s *Server) latestJob(r *http.Request, projectID string) (*models.Job, error) {
	return s.store.Latest(r.Context(), projectID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
