package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/docpipe/docpipe/checkpoint"
	"github.com/docpipe/docpipe/models"
)

// keepAliveInterval is how often an idle SSE stream gets a comment line so
// intermediaries do not drop the connection.
const keepAliveInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleProgressSSE streams the latest job's progress events as
// server-sent events. The broadcaster sends a connected event first and a
// stream_end event last, so the handler just relays until the channel closes.
func (s *Server) handleProgressSSE(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	job, err := s.latestJob(r, projectID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "no jobs for project")
			return
		}
		log.Error().Err(err).Str("project_id", projectID).Msg("resolve job for stream")
		writeError(w, http.StatusInternalServerError, "failed to resolve job")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bc.Subscribe(job.JobID)
	defer s.bc.Unsubscribe(sub)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			if event.Type == models.EventStreamEnd {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, event models.ProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
	return err
}

// handleProgressWS streams the same event feed over a WebSocket.
func (s *Server) handleProgressWS(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	job, err := s.latestJob(r, projectID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "no jobs for project")
			return
		}
		log.Error().Err(err).Str("project_id", projectID).Msg("resolve job for stream")
		writeError(w, http.StatusInternalServerError, "failed to resolve job")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	defer conn.Close()

	sub := s.bc.Subscribe(job.JobID)
	defer s.bc.Unsubscribe(sub)

	// Drain client frames so close handshakes and pings are serviced; the
	// read error ends the stream when the client goes away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case event, open := <-sub.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Type == models.EventStreamEnd {
				deadline := time.Now().Add(time.Second)
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(event.Type))
				_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
				return
			}
		}
	}
}
