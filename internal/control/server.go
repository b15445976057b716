package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samvad-hq/vidrelay/internal/domain"
	"github.com/samvad-hq/vidrelay/internal/logger"
	"github.com/samvad-hq/vidrelay/internal/scheduler"
)

const (
	defaultLimit   = 100
	maxRequestBody = 64 << 10
)

// Server serves the control API.
type Server struct {
	ctl   Controller
	token string
	log   logger.Logger

	listener net.Listener
	server   *http.Server
}

// NewServer builds a Server. A non-empty token requires
// "Authorization: Bearer <token>" on every request.
func NewServer(ctl Controller, token string, log logger.Logger) *Server {
	return &Server{ctl: ctl, token: strings.TrimSpace(token), log: logger.Ensure(log)}
}

// Routes returns the API handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.auth(s.handleSummary))
	mux.HandleFunc("GET /api/channels", s.auth(s.handleChannels))
	mux.HandleFunc("GET /api/channels/{id}", s.auth(s.handleChannel))
	mux.HandleFunc("POST /api/channels/{id}/start", s.auth(s.handleStart))
	mux.HandleFunc("POST /api/channels/{id}/stop", s.auth(s.handleStop))
	mux.HandleFunc("POST /api/channels/{id}/runs", s.auth(s.handleRun))
	mux.HandleFunc("POST /api/channels/{id}/session/reload", s.auth(s.handleReload))
	mux.HandleFunc("GET /api/channels/{id}/logs", s.auth(s.handleLogs))
	mux.HandleFunc("GET /api/channels/{id}/events", s.auth(s.handleEvents))
	return mux
}

// Start listens on addr and shuts down when ctx ends.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("control listen: %w", err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.ErrorObj("control server error", "control", map[string]any{"error": err.Error()})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log.InfoObj("control server listening", "control", map[string]any{"address": listener.Addr().String()})
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.token {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctl.Summary())
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, ChannelsResponse{Channels: s.ctl.Channels()})
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	detail, err := s.ctl.Channel(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctl.Start(id); err != nil {
		s.fail(w, err)
		return
	}
	s.log.InfoObj("channel start requested", "control", map[string]any{"channel": id})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctl.Stop(id); err != nil {
		s.fail(w, err)
		return
	}
	s.log.InfoObj("channel stop requested", "control", map[string]any{"channel": id})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	item, err := s.ctl.Trigger(r.PathValue("id"), req.URL, req.Force)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, RunResponse{Item: item})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.ReloadSession(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := s.ctl.Logs(r.PathValue("id"), limitParam(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, LogsResponse{Lines: lines})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.ctl.Events(r.PathValue("id"), limitParam(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func limitParam(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return limit
}

// fail maps controller errors onto status codes.
func (s *Server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnknownChannel):
		code = http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, scheduler.ErrNotRunning),
		errors.Is(err, scheduler.ErrDuplicate), errors.Is(err, scheduler.ErrInFlight):
		code = http.StatusConflict
	default:
		switch domain.KindOf(err) {
		case domain.KindConfigurationInvalid:
			code = http.StatusBadRequest
		case domain.KindSessionInvalid:
			code = http.StatusUnprocessableEntity
		}
	}
	s.writeError(w, code, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.ErrorObj("failed to encode response", "control", map[string]any{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
