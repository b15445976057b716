package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samvad-hq/vidrelay/internal/logger"
)

const maxBodyBytes = 1 << 20

// Handler receives every verified entry for a subscribed channel.
type Handler func(ctx context.Context, e Entry)

// Stats counts notification traffic.
type Stats struct {
	Notifications    int64     `json:"notifications"`
	Entries          int64     `json:"entries"`
	Dropped          int64     `json:"dropped"`
	BadSignatures    int64     `json:"bad_signatures"`
	Verifications    int64     `json:"verifications"`
	LastNotification time.Time `json:"last_notification,omitempty"`
}

// Status is served on the status path.
type Status struct {
	Callback      string         `json:"callback"`
	Subscriptions []Subscription `json:"subscriptions"`
	Stats         Stats          `json:"stats"`
}

// Server is the hub callback endpoint.
type Server struct {
	path    string
	secret  string
	subs    *Subscriber
	handler Handler
	log     logger.Logger
	now     func() time.Time

	baseCtx context.Context
	mu      sync.Mutex
	stats   Stats

	listener net.Listener
	server   *http.Server
}

// NewServer builds the endpoint. path is where the hub posts (e.g. /webhook).
func NewServer(path, secret string, subs *Subscriber, handler Handler, log logger.Logger) *Server {
	if path == "" {
		path = "/webhook"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return &Server{
		path:    path,
		secret:  secret,
		subs:    subs,
		handler: handler,
		log:     logger.Ensure(log),
		now:     time.Now,
		baseCtx: context.Background(),
	}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start listens on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("push listen: %w", err)
	}
	s.baseCtx = ctx
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.ErrorObj("push server error", "error", err.Error())
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.InfoObj("push server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Snapshot returns current stats.
func (s *Server) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Server) bump(f func(*Stats)) {
	s.mu.Lock()
	f(&s.stats)
	s.mu.Unlock()
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleVerify(w, r)
	case http.MethodPost:
		s.handleNotify(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	topic := q.Get("hub.topic")
	challenge := q.Get("hub.challenge")
	lease, _ := strconv.ParseInt(q.Get("hub.lease_seconds"), 10, 64)

	if mode == "" || topic == "" || (challenge == "" && mode != "denied") {
		http.Error(w, "bad verification request", http.StatusBadRequest)
		return
	}
	if s.subs == nil || !s.subs.Confirm(mode, topic, lease) {
		s.log.WarnObj("hub verification rejected", "verification", map[string]any{"mode": mode, "topic": topic})
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	}
	s.bump(func(st *Stats) { st.Verifications++ })
	s.log.InfoObj("hub verification accepted", "verification", map[string]any{"mode": mode, "topic": topic, "lease": lease})
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// handleNotify always acknowledges with 2xx once the body is read so the hub
// does not redeliver; invalid payloads are dropped.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	s.bump(func(st *Stats) {
		st.Notifications++
		st.LastNotification = s.now()
	})

	if s.secret != "" && !VerifySignature(s.secret, body, r.Header.Get("X-Hub-Signature")) {
		s.bump(func(st *Stats) { st.BadSignatures++ })
		s.log.WarnObj("push signature mismatch", "length", len(body))
		w.WriteHeader(http.StatusAccepted)
		return
	}

	entries, err := ParseFeed(body)
	if err != nil {
		s.log.WarnObj("push payload unreadable", "error", err.Error())
		w.WriteHeader(http.StatusAccepted)
		return
	}
	for _, e := range entries {
		if s.subs != nil && !s.subs.Known(e.ChannelID) {
			s.bump(func(st *Stats) { st.Dropped++ })
			s.log.DebugObj("push entry for unknown channel", "entry", e)
			continue
		}
		s.bump(func(st *Stats) { st.Entries++ })
		if s.handler != nil {
			go s.handler(s.baseCtx, e)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	st := Status{Stats: s.Snapshot()}
	if s.subs != nil {
		st.Callback = s.subs.Callback()
		st.Subscriptions = s.subs.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}
