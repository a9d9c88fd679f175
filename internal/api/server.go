// Package api serves the reloader's control surface over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/auth"
	"github.com/fruitsalade/autoreload/internal/config"
	"github.com/fruitsalade/autoreload/internal/events"
	"github.com/fruitsalade/autoreload/internal/history"
	"github.com/fruitsalade/autoreload/internal/host/remote"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/metrics"
	"github.com/fruitsalade/autoreload/internal/protocol"
)

const (
	maxHistoryLimit = 1000
	sseKeepalive    = 30 * time.Second
)

// Reloader is the part of *reloader.Reloader the API drives.
type Reloader interface {
	Name() string
	IsRunning() bool
	NextDetection() (time.Time, time.Duration)
	PrettyNextDetection() string
	OnConfigChanged()
}

// Server is the control API server.
type Server struct {
	reloader    Reloader
	settings    *config.Live
	history     history.Store
	broadcaster *events.Broadcaster
	auth        *auth.Auth
	hostHandler *remote.Handler
}

// NewServer creates a new API server. history and broadcaster may be nil.
func NewServer(rl Reloader, settings *config.Live, hist history.Store, broadcaster *events.Broadcaster, authn *auth.Auth) *Server {
	return &Server{
		reloader:    rl,
		settings:    settings,
		history:     hist,
		broadcaster: broadcaster,
		auth:        authn,
	}
}

// SetHostHandler exposes the in-process host under /api/v1/host so another
// reloader can run against it in remote mode.
func (s *Server) SetHostHandler(h *remote.Handler) {
	s.hostHandler = h
}

// Handler returns the HTTP handler with auth and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/status", s.handleStatus)
	protected.HandleFunc("POST /api/v1/enable", s.handleEnable)
	protected.HandleFunc("POST /api/v1/disable", s.handleDisable)
	protected.HandleFunc("PUT /api/v1/interval", s.handleInterval)
	protected.HandleFunc("PUT /api/v1/blacklist", s.handleBlacklist)
	protected.HandleFunc("GET /api/v1/history", s.handleHistory)
	if s.broadcaster != nil {
		protected.HandleFunc("GET /api/v1/events", s.handleEvents)
	}
	if s.hostHandler != nil {
		s.hostHandler.Register(protected, "/api/v1/host")
	}

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	// Apply logging and metrics middleware
	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) status() protocol.StatusResponse {
	cur := s.settings.Current()
	at, remaining := s.reloader.NextDetection()
	return protocol.StatusResponse{
		Instance:             s.reloader.Name(),
		Running:              s.reloader.IsRunning(),
		Enabled:              cur.Enabled,
		NextDetection:        at,
		NextDetectionPretty:  s.reloader.PrettyNextDetection(),
		NextDetectionSeconds: remaining.Seconds(),
		DetectionIntervalSec: cur.DetectionIntervalSec,
		ReloadDelaySec:       cur.ReloadDelaySec,
		Blacklist:            cur.Blacklist,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, true, func(st *config.Settings) { st.Enabled = true })
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.update(w, r, true, func(st *config.Settings) { st.Enabled = false })
}

func (s *Server) handleInterval(w http.ResponseWriter, r *http.Request) {
	var req protocol.IntervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.update(w, r, true, func(st *config.Settings) { st.DetectionIntervalSec = req.IntervalSec })
}

// handleBlacklist does not restart anything: the scanner reads the list
// on every scan.
func (s *Server) handleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req protocol.BlacklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.update(w, r, false, func(st *config.Settings) { st.Blacklist = req.Blacklist })
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, notify bool, fn func(*config.Settings)) {
	next, err := s.settings.Update(fn)
	if errors.Is(err, config.ErrInvalidSettings) {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		logging.WithContext(r.Context()).Error("save settings failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	logging.WithContext(r.Context()).Info("settings updated",
		zap.Bool("enabled", next.Enabled),
		zap.Float64("detection_interval_sec", next.DetectionIntervalSec),
		zap.Strings("blacklist", next.Blacklist))
	if notify {
		s.reloader.OnConfigChanged()
	}
	s.sendJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	resp := protocol.HistoryResponse{Entries: []protocol.HistoryEntry{}}
	if s.history == nil {
		s.sendJSON(w, http.StatusOK, resp)
		return
	}

	records, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		logging.WithContext(r.Context()).Error("list history failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	for _, rec := range records {
		resp.Entries = append(resp.Entries, toEntry(rec))
	}
	s.sendJSON(w, http.StatusOK, resp)
}

func toEntry(r history.Record) protocol.HistoryEntry {
	return protocol.HistoryEntry{
		ID:          r.ID,
		Instance:    r.Instance,
		StartedAt:   r.StartedAt,
		DurationMs:  r.Duration.Milliseconds(),
		Load:        r.Load,
		Reload:      r.Reload,
		Unload:      r.Unload,
		Differences: r.Differences,
		Error:       r.Error,
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var types []string
	if v := r.URL.Query().Get("types"); v != "" {
		types = strings.Split(v, ",")
	}
	ch := s.broadcaster.Subscribe(types...)
	defer s.broadcaster.Unsubscribe(ch)

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
