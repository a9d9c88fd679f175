package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fruitsalade/autoreload/internal/host"
	"github.com/fruitsalade/autoreload/internal/logging"
	"github.com/fruitsalade/autoreload/internal/protocol"
)

// Handler serves a host.Host with the protocol Client speaks. Apply
// requests run on sched and the response is written once they finish.
type Handler struct {
	host  host.Host
	sched host.Scheduler
}

// NewHandler creates a handler for h.
func NewHandler(h host.Host, sched host.Scheduler) *Handler {
	return &Handler{host: h, sched: sched}
}

// Register mounts the host endpoints on mux under prefix, e.g. "/host".
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/plugins", h.handlePlugins)
	mux.HandleFunc("GET "+prefix+"/directories", h.handleDirectories)
	mux.HandleFunc("GET "+prefix+"/plugins/{id}/changed", h.handleChanged)
	mux.HandleFunc("POST "+prefix+"/apply", h.handleApply)
}

func (h *Handler) handlePlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := h.host.Plugins(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, protocol.PluginsResponse{Plugins: plugins})
}

func (h *Handler) handleDirectories(w http.ResponseWriter, r *http.Request) {
	dirs, err := h.host.PluginDirectories(r.Context())
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, protocol.DirectoriesResponse{Directories: dirs})
}

func (h *Handler) handleChanged(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	changed, err := h.host.PluginFileChanged(r.Context(), id)
	if errors.Is(err, host.ErrUnknownPlugin) {
		sendError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, protocol.ChangedResponse{ID: id, Changed: changed})
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	var req host.ChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// A batch that started must finish even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())

	var (
		ran bool
		err error
	)
	done := h.sched.Schedule(func() {
		ran = true
		err = h.host.ApplyChanges(ctx, req)
	})

	select {
	case <-done:
	case <-r.Context().Done():
		return
	}

	switch {
	case !ran:
		sendError(w, http.StatusServiceUnavailable, "host is shutting down")
	case err != nil:
		logging.WithContext(r.Context()).Warn("apply changes failed", zap.Error(err))
		sendError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func sendJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
