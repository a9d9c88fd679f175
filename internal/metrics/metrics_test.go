package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/status", "/api/v1/status"},
		{"/api/v1/host/plugins", "/api/v1/host/plugins"},
		{"/api/v1/host/plugins/my_plugin/changed", "/api/v1/host/plugins/{id}/changed"},
	}
	for _, tt := range tests {
		if got := routeLabel(tt.path); got != tt.want {
			t.Errorf("routeLabel(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestMiddlewareKeepsFlusher(t *testing.T) {
	var flushable bool
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events", nil))

	if !flushable {
		t.Error("wrapped writer must implement http.Flusher")
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordCycle("completed")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "autoreload_") {
		t.Error("expected autoreload metrics in output")
	}
}
