package handlers

import (
	"net/http"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
)

// HealthHandler is the plain liveness probe.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports not ready while the server drains.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool       `json:"ok"`
		Draining      bool       `json:"draining,omitempty"`
		DrainingSince *time.Time `json:"drainingSince,omitempty"`
	}
	if since, ok := h.Lifecycle.DrainingSince(); ok {
		writeJSON(w, http.StatusServiceUnavailable, readyResp{Draining: true, DrainingSince: &since})
		return
	}
	writeJSON(w, http.StatusOK, readyResp{OK: true})
}

// StatusHandler serves /health: process status plus the number of
// conversations holding agent session state.
type StatusHandler struct {
	Store conversation.Store
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r, "GET, HEAD")
		return
	}
	n := 0
	if h.Store != nil {
		n = h.Store.Len()
	}
	writeJSON(w, http.StatusOK, struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}{Status: "ok", Sessions: n})
}
