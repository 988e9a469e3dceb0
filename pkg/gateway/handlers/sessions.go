package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
)

const maxSelectBodyBytes = 64 << 10

// SessionDirectory is the part of *sessiondir.Directory the handlers use.
type SessionDirectory interface {
	List(ctx context.Context) ([]sessiondir.Record, error)
	Lookup(ctx context.Context, id string) (sessiondir.Record, error)
	Select(ctx context.Context, key, id, cwd string) (sessiondir.Selection, error)
	WorkingDirectory(id string) (string, bool)
}

// SessionsHandler serves GET /v1/sessions.
type SessionsHandler struct {
	Directory SessionDirectory
	Logger    *slog.Logger
}

type sessionsResponse struct {
	Sessions []sessiondir.Record `json:"sessions"`
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	records, err := h.Directory.List(r.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("list sessions failed", "error", err)
		}
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []sessiondir.Record{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: records})
}

// SelectSessionHandler serves POST /v1/session/select.
type SelectSessionHandler struct {
	Directory SessionDirectory
	Logger    *slog.Logger
}

type selectRequest struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	// Key names the conversation to bind. Empty means the default one.
	Key string `json:"key,omitempty"`
}

type selectResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Resumable bool   `json:"resumable"`
}

func (h SelectSessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	reqID, _ := mw.RequestIDFrom(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSelectBodyBytes))
	if err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("request body too large or unreadable"), http.StatusBadRequest)
		return
	}
	var req selectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestError("invalid JSON body"), http.StatusBadRequest)
		return
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeCoreErrorJSON(w, reqID, core.NewInvalidRequestErrorWithParam("sessionId is required", "sessionId"), http.StatusBadRequest)
		return
	}

	sel, err := h.Directory.Select(r.Context(), conversation.Key(req.Key), req.SessionID, strings.TrimSpace(req.Cwd))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, selectResponse{
		OK:        true,
		SessionID: sel.SessionID,
		Cwd:       sel.WorkingDirectory,
		Resumable: sel.Resumable,
	})
}
