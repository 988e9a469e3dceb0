package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/core/transcript"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
	"github.com/vango-go/voicebridge/pkg/gateway/auth"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
)

// VoiceHandler handles /ws/voice duplex sessions.
type VoiceHandler struct {
	Config      config.Config
	Logger      *slog.Logger
	STT         stt.Provider
	TTS         tts.Provider
	Agent       session.Agent
	Store       conversation.Store
	Directory   SessionDirectory
	Transcripts *transcript.Logger
	Metrics     *metrics.Metrics
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrUnavailable, Message: "server is draining", Code: "draining"}, http.StatusServiceUnavailable)
		return
	}
	if !auth.VoiceTokenOK(r, h.Config.AuthToken) {
		writeCoreErrorJSON(w, reqID, &core.Error{Type: core.ErrAuthentication, Message: "invalid token", Param: "token"}, http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: h.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	logger := h.logger()
	connID := uuid.NewString()
	key := conversation.DefaultKey
	seed := h.seed(r, key)
	logger = logger.With("conn_id", connID, "request_id", reqID)

	s, err := session.New(session.Dependencies{
		Conn:             conn,
		Logger:           logger,
		STT:              h.STT,
		TTS:              h.TTS,
		Agent:            h.Agent,
		Store:            h.Store,
		Transcripts:      h.Transcripts,
		Metrics:          h.Metrics,
		ConversationKey:  key,
		ResumeToken:      seed.ResumeToken,
		WorkingDirectory: seed.WorkingDirectory,
		STTModel:         h.Config.STTModel,
		Config: session.Config{
			PingInterval: h.Config.WSPingInterval,
			WriteTimeout: h.Config.WSWriteTimeout,
			ReadLimit:    h.Config.WSReadLimit,
			TTSModel:     h.Config.TTSModel,
			TTSVoice:     h.Config.TTSVoice,
			AgentModel:   h.Config.AgentModel,
			MaxTurns:     h.Config.AgentMaxTurns,
		},
	})
	if err != nil {
		logger.Error("voice session init failed", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session init failed"),
			time.Now().Add(time.Second))
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(connID, sessions.Handle{
			ConversationKey: key,
			Cancel:          s.Cancel,
			Notify:          s.Notify,
		})
	}
	defer unregister()

	h.Metrics.ConnectionOpened()
	defer h.Metrics.ConnectionClosed()

	logger.Info("voice connected",
		"resume", seed.ResumeToken != "",
		"cwd", seed.WorkingDirectory,
	)
	start := time.Now()
	if err := s.Run(); err != nil {
		logger.Warn("voice session ended with error", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	logger.Info("voice disconnected", "duration_ms", time.Since(start).Milliseconds())
}

// seed picks the resume token and working directory a new connection starts
// with. Query parameters win over the conversation store, which wins over
// the configured default directory. A sessionId is only resumed when the
// directory scan knows it and no other process is writing to it.
func (h VoiceHandler) seed(r *http.Request, key string) conversation.Session {
	q := r.URL.Query()
	out := conversation.Session{Key: key}

	if h.Store != nil {
		if sess, ok := h.Store.Get(key); ok {
			out.ResumeToken = sess.ResumeToken
			out.WorkingDirectory = sess.WorkingDirectory
		}
	}

	id := strings.TrimSpace(q.Get("sessionId"))
	if id == "" {
		id = strings.TrimSpace(q.Get("session_id"))
	}
	if id != "" {
		h.seedFromDirectory(r.Context(), id, &out)
	}

	if cwd := strings.TrimSpace(q.Get("cwd")); cwd != "" {
		out.WorkingDirectory = cwd
	}
	if out.WorkingDirectory == "" {
		out.WorkingDirectory = h.Config.WorkingDirectory
	}
	return out
}

func (h VoiceHandler) seedFromDirectory(ctx context.Context, id string, out *conversation.Session) {
	logger := h.logger().With("session_id", id)
	if !sessiondir.ValidID(id) {
		logger.Warn("ignoring malformed sessionId query parameter")
		return
	}
	if h.Directory == nil {
		logger.Warn("ignoring sessionId: no session directory")
		return
	}
	rec, err := h.Directory.Lookup(ctx, id)
	if err != nil {
		logger.Warn("ignoring sessionId query parameter", "error", err)
		return
	}

	wd := rec.WorkingDirectory
	if selected, ok := h.Directory.WorkingDirectory(id); ok && selected != "" {
		wd = selected
	}
	if wd != "" {
		out.WorkingDirectory = wd
	}
	if rec.IsActive {
		logger.Warn("sessionId is active in another process, starting fresh")
		out.ResumeToken = ""
		return
	}
	out.ResumeToken = id
}

// checkOrigin accepts same-host and allowlisted browser origins.
func (h VoiceHandler) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if mw.OriginAllowed(h.Config, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h VoiceHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
