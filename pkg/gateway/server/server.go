package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/conversation"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/core/transcript"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
	"github.com/vango-go/voicebridge/pkg/gateway/handlers"
	"github.com/vango-go/voicebridge/pkg/gateway/lifecycle"
	"github.com/vango-go/voicebridge/pkg/gateway/live/session"
	"github.com/vango-go/voicebridge/pkg/gateway/live/sessions"
	"github.com/vango-go/voicebridge/pkg/gateway/metrics"
	"github.com/vango-go/voicebridge/pkg/gateway/mw"
)

// ShutdownNotice is sent to every voice connection when the server starts
// draining.
const ShutdownNotice = "server shutting down"

// Dependencies overrides the collaborators New would otherwise build from
// the config. Nil fields get the defaults.
type Dependencies struct {
	STT         stt.Provider
	TTS         tts.Provider
	Agent       session.Agent
	Store       conversation.Store
	Directory   handlers.SessionDirectory
	Transcripts *transcript.Logger
	Metrics     *metrics.Metrics

	// TranscriptOutput receives the bordered transcript blocks when
	// Transcripts is nil. Defaults to stderr.
	TranscriptOutput io.Writer
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps      Dependencies
	lifecycle *lifecycle.Lifecycle
	voice     *sessions.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	return NewWithDependencies(cfg, logger, Dependencies{})
}

func NewWithDependencies(cfg config.Config, logger *slog.Logger, deps Dependencies) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	if deps.STT == nil && cfg.OpenAIAPIKey != "" {
		deps.STT = stt.NewOpenAIWithClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, httpClient)
	}
	if deps.TTS == nil {
		deps.TTS = newTTS(cfg, httpClient)
	}
	if deps.STT == nil || deps.TTS == nil {
		logger.Warn("speech providers not fully configured; voice audio is limited",
			"stt", deps.STT != nil,
			"tts", deps.TTS != nil,
			"tts_provider", cfg.TTSProvider,
		)
	}
	if deps.Agent == nil {
		deps.Agent = &agent.Client{
			Launcher: agent.CLILauncher{
				Bin:          cfg.AgentBin,
				SystemPrompt: cfg.AgentSystemPrompt,
			},
			Logger:   logger,
			Model:    cfg.AgentModel,
			MaxTurns: cfg.AgentMaxTurns,
		}
	}
	if deps.Store == nil {
		deps.Store = conversation.NewMemoryStore()
	}
	if deps.Directory == nil {
		deps.Directory = sessiondir.New(sessiondir.Config{
			Scanner: sessiondir.Scanner{
				Root:     cfg.SessionsRoot,
				MaxDepth: cfg.SessionsMaxDepth,
			},
			TTL:          cfg.SessionsTTL,
			ActiveWindow: cfg.SessionsActiveWindow,
			Limit:        cfg.SessionsLimit,
		}, deps.Store, logger)
	}
	if deps.Transcripts == nil {
		out := deps.TranscriptOutput
		if out == nil {
			out = os.Stderr
		}
		deps.Transcripts = transcript.NewLogger(out, logger)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		deps:      deps,
		lifecycle: &lifecycle.Lifecycle{},
		voice:     sessions.NewTracker(),
	}

	s.routes()
	return s
}

// newTTS returns the configured speech synthesizer, or nil when its key is
// missing.
func newTTS(cfg config.Config, httpClient *http.Client) tts.Provider {
	switch cfg.TTSProvider {
	case config.TTSProviderElevenLabs:
		if cfg.ElevenLabsAPIKey != "" {
			return tts.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, httpClient)
		}
	default:
		if cfg.OpenAIAPIKey != "" {
			return tts.NewOpenAIWithClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, httpClient)
		}
	}
	return nil
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Lifecycle: s.lifecycle})
	s.mux.Handle("/health", handlers.StatusHandler{Store: s.deps.Store})
	s.mux.Handle("/metrics", s.deps.Metrics.Handler())

	s.mux.Handle("/ws/voice", handlers.VoiceHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		STT:         s.deps.STT,
		TTS:         s.deps.TTS,
		Agent:       s.deps.Agent,
		Store:       s.deps.Store,
		Directory:   s.deps.Directory,
		Transcripts: s.deps.Transcripts,
		Metrics:     s.deps.Metrics,
		Lifecycle:   s.lifecycle,
		Sessions:    s.voice,
	})

	s.mux.Handle("/v1/chat/completions", handlers.CompletionsHandler{
		Agent:            s.deps.Agent,
		Store:            s.deps.Store,
		Transcripts:      s.deps.Transcripts,
		Metrics:          s.deps.Metrics,
		Logger:           s.logger,
		AgentModel:       s.cfg.AgentModel,
		MaxTurns:         s.cfg.AgentMaxTurns,
		WorkingDirectory: s.cfg.WorkingDirectory,
	})
	s.mux.Handle("/v1/sessions", handlers.SessionsHandler{Directory: s.deps.Directory, Logger: s.logger})
	s.mux.Handle("/v1/session/select", handlers.SelectSessionHandler{Directory: s.deps.Directory, Logger: s.logger})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness to not-ready and refuses new voice
// connections.
func (s *Server) SetDraining() {
	if s.lifecycle.StartDraining(time.Now()) {
		s.logger.Info("draining", "voice_sessions", s.voice.Count())
	}
}

// NotifyVoiceSessions tells every open voice connection the server is going
// away.
func (s *Server) NotifyVoiceSessions() int {
	n := s.voice.NotifyAll(ShutdownNotice)
	if n > 0 {
		s.logger.Info("notified voice sessions of shutdown", "sessions", n)
	}
	return n
}

// WaitVoiceSessions blocks until every voice connection has ended or ctx is
// done. It reports whether all connections ended.
func (s *Server) WaitVoiceSessions(ctx context.Context) bool {
	return s.voice.Wait(ctx)
}

// CancelVoiceSessions closes every remaining voice connection.
func (s *Server) CancelVoiceSessions() int {
	n := s.voice.CancelAll()
	if n > 0 {
		s.logger.Warn("canceled voice sessions", "sessions", n)
	}
	return n
}

// VoiceSessions lists the open voice connections.
func (s *Server) VoiceSessions() []sessions.Info {
	return s.voice.List()
}
