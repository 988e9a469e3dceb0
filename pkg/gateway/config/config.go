package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/voicebridge/pkg/core/agent"
	"github.com/vango-go/voicebridge/pkg/core/sessiondir"
	"github.com/vango-go/voicebridge/pkg/core/voice/stt"
	"github.com/vango-go/voicebridge/pkg/core/voice/tts"
)

const DefaultAddr = ":8013"

const (
	TTSProviderOpenAI     = "openai"
	TTSProviderElevenLabs = "elevenlabs"
)

type Config struct {
	Addr string

	// APIKey guards /v1 routes with a bearer token. Empty disables it.
	APIKey string
	// AuthToken is the voice socket's ?token= secret. Empty disables it.
	AuthToken string

	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Agent
	WorkingDirectory  string
	AgentBin          string
	AgentModel        string
	AgentMaxTurns     int
	AgentSystemPrompt string

	// Speech
	OpenAIAPIKey  string
	OpenAIBaseURL string
	STTModel      string
	// TTSProvider is "openai" or "elevenlabs".
	TTSProvider      string
	TTSModel         string
	TTSVoice         string
	ElevenLabsAPIKey string

	// Session directory
	SessionsRoot         string
	SessionsTTL          time.Duration
	SessionsActiveWindow time.Duration
	SessionsMaxDepth     int
	SessionsLimit        int

	// Voice WebSocket
	WSPingInterval time.Duration
	WSWriteTimeout time.Duration
	WSReadLimit    int64

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	LogLevel            slog.Level
}

func LoadFromEnv() (Config, error) {
	cwd, _ := os.Getwd()

	cfg := Config{
		Addr:                 envOr("BRIDGE_ADDR", ""),
		APIKey:               envOr("BRIDGE_API_KEY", ""),
		CORSAllowedOrigins:   make(map[string]struct{}),
		WorkingDirectory:     envOr("ATHENA_CWD", cwd),
		AgentBin:             envOr("ATHENA_CLAUDE_BIN", "claude"),
		AgentModel:           envOr("ATHENA_MODEL", agent.DefaultModel),
		AgentMaxTurns:        envIntOr("ATHENA_MAX_TURNS", agent.DefaultMaxTurns),
		AgentSystemPrompt:    envOr("ATHENA_SYSTEM_PROMPT", agent.DefaultSystemPrompt),
		OpenAIAPIKey:         envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        envOr("OPENAI_BASE_URL", ""),
		STTModel:             envOr("BRIDGE_STT_MODEL", stt.DefaultModel),
		TTSProvider:          strings.ToLower(envOr("BRIDGE_TTS_PROVIDER", TTSProviderOpenAI)),
		ElevenLabsAPIKey:     envOr("ELEVENLABS_API_KEY", ""),
		SessionsRoot:         envOr("BRIDGE_SESSIONS_ROOT", sessiondir.DefaultRoot()),
		SessionsTTL:          envDurationOr("BRIDGE_SESSIONS_TTL", sessiondir.DefaultTTL),
		SessionsActiveWindow: envDurationOr("BRIDGE_SESSIONS_ACTIVE_WINDOW", sessiondir.DefaultActiveWindow),
		SessionsMaxDepth:     envIntOr("BRIDGE_SESSIONS_MAX_DEPTH", sessiondir.DefaultMaxDepth),
		SessionsLimit:        envIntOr("BRIDGE_SESSIONS_LIMIT", sessiondir.DefaultLimit),
		WSPingInterval:       envDurationOr("BRIDGE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:       envDurationOr("BRIDGE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadLimit:          envInt64Or("BRIDGE_WS_READ_LIMIT", 16<<20), // 16 MiB
		ReadHeaderTimeout:    envDurationOr("BRIDGE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("BRIDGE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
		if port := envOr("BRIDGE_PORT", ""); port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return Config{}, fmt.Errorf("BRIDGE_PORT must be a number")
			}
			cfg.Addr = ":" + port
		}
	}
	cfg.AuthToken = envOr("BRIDGE_AUTH_TOKEN", cfg.APIKey)

	switch cfg.TTSProvider {
	case TTSProviderOpenAI:
		cfg.TTSModel = envOr("BRIDGE_TTS_MODEL", tts.DefaultModel)
		cfg.TTSVoice = envOr("BRIDGE_TTS_VOICE", tts.DefaultVoice)
	case TTSProviderElevenLabs:
		if cfg.ElevenLabsAPIKey == "" {
			return Config{}, fmt.Errorf("ELEVENLABS_API_KEY is required when BRIDGE_TTS_PROVIDER=elevenlabs")
		}
		cfg.TTSModel = envOr("BRIDGE_TTS_MODEL", tts.ElevenLabsDefaultModel)
		cfg.TTSVoice = envOr("BRIDGE_TTS_VOICE", tts.ElevenLabsDefaultVoice)
	default:
		return Config{}, fmt.Errorf("BRIDGE_TTS_PROVIDER must be one of openai|elevenlabs")
	}

	for _, origin := range splitCSV(os.Getenv("BRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if raw := envOr("BRIDGE_LOG_LEVEL", ""); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, fmt.Errorf("BRIDGE_LOG_LEVEL must be one of debug|info|warn|error")
		}
	}

	if !stt.IsKnownModel(cfg.STTModel) {
		return Config{}, fmt.Errorf("BRIDGE_STT_MODEL must be one of whisper-1|gpt-4o-mini-transcribe|gpt-4o-transcribe")
	}
	if cfg.AgentMaxTurns <= 0 {
		return Config{}, fmt.Errorf("ATHENA_MAX_TURNS must be > 0")
	}
	if cfg.SessionsTTL <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SESSIONS_TTL must be > 0")
	}
	if cfg.SessionsActiveWindow <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SESSIONS_ACTIVE_WINDOW must be > 0")
	}
	if cfg.SessionsMaxDepth <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SESSIONS_MAX_DEPTH must be > 0")
	}
	if cfg.SessionsLimit <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SESSIONS_LIMIT must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadLimit <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_WS_READ_LIMIT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("BRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
