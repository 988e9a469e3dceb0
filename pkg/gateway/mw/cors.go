package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/voicebridge/pkg/core"
	"github.com/vango-go/voicebridge/pkg/gateway/apierror"
	"github.com/vango-go/voicebridge/pkg/gateway/config"
)

const (
	corsAllowedMethods = "GET, POST, OPTIONS"
	corsAllowedHeaders = "Authorization, Content-Type, X-Request-ID"
	corsExposedHeaders = "X-Request-ID"

	// AnyOrigin in BRIDGE_CORS_ORIGINS allows every browser origin.
	AnyOrigin = "*"
)

// OriginAllowed reports whether origin is in the configured allowlist.
func OriginAllowed(cfg config.Config, origin string) bool {
	if origin == "" || len(cfg.CORSAllowedOrigins) == 0 {
		return false
	}
	if _, ok := cfg.CORSAllowedOrigins[AnyOrigin]; ok {
		return true
	}
	_, ok := cfg.CORSAllowedOrigins[origin]
	return ok
}

// CORS answers preflights for allowlisted origins and tags their responses.
// The allowed origin is always echoed, never "*", so bearer requests work.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		allowed := OriginAllowed(cfg, origin)

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !allowed {
				reqID, _ := RequestIDFrom(r.Context())
				apierror.Write(w, http.StatusForbidden, &core.Error{
					Type:      core.ErrPermission,
					Message:   "origin not allowed",
					RequestID: reqID,
				})
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
