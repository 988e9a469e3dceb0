package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}

// Matches compares a presented secret against the configured one in
// constant time.
func Matches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// VoiceTokenOK reports whether r may open a voice socket. The token travels
// in the query string because browsers cannot set headers on WebSocket
// requests. An empty want disables the check.
func VoiceTokenOK(r *http.Request, want string) bool {
	if want == "" {
		return true
	}
	return Matches(want, r.URL.Query().Get("token"))
}
