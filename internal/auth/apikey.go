// Package auth guards the API with a static bearer key.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// APIKeyMiddleware rejects requests whose Authorization header does not carry
// the configured key as a bearer token.
type APIKeyMiddleware struct {
	keyHash [sha256.Size]byte
	enabled bool
}

// NewAPIKeyMiddleware returns a middleware that checks key when required is
// set. With required unset, or an empty key, every request passes.
func NewAPIKeyMiddleware(key string, required bool) *APIKeyMiddleware {
	return &APIKeyMiddleware{
		keyHash: HashAPIKey(key),
		enabled: required && key != "",
	}
}

func (m *APIKeyMiddleware) Authenticate(next http.Handler) http.Handler {
	if !m.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, "missing bearer token")
			return
		}
		got := HashAPIKey(token)
		if subtle.ConstantTimeCompare(got[:], m.keyHash[:]) != 1 {
			slog.Warn("authentication failed", "remote", r.RemoteAddr, "path", r.URL.Path)
			writeError(w, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HashAPIKey hashes key so comparisons run over fixed-length input.
func HashAPIKey(key string) [sha256.Size]byte {
	return sha256.Sum256([]byte(key))
}

func extractBearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="supertts"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"message": message,
			"type":    "authentication_error",
			"code":    "invalid_api_key",
		},
	})
}
