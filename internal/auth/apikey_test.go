package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		key      string
		required bool
		header   string
		want     int
	}{
		{"disabled", "secret", false, "", http.StatusNoContent},
		{"required without key configured", "", true, "", http.StatusNoContent},
		{"missing header", "secret", true, "", http.StatusUnauthorized},
		{"wrong scheme", "secret", true, "Basic secret", http.StatusUnauthorized},
		{"wrong key", "secret", true, "Bearer nope", http.StatusUnauthorized},
		{"valid key", "secret", true, "Bearer secret", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAPIKeyMiddleware(tt.key, tt.required).Authenticate(ok)

			req := httptest.NewRequest(http.MethodPost, "/v1/audio/speech", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status: got %d, want %d", rec.Code, tt.want)
			}
			if rec.Code == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 should carry WWW-Authenticate")
			}
		})
	}
}
