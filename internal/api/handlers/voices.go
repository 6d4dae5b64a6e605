package handlers

import (
	"net/http"
	"time"

	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

type VoicesHandler struct {
	resolver *voicestyle.Resolver
}

func NewVoicesHandler(resolver *voicestyle.Resolver) *VoicesHandler {
	return &VoicesHandler{resolver: resolver}
}

// List returns the voice aliases and any extra style files on disk.
func (h *VoicesHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":    h.resolver.Voices(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
