package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/supertts/internal/enginepool"
	"github.com/nikhilbhutani/supertts/internal/speech"
	"github.com/nikhilbhutani/supertts/internal/voicestyle"
)

// OpenAI error types.
const (
	typeInvalidRequest = "invalid_request_error"
	typeUnavailable    = "service_unavailable"
	typeInternal       = "internal_server_error"
	typeTimeout        = "timeout_error"
)

type apiError struct {
	status int
	typ    string
	code   string
}

// writeError writes an OpenAI-shaped error body.
func writeError(w http.ResponseWriter, status int, typ, code, message string) {
	writeJSON(w, status, openai.ErrorResponse{Error: &openai.APIError{
		Code:    code,
		Message: message,
		Type:    typ,
	}})
}

// classify maps a synthesis failure to its HTTP status and error code.
func classify(err error) apiError {
	switch {
	case errors.Is(err, speech.ErrEmptyInput):
		return apiError{http.StatusBadRequest, typeInvalidRequest, "empty_input"}
	case errors.Is(err, voicestyle.ErrVoiceNotFound):
		return apiError{http.StatusBadRequest, typeInvalidRequest, "voice_not_found"}
	case errors.Is(err, speech.ErrStyle):
		return apiError{http.StatusBadRequest, typeInvalidRequest, "voice_style_load_failed"}
	case errors.Is(err, enginepool.ErrCheckoutTimeout), errors.Is(err, enginepool.ErrPoolClosed):
		return apiError{http.StatusServiceUnavailable, typeUnavailable, "pool_exhausted"}
	case errors.Is(err, enginepool.ErrEngineLoad):
		return apiError{http.StatusServiceUnavailable, typeUnavailable, "engine_unavailable"}
	case errors.Is(err, speech.ErrEncode):
		return apiError{http.StatusInternalServerError, typeInternal, "wav_encoding_failed"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, typeTimeout, "request_timeout"}
	case errors.Is(err, speech.ErrGenerate):
		return apiError{http.StatusInternalServerError, typeInternal, "tts_generation_failed"}
	default:
		return apiError{http.StatusInternalServerError, typeInternal, "internal_error"}
	}
}
