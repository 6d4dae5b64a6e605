package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/nikhilbhutani/supertts/internal/speech"
)

const (
	defaultModel = "supertts"
	minSpeed     = 0.25
	maxSpeed     = 4.0
)

var knownModels = map[string]bool{
	defaultModel:               true,
	string(openai.TTSModel1):   true,
	string(openai.TTSModel1HD): true,
}

// SpeechHandler serves the OpenAI-compatible speech endpoint.
type SpeechHandler struct {
	svc    *speech.Service
	logger *slog.Logger
}

func NewSpeechHandler(svc *speech.Service, logger *slog.Logger) *SpeechHandler {
	return &SpeechHandler{svc: svc, logger: logger}
}

// CreateSpeech renders the request input as a WAV file.
func (h *SpeechHandler) CreateSpeech(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := h.logger.With("request_id", requestID)

	var req openai.CreateSpeechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}

	model := string(req.Model)
	if model == "" {
		model = defaultModel
	}
	format := string(req.ResponseFormat)
	if format == "" {
		format = string(openai.SpeechResponseFormatWav)
	}

	log.Info("tts request", "model", model, "voice", req.Voice, "format", format, "chars", len([]rune(req.Input)))

	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "empty_input", "Input text cannot be empty")
		return
	}
	if !knownModels[model] {
		log.Warn("unsupported model, using supertts engine", "model", model)
	}
	if format != string(openai.SpeechResponseFormatWav) {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "unsupported_format",
			fmt.Sprintf("Unsupported response format '%s'. Only 'wav' is supported.", format))
		return
	}
	if req.Speed != 0 && (req.Speed < minSpeed || req.Speed > maxSpeed) {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "invalid_speed",
			fmt.Sprintf("Speed must be between %.2f and %.1f, got %g", minSpeed, maxSpeed, req.Speed))
		return
	}

	res, err := h.svc.Synthesize(r.Context(), speech.Request{
		Text:  req.Input,
		Voice: string(req.Voice),
		Speed: req.Speed,
	})
	if err != nil {
		e := classify(err)
		if e.status >= http.StatusInternalServerError {
			log.Error("tts request failed", "code", e.code, "error", err)
		} else {
			log.Warn("tts request rejected", "code", e.code, "error", err)
		}
		if e.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, e.status, e.typ, e.code, err.Error())
		return
	}

	voice := string(req.Voice)
	if voice == "" {
		voice = "default"
	}
	cacheStatus := "MISS"
	if res.Cached {
		cacheStatus = "HIT"
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "audio/wav")
	hdr.Set("Content-Length", strconv.Itoa(len(res.WAV)))
	hdr.Set("X-Request-ID", requestID)
	hdr.Set("X-Model-Used", model)
	hdr.Set("X-Voice-Used", voice)
	hdr.Set("X-Response-Format", format)
	hdr.Set("X-Processing-Time", fmt.Sprintf("%.3fms", float64(time.Since(start).Microseconds())/1000))
	hdr.Set("X-Cache", cacheStatus)
	hdr.Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.WAV); err != nil {
		log.Warn("writing audio response", "error", err)
		return
	}

	log.Info("tts request done",
		"voice_path", res.VoicePath,
		"engine_id", res.EngineID,
		"audio", res.Duration.String(),
		"cache", cacheStatus,
		"took", time.Since(start).String(),
	)
}
