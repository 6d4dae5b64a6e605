package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/supertts/internal/metrics"
	"github.com/nikhilbhutani/supertts/internal/queue"
)

const maxBatchItems = 100

// BatchEnqueuer is satisfied by *queue.Client.
type BatchEnqueuer interface {
	EnqueueSpeechBatch(payload queue.SpeechBatchPayload) (string, error)
}

type BatchHandler struct {
	queue   BatchEnqueuer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewBatchHandler(q BatchEnqueuer, m *metrics.Metrics, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{queue: q, metrics: m, logger: logger}
}

type batchItem struct {
	Input string  `json:"input"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

type batchRequest struct {
	Items []batchItem `json:"items"`
}

type batchResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  int    `json:"items"`
}

// Enqueue schedules a batch for the worker and returns its id.
func (h *BatchHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "invalid_json", "invalid request body: "+err.Error())
		return
	}

	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "empty_batch", "Batch must contain at least one item")
		return
	}
	if len(req.Items) > maxBatchItems {
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "batch_too_large",
			fmt.Sprintf("Batch has %d items, the limit is %d", len(req.Items), maxBatchItems))
		return
	}

	payload := queue.SpeechBatchPayload{BatchID: uuid.NewString()}
	for i, it := range req.Items {
		if strings.TrimSpace(it.Input) == "" {
			writeError(w, http.StatusBadRequest, typeInvalidRequest, "empty_input",
				fmt.Sprintf("Item %d: input text cannot be empty", i+1))
			return
		}
		if it.Speed != 0 && (it.Speed < minSpeed || it.Speed > maxSpeed) {
			writeError(w, http.StatusBadRequest, typeInvalidRequest, "invalid_speed",
				fmt.Sprintf("Item %d: speed must be between %.2f and %.1f", i+1, minSpeed, maxSpeed))
			return
		}
		payload.Items = append(payload.Items, queue.SpeechItem{Text: it.Input, Voice: it.Voice, Speed: it.Speed})
	}

	id, err := h.queue.EnqueueSpeechBatch(payload)
	if err != nil {
		h.logger.Error("enqueue speech batch", "batch_id", payload.BatchID, "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, typeUnavailable, "queue_unavailable", "could not schedule batch")
		return
	}
	if h.metrics != nil {
		h.metrics.BatchTasksEnqueued.Inc()
	}

	h.logger.Info("speech batch enqueued", "batch_id", id, "items", len(payload.Items))
	writeJSON(w, http.StatusAccepted, batchResponse{ID: id, Status: "queued", Items: len(payload.Items)})
}
