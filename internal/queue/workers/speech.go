package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/supertts/internal/audio"
	"github.com/nikhilbhutani/supertts/internal/metrics"
	"github.com/nikhilbhutani/supertts/internal/queue"
	"github.com/nikhilbhutani/supertts/internal/speech"
)

// fileStemLen caps the text-derived part of output file names.
const fileStemLen = 20

// Renderer is satisfied by *speech.Service.
type Renderer interface {
	Render(ctx context.Context, req speech.Request) (*speech.Rendering, error)
}

// SpeechWorker renders batch items to WAV files under outputDir/<task id>.
type SpeechWorker struct {
	renderer  Renderer
	outputDir string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func NewSpeechWorker(r Renderer, outputDir string, m *metrics.Metrics, logger *slog.Logger) *SpeechWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpeechWorker{renderer: r, outputDir: outputDir, metrics: m, logger: logger}
}

func (w *SpeechWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.SpeechBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(payload.Items) == 0 {
		return fmt.Errorf("batch %s has no items: %w", payload.BatchID, asynq.SkipRetry)
	}

	dir := filepath.Join(w.outputDir, batchDir(ctx, payload))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	w.logger.Info("processing speech batch", "batch_id", payload.BatchID, "items", len(payload.Items), "dir", dir)

	var failed []error
	written := make([]string, 0, len(payload.Items))
	for i, item := range payload.Items {
		name := fmt.Sprintf("%s_%d.wav", SanitizeFilename(item.Text, fileStemLen), i+1)
		path := filepath.Join(dir, name)

		err := w.renderItem(ctx, item, path)
		if w.metrics != nil {
			w.metrics.RecordBatchItem(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("batch item failed", "batch_id", payload.BatchID, "item", i+1, "error", err)
			failed = append(failed, fmt.Errorf("item %d: %w", i+1, err))
			continue
		}
		written = append(written, name)
	}

	if rw := t.ResultWriter(); rw != nil {
		res, _ := json.Marshal(map[string]any{"dir": dir, "files": written, "failed": len(failed)})
		if _, err := rw.Write(res); err != nil {
			w.logger.Warn("write task result", "error", err)
		}
	}

	w.logger.Info("speech batch done", "batch_id", payload.BatchID, "written", len(written), "failed", len(failed))

	// Item failures are input problems; retrying would redo the good items.
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", errors.Join(failed...), asynq.SkipRetry)
	}
	return nil
}

func (w *SpeechWorker) renderItem(ctx context.Context, item queue.SpeechItem, path string) error {
	r, err := w.renderer.Render(ctx, speech.Request{Text: item.Text, Voice: item.Voice, Speed: item.Speed})
	if err != nil {
		return err
	}
	return audio.WriteFile(path, r.Samples, r.SampleRate)
}

func batchDir(ctx context.Context, p queue.SpeechBatchPayload) string {
	if id, ok := asynq.GetTaskID(ctx); ok {
		return id
	}
	return p.BatchID
}

// SanitizeFilename keeps the first maxLen letters and digits of text and
// replaces everything else with '_'.
func SanitizeFilename(text string, maxLen int) string {
	var b strings.Builder
	n := 0
	for _, r := range text {
		if n == maxLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		n++
	}
	return b.String()
}
