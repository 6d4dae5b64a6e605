package queue

const (
	TypeSpeechBatch = "speech:batch"
)

// SpeechItem is one text to render inside a batch.
type SpeechItem struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"` // 0 = configured default
}

type SpeechBatchPayload struct {
	BatchID string       `json:"batch_id"`
	Items   []SpeechItem `json:"items"`
}
