package dispatch

import (
	"encoding/json"

	"github.com/voxgate/voxgate/pkg/core/types"
)

// Result event types published on per-session channels.
const (
	EventTranscriptionCompleted = "transcription.completed"
	EventTranscriptionFailed    = "transcription.failed"

	EventTTSCompleted = "tts.completed"
	EventTTSCancelled = "tts.cancelled"
	EventTTSFailed    = "tts.failed"

	EventLLMDelta     = "llm.delta"
	EventLLMCompleted = "llm.completed"
	EventLLMFailed    = "llm.failed"
)

// ResultEvent is the envelope for worker results on pub/sub channels. Fields
// are populated per event type; unused ones are omitted from the wire.
type ResultEvent struct {
	Type          string       `json:"type"`
	SessionID     string       `json:"session_id,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	ResponseID    string       `json:"response_id,omitempty"`
	ItemID        string       `json:"item_id,omitempty"`
	Text          string       `json:"text,omitempty"`
	Language      string       `json:"language,omitempty"`
	Confidence    float64      `json:"confidence,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	Usage         *types.Usage `json:"usage,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// Encode marshals the event for publication.
func (e ResultEvent) Encode() string {
	data, err := json.Marshal(e)
	if err != nil {
		return `{"type":"` + e.Type + `"}`
	}
	return string(data)
}

// DecodeResultEvent parses a published payload.
func DecodeResultEvent(payload string) (ResultEvent, error) {
	var e ResultEvent
	err := json.Unmarshal([]byte(payload), &e)
	return e, err
}
