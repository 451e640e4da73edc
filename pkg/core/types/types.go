// Package types holds the wire-level data model shared by the gateway and the
// worker pool: conversation items, session configuration, and the flat
// string-keyed maps exchanged over work streams.
package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// Message is one turn of model-facing conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContentPart is one piece of a conversation item's content.
type ContentPart struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	AudioB64   string `json:"audio,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// ConversationItem is one committed turn. Items are append-only: once created
// they are never mutated, only evicted from the capped session buffer.
type ConversationItem struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   []ContentPart     `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// TextItem builds a single-part text item.
func TextItem(id, role, text string) ConversationItem {
	return ConversationItem{
		ID:        id,
		Role:      role,
		Content:   []ContentPart{{Type: "text", Text: text}},
		CreatedAt: time.Now().UTC(),
	}
}

// Text returns the concatenated text content of the item.
func (it ConversationItem) Text() string {
	out := ""
	for _, part := range it.Content {
		if part.Text != "" {
			out += part.Text
		} else if part.Transcript != "" {
			out += part.Transcript
		}
	}
	return out
}

// SessionConfig is the client-tunable portion of a session.
type SessionConfig struct {
	Model           string   `json:"model,omitempty"`
	Voice           string   `json:"voice,omitempty"`
	Instructions    string   `json:"instructions,omitempty"`
	Speed           float64  `json:"speed,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	Tools           []Tool   `json:"tools,omitempty"`
	Modalities      []string `json:"modalities,omitempty"`
	MaxOutputTokens string   `json:"max_output_tokens,omitempty"` // number or "inf"
}

// Tool describes one tool exposed to the model.
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Usage is the token accounting attached to a finished response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Work request field names shared across the gateway/worker boundary. Every
// stream entry is a flat string-keyed map; helpers below keep the two sides
// honest about types.
const (
	FieldSessionID     = "session_id"
	FieldTenantID      = "tenant_id"
	FieldCorrelationID = "correlation_id"
	FieldTimestamp     = "timestamp"

	FieldAudio    = "audio"
	FieldLanguage = "language"

	FieldText       = "text"
	FieldVoice      = "voice"
	FieldSpeed      = "speed"
	FieldResponseID = "response_id"
	FieldItemID     = "item_id"

	FieldMessages = "messages"
	FieldProvider = "provider"
	FieldModel    = "model"

	FieldChunk      = "chunk"
	FieldSequence   = "sequence"
	FieldSampleRate = "sample_rate"
	FieldIsFinal    = "is_final"
)

// STTRequest is the payload pushed onto the STT work stream.
type STTRequest struct {
	SessionID     string
	TenantID      string
	AudioB64      string
	Language      string
	CorrelationID string
}

func (r STTRequest) Values() map[string]any {
	return map[string]any{
		FieldSessionID:     r.SessionID,
		FieldTenantID:      r.TenantID,
		FieldAudio:         r.AudioB64,
		FieldLanguage:      r.Language,
		FieldCorrelationID: r.CorrelationID,
		FieldTimestamp:     strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

func STTRequestFromValues(v map[string]string) STTRequest {
	return STTRequest{
		SessionID:     v[FieldSessionID],
		TenantID:      v[FieldTenantID],
		AudioB64:      v[FieldAudio],
		Language:      v[FieldLanguage],
		CorrelationID: v[FieldCorrelationID],
	}
}

// TTSRequest is the payload pushed onto the TTS work stream.
type TTSRequest struct {
	SessionID     string
	TenantID      string
	Text          string
	Voice         string
	Speed         float64
	ResponseID    string
	ItemID        string
	CorrelationID string
}

func (r TTSRequest) Values() map[string]any {
	return map[string]any{
		FieldSessionID:     r.SessionID,
		FieldTenantID:      r.TenantID,
		FieldText:          r.Text,
		FieldVoice:         r.Voice,
		FieldSpeed:         strconv.FormatFloat(r.Speed, 'f', -1, 64),
		FieldResponseID:    r.ResponseID,
		FieldItemID:        r.ItemID,
		FieldCorrelationID: r.CorrelationID,
		FieldTimestamp:     strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

func TTSRequestFromValues(v map[string]string) TTSRequest {
	speed, _ := strconv.ParseFloat(v[FieldSpeed], 64)
	return TTSRequest{
		SessionID:     v[FieldSessionID],
		TenantID:      v[FieldTenantID],
		Text:          v[FieldText],
		Voice:         v[FieldVoice],
		Speed:         speed,
		ResponseID:    v[FieldResponseID],
		ItemID:        v[FieldItemID],
		CorrelationID: v[FieldCorrelationID],
	}
}

// LLMRequest is the payload pushed onto the LLM work stream. Messages travel
// as a JSON array so the map stays flat.
type LLMRequest struct {
	SessionID     string
	TenantID      string
	Messages      []Message
	Provider      string
	Model         string
	CorrelationID string
}

func (r LLMRequest) Values() (map[string]any, error) {
	msgs, err := json.Marshal(r.Messages)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		FieldSessionID:     r.SessionID,
		FieldTenantID:      r.TenantID,
		FieldMessages:      string(msgs),
		FieldProvider:      r.Provider,
		FieldModel:         r.Model,
		FieldCorrelationID: r.CorrelationID,
	}, nil
}

func LLMRequestFromValues(v map[string]string) (LLMRequest, error) {
	req := LLMRequest{
		SessionID:     v[FieldSessionID],
		TenantID:      v[FieldTenantID],
		Provider:      v[FieldProvider],
		Model:         v[FieldModel],
		CorrelationID: v[FieldCorrelationID],
	}
	if raw := v[FieldMessages]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Messages); err != nil {
			return req, err
		}
	}
	return req, nil
}

// AudioChunk is one entry on a session's audio output stream. Sequence numbers
// are assigned by the producing worker and are strictly increasing within one
// response; consumers order playback by them.
type AudioChunk struct {
	ChunkB64   string
	Sequence   int
	SampleRate int
	IsFinal    bool
	ResponseID string
}

func (c AudioChunk) Values() map[string]any {
	isFinal := "0"
	if c.IsFinal {
		isFinal = "1"
	}
	return map[string]any{
		FieldChunk:      c.ChunkB64,
		FieldSequence:   strconv.Itoa(c.Sequence),
		FieldSampleRate: strconv.Itoa(c.SampleRate),
		FieldIsFinal:    isFinal,
		FieldResponseID: c.ResponseID,
		FieldTimestamp:  strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

func AudioChunkFromValues(v map[string]string) AudioChunk {
	seq, _ := strconv.Atoi(v[FieldSequence])
	rate, _ := strconv.Atoi(v[FieldSampleRate])
	return AudioChunk{
		ChunkB64:   v[FieldChunk],
		Sequence:   seq,
		SampleRate: rate,
		IsFinal:    v[FieldIsFinal] == "1",
		ResponseID: v[FieldResponseID],
	}
}
