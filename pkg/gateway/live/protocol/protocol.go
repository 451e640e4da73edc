// Package protocol defines the JSON event protocol spoken over a live
// connection: client event decoding with typed validation errors, and the
// server event frames the engine emits.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/voxgate/voxgate/pkg/core/types"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
)

// Server event types.
const (
	TypeSessionCreated               = "session.created"
	TypeSessionUpdated               = "session.updated"
	TypeRateLimitsUpdated            = "rate_limits.updated"
	TypeSpeechStarted                = "input_audio_buffer.speech_started"
	TypeSpeechStopped                = "input_audio_buffer.speech_stopped"
	TypeInputAudioBufferCommitted    = "input_audio_buffer.committed"
	TypeConversationItemCreated      = "conversation.item.created"
	TypeResponseCreated              = "response.created"
	TypeResponseOutputItemAdded      = "response.output_item.added"
	TypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	TypeResponseAudioDelta           = "response.audio.delta"
	TypeResponseDone                 = "response.done"
	TypeResponseCancelled            = "response.cancelled"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// SessionUpdate carries a partial session config; absent fields keep their
// current values.
type SessionUpdate struct {
	Type    string              `json:"type"`
	Session types.SessionConfig `json:"session"`
}

type InputAudioBufferAppend struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio"`
}

type InputAudioBufferCommit struct {
	Type string `json:"type"`
}

type ConversationItemCreate struct {
	Type string                 `json:"type"`
	Item types.ConversationItem `json:"item"`
}

// ResponseOptions tunes a single response without touching session config.
type ResponseOptions struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

type ResponseCreate struct {
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

type ResponseCancel struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// DecodeClientEvent parses one inbound frame into its typed event. Errors are
// always *DecodeError so callers can map them onto protocol error frames.
func DecodeClientEvent(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeSessionUpdate:
		var msg SessionUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session.update frame", "")
		}
		if msg.Session.Speed < 0 {
			return nil, badRequest("session.speed must be >= 0", "session.speed")
		}
		if msg.Session.Temperature < 0 || msg.Session.Temperature > 2 {
			return nil, badRequest("session.temperature must be in [0, 2]", "session.temperature")
		}
		return msg, nil
	case TypeInputAudioBufferAppend:
		var msg InputAudioBufferAppend
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.append frame", "")
		}
		if strings.TrimSpace(msg.AudioB64) == "" {
			return nil, badRequest("input_audio_buffer.append.audio is required", "audio")
		}
		return msg, nil
	case TypeInputAudioBufferCommit:
		var msg InputAudioBufferCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.commit frame", "")
		}
		return msg, nil
	case TypeConversationItemCreate:
		var msg ConversationItemCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid conversation.item.create frame", "")
		}
		if err := validateItem(msg.Item); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeResponseCreate:
		var msg ResponseCreate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.create frame", "")
		}
		if msg.Response != nil {
			for i, m := range msg.Response.Modalities {
				switch m {
				case "text", "audio":
				default:
					return nil, unsupported("unsupported modality", fmt.Sprintf("response.modalities[%d]", i))
				}
			}
		}
		return msg, nil
	case TypeResponseCancel:
		var msg ResponseCancel
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid response.cancel frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported event type", "type")
	}
}

func validateItem(item types.ConversationItem) error {
	switch item.Role {
	case "user", "assistant", "system":
	case "":
		return badRequest("item.role is required", "item.role")
	default:
		return unsupported("unsupported item role", "item.role")
	}
	if len(item.Content) == 0 {
		return badRequest("item.content must be non-empty", "item.content")
	}
	for i, part := range item.Content {
		switch part.Type {
		case "text", "input_text", "input_audio", "audio":
		default:
			return unsupported("unsupported content part type", fmt.Sprintf("item.content[%d].type", i))
		}
	}
	return nil
}

// SessionView is the client-visible slice of a session.
type SessionView struct {
	ID     string              `json:"id"`
	Status string              `json:"status"`
	Config types.SessionConfig `json:"config"`
}

type SessionCreated struct {
	Type    string      `json:"type"`
	Session SessionView `json:"session"`
}

type SessionUpdated struct {
	Type    string      `json:"type"`
	Session SessionView `json:"session"`
}

// RateLimit is one dimension of the current quota snapshot.
type RateLimit struct {
	Name        string `json:"name"`
	Limit       int64  `json:"limit"`
	Remaining   int64  `json:"remaining"`
	ResetMillis int64  `json:"reset_millis"`
}

type RateLimitsUpdated struct {
	Type       string      `json:"type"`
	RateLimits []RateLimit `json:"rate_limits"`
}

type SpeechStarted struct {
	Type string `json:"type"`
}

type SpeechStopped struct {
	Type string `json:"type"`
}

type InputAudioBufferCommitted struct {
	Type   string `json:"type"`
	ItemID string `json:"item_id"`
}

type ConversationItemCreated struct {
	Type string                 `json:"type"`
	Item types.ConversationItem `json:"item"`
}

// ResponseRef identifies a response and its current status.
type ResponseRef struct {
	ID     string       `json:"id"`
	Status string       `json:"status"`
	Usage  *types.Usage `json:"usage,omitempty"`
}

type ResponseCreated struct {
	Type     string      `json:"type"`
	Response ResponseRef `json:"response"`
}

type ResponseOutputItemAdded struct {
	Type       string                 `json:"type"`
	ResponseID string                 `json:"response_id"`
	Item       types.ConversationItem `json:"item"`
}

type ResponseAudioTranscriptDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	ItemID     string `json:"item_id,omitempty"`
	Delta      string `json:"delta"`
}

type ResponseAudioDelta struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	DeltaB64   string `json:"delta"`
	Sequence   int64  `json:"sequence"`
}

type ResponseDone struct {
	Type     string      `json:"type"`
	Response ResponseRef `json:"response"`
}

type ResponseCancelled struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
}

// Encode marshals a server event for the wire. Server event structs are
// marshal-safe by construction, so errors are swallowed into an empty frame.
func Encode(event any) []byte {
	data, err := json.Marshal(event)
	if err != nil {
		return []byte(`{}`)
	}
	return data
}
