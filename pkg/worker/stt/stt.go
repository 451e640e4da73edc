// Package stt is the speech-to-text worker: it claims transcription requests
// from the work stream and publishes one terminal event per request on the
// session's transcript channel.
package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/voxgate/voxgate/pkg/core/types"
	voicestt "github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
)

type Worker struct {
	dispatcher *dispatch.Dispatcher
	provider   voicestt.Provider
	logger     *slog.Logger
}

func New(dispatcher *dispatch.Dispatcher, provider voicestt.Provider, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{dispatcher: dispatcher, provider: provider, logger: logger}
}

// Handle processes one claimed transcription request. Failures become
// transcription.failed events; the error return is for the runner's log only.
func (w *Worker) Handle(ctx context.Context, entry coord.StreamEntry) error {
	req := types.STTRequestFromValues(entry.Values)
	if req.SessionID == "" {
		return fmt.Errorf("stt: entry %s has no session id", entry.ID)
	}

	audio, err := base64.StdEncoding.DecodeString(req.AudioB64)
	if err != nil {
		w.fail(ctx, req, fmt.Sprintf("invalid audio encoding: %v", err))
		return fmt.Errorf("stt: decode audio: %w", err)
	}

	transcript, err := w.provider.Transcribe(ctx, bytes.NewReader(audio), voicestt.TranscribeOptions{
		Language: req.Language,
	})
	if err != nil {
		w.fail(ctx, req, err.Error())
		return fmt.Errorf("stt: transcribe: %w", err)
	}

	event := dispatch.ResultEvent{
		Type:          dispatch.EventTranscriptionCompleted,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		Text:          transcript.Text,
		Language:      transcript.Language,
		Confidence:    transcript.Confidence,
		Provider:      w.provider.Name(),
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.TranscriptChannel(req.SessionID), event.Encode()); err != nil {
		return fmt.Errorf("stt: publish result: %w", err)
	}
	w.logger.Debug("transcription published",
		"session_id", req.SessionID,
		"correlation_id", req.CorrelationID,
		"chars", len(transcript.Text))
	return nil
}

func (w *Worker) fail(ctx context.Context, req types.STTRequest, msg string) {
	event := dispatch.ResultEvent{
		Type:          dispatch.EventTranscriptionFailed,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		Error:         msg,
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.TranscriptChannel(req.SessionID), event.Encode()); err != nil {
		w.logger.Warn("failure event publish failed", "session_id", req.SessionID, "error", err)
	}
}
