// Package tts is the text-to-speech worker: it claims synthesis requests,
// streams sequenced audio chunks onto the session's output stream, and honors
// cross-replica cancellation signals.
package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/pkg/core/types"
	voicetts "github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
)

type Worker struct {
	dispatcher *dispatch.Dispatcher
	provider   voicetts.Provider
	sampleRate int
	logger     *slog.Logger

	mu        sync.Mutex
	cancelled map[string]struct{} // "session|response", response may be empty
}

func New(dispatcher *dispatch.Dispatcher, provider voicetts.Provider, sampleRate int, logger *slog.Logger) *Worker {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		dispatcher: dispatcher,
		provider:   provider,
		sampleRate: sampleRate,
		logger:     logger,
		cancelled:  make(map[string]struct{}),
	}
}

// WatchCancellations establishes the wildcard cancellation subscription and
// consumes it in the background until the context ends. It returns once the
// subscription is in place, so signals published after the call are never
// missed. One watcher covers every session this replica may synthesize for,
// including requests it has not claimed yet.
func (w *Worker) WatchCancellations(ctx context.Context) {
	sub := w.dispatcher.SubscribeCancellations(ctx)
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Messages():
				if !ok {
					return
				}
				sessionID := strings.TrimPrefix(msg.Channel, "tts-cancel:")
				w.mu.Lock()
				w.cancelled[sessionID+"|"+msg.Payload] = struct{}{}
				w.mu.Unlock()
				w.logger.Debug("cancellation received", "session_id", sessionID, "response_id", msg.Payload)
			}
		}
	}()
}

func (w *Worker) isCancelled(sessionID, responseID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cancelled[sessionID+"|"+responseID]; ok {
		return true
	}
	// An empty response id cancels everything in flight for the session.
	_, ok := w.cancelled[sessionID+"|"]
	return ok
}

func (w *Worker) clearCancelled(sessionID, responseID string) {
	w.mu.Lock()
	delete(w.cancelled, sessionID+"|"+responseID)
	delete(w.cancelled, sessionID+"|")
	w.mu.Unlock()
}

// Handle synthesizes one claimed request. Chunks carry strictly increasing
// sequence numbers and the stream is terminated by exactly one final marker
// unless cancellation wins first.
func (w *Worker) Handle(ctx context.Context, entry coord.StreamEntry) error {
	req := types.TTSRequestFromValues(entry.Values)
	if req.SessionID == "" {
		return fmt.Errorf("tts: entry %s has no session id", entry.ID)
	}
	if req.Text == "" {
		w.fail(ctx, req, "empty text")
		return fmt.Errorf("tts: entry %s has empty text", entry.ID)
	}

	if w.isCancelled(req.SessionID, req.ResponseID) {
		w.cancelledEvent(ctx, req)
		return nil
	}

	stream, err := w.provider.SynthesizeStream(ctx, req.Text, voicetts.SynthesizeOptions{
		Voice:      req.Voice,
		Speed:      req.Speed,
		Format:     "wav",
		SampleRate: w.sampleRate,
	})
	if err != nil {
		w.fail(ctx, req, err.Error())
		return fmt.Errorf("tts: synthesize: %w", err)
	}
	defer stream.Close()

	seq := 0
	for chunk := range stream.Chunks() {
		if w.isCancelled(req.SessionID, req.ResponseID) {
			w.cancelledEvent(ctx, req)
			return nil
		}
		out := types.AudioChunk{
			ChunkB64:   base64.StdEncoding.EncodeToString(chunk),
			Sequence:   seq,
			SampleRate: w.sampleRate,
			ResponseID: req.ResponseID,
		}
		if _, err := w.dispatcher.PublishAudioChunk(ctx, req.SessionID, out); err != nil {
			w.fail(ctx, req, err.Error())
			return fmt.Errorf("tts: publish chunk %d: %w", seq, err)
		}
		seq++
	}
	if err := stream.Err(); err != nil {
		w.fail(ctx, req, err.Error())
		return fmt.Errorf("tts: stream: %w", err)
	}

	final := types.AudioChunk{
		Sequence:   seq,
		SampleRate: w.sampleRate,
		IsFinal:    true,
		ResponseID: req.ResponseID,
	}
	if _, err := w.dispatcher.PublishAudioChunk(ctx, req.SessionID, final); err != nil {
		w.fail(ctx, req, err.Error())
		return fmt.Errorf("tts: publish final marker: %w", err)
	}

	done := dispatch.ResultEvent{
		Type:          dispatch.EventTTSCompleted,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		ResponseID:    req.ResponseID,
		ItemID:        req.ItemID,
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.TTSChannel(req.SessionID), done.Encode()); err != nil {
		w.logger.Warn("completion event publish failed", "session_id", req.SessionID, "error", err)
	}
	w.clearCancelled(req.SessionID, req.ResponseID)
	w.logger.Debug("synthesis published", "session_id", req.SessionID, "response_id", req.ResponseID, "chunks", seq)
	return nil
}

func (w *Worker) cancelledEvent(ctx context.Context, req types.TTSRequest) {
	w.clearCancelled(req.SessionID, req.ResponseID)
	event := dispatch.ResultEvent{
		Type:          dispatch.EventTTSCancelled,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		ResponseID:    req.ResponseID,
		ItemID:        req.ItemID,
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.TTSChannel(req.SessionID), event.Encode()); err != nil {
		w.logger.Warn("cancellation event publish failed", "session_id", req.SessionID, "error", err)
	}
}

func (w *Worker) fail(ctx context.Context, req types.TTSRequest, msg string) {
	event := dispatch.ResultEvent{
		Type:          dispatch.EventTTSFailed,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		ResponseID:    req.ResponseID,
		ItemID:        req.ItemID,
		Error:         msg,
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.TTSChannel(req.SessionID), event.Encode()); err != nil {
		w.logger.Warn("failure event publish failed", "session_id", req.SessionID, "error", err)
	}
}
