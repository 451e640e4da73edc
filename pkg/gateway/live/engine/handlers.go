package engine

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxgate/voxgate/pkg/core/types"
	"github.com/voxgate/voxgate/pkg/gateway/apierror"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/live/protocol"
	"github.com/voxgate/voxgate/pkg/gateway/sessionstore"
)

// handleFrame processes one inbound frame: rate limit, decode, dispatch.
// Failures produce one error frame; the connection stays open.
func (e *Engine) handleFrame(data []byte) {
	if e.limiter != nil {
		dec := e.limiter.CheckAndConsume(e.ctx, e.session.TenantID, e.session.ID, 1, 0)
		if !dec.Allowed {
			e.send(apierror.Frame(apierror.RateLimit("rate limit exceeded, event dropped")))
			return
		}
	}

	event, err := protocol.DecodeClientEvent(data)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			e.send(apierror.Frame(apierror.Validation(de.Code, de.Message, de.Param)))
		} else {
			e.send(apierror.Frame(apierror.Validation("bad_request", "unreadable frame", "")))
		}
		return
	}

	switch msg := event.(type) {
	case protocol.SessionUpdate:
		e.handleSessionUpdate(msg)
	case protocol.InputAudioBufferAppend:
		e.handleAudioAppend(msg)
	case protocol.InputAudioBufferCommit:
		e.handleAudioCommit()
	case protocol.ConversationItemCreate:
		e.handleItemCreate(msg)
	case protocol.ResponseCreate:
		e.handleResponseCreate(msg)
	case protocol.ResponseCancel:
		e.handleResponseCancel(msg)
	default:
		e.send(apierror.Frame(apierror.Validation("bad_request", "unsupported event type", "type")))
	}
}

func (e *Engine) handleSessionUpdate(msg protocol.SessionUpdate) {
	merged := e.session.Config
	patch := msg.Session
	if patch.Model != "" {
		merged.Model = patch.Model
	}
	if patch.Voice != "" {
		merged.Voice = patch.Voice
	}
	if patch.Instructions != "" {
		merged.Instructions = patch.Instructions
	}
	if patch.Speed != 0 {
		merged.Speed = patch.Speed
	}
	if patch.Temperature != 0 {
		merged.Temperature = patch.Temperature
	}
	if patch.Modalities != nil {
		merged.Modalities = patch.Modalities
	}
	if patch.MaxOutputTokens != "" {
		merged.MaxOutputTokens = patch.MaxOutputTokens
	}
	if patch.Tools != nil {
		merged.Tools = patch.Tools
	}

	if e.sessions != nil {
		if updated := e.sessions.Update(e.ctx, e.session.ID, e.session.TenantID, sessionstore.UpdateParams{Config: &merged}); updated != nil {
			e.session = updated
		} else {
			e.session.Config = merged
		}
	} else {
		e.session.Config = merged
	}

	e.send(protocol.Encode(protocol.SessionUpdated{
		Type:    protocol.TypeSessionUpdated,
		Session: e.sessionView(),
	}))
}

func (e *Engine) handleAudioAppend(msg protocol.InputAudioBufferAppend) {
	audio, err := base64.StdEncoding.DecodeString(msg.AudioB64)
	if err != nil {
		e.send(apierror.Frame(apierror.Validation("invalid_audio", "audio is not valid base64", "audio")))
		return
	}
	e.audioBuf.Write(audio)
	if !e.speaking {
		e.speaking = true
		e.send(protocol.Encode(protocol.SpeechStarted{Type: protocol.TypeSpeechStarted}))
	}
}

// handleAudioCommit flushes the accumulated buffer as one transcription
// request; the resulting conversation item is appended when the transcript
// event comes back.
func (e *Engine) handleAudioCommit() {
	if e.audioBuf.Len() == 0 {
		e.send(apierror.Frame(apierror.Validation("input_audio_buffer_empty", "commit with no buffered audio", "")))
		return
	}
	if e.speaking {
		e.speaking = false
		e.send(protocol.Encode(protocol.SpeechStopped{Type: protocol.TypeSpeechStopped}))
	}

	corrID := dispatch.NewCorrelationID()
	req := types.STTRequest{
		SessionID:     e.session.ID,
		TenantID:      e.session.TenantID,
		AudioB64:      base64.StdEncoding.EncodeToString(e.audioBuf.Bytes()),
		CorrelationID: corrID,
	}
	e.audioBuf.Reset()
	e.pendingCommit[corrID] = struct{}{}

	if err := e.startWork(dispatch.StreamSTT, req.Values(), e.localHandler(stageSTT)); err != nil {
		delete(e.pendingCommit, corrID)
		e.logger.Warn("transcription dispatch failed", "error", err)
		e.send(apierror.Frame(apierror.Processing("dispatch_failed", "could not queue transcription")))
	}
}

func (e *Engine) handleTranscriptEvent(payload string) {
	ev, err := dispatch.DecodeResultEvent(payload)
	if err != nil {
		e.logger.Warn("unreadable transcript event", "error", err)
		return
	}
	if _, ok := e.pendingCommit[ev.CorrelationID]; !ok {
		return
	}
	delete(e.pendingCommit, ev.CorrelationID)

	if ev.Type == dispatch.EventTranscriptionFailed {
		e.send(apierror.Frame(apierror.Processing("transcription_failed", ev.Error)))
		return
	}

	item := types.ConversationItem{
		ID:        "item_" + ulid.Make().String(),
		Role:      "user",
		Content:   []types.ContentPart{{Type: "input_audio", Transcript: ev.Text}},
		CreatedAt: e.now().UTC(),
	}
	e.appendItem(e.session.ID, e.session.TenantID, item)

	e.send(protocol.Encode(protocol.InputAudioBufferCommitted{
		Type:   protocol.TypeInputAudioBufferCommitted,
		ItemID: item.ID,
	}))
	e.send(protocol.Encode(protocol.ConversationItemCreated{
		Type: protocol.TypeConversationItemCreated,
		Item: item,
	}))
}

func (e *Engine) handleItemCreate(msg protocol.ConversationItemCreate) {
	item := msg.Item
	if item.ID == "" {
		item.ID = "item_" + ulid.Make().String()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = e.now().UTC()
	}
	e.appendItem(e.session.ID, e.session.TenantID, item)
	e.send(protocol.Encode(protocol.ConversationItemCreated{
		Type: protocol.TypeConversationItemCreated,
		Item: item,
	}))
}

func (e *Engine) handleResponseCreate(msg protocol.ResponseCreate) {
	responseID := "resp_" + ulid.Make().String()

	e.respMu.Lock()
	if e.activeResponse != "" {
		e.respMu.Unlock()
		e.send(apierror.Frame(apierror.Processing("response_in_progress", "a response is already being generated")))
		return
	}
	e.activeResponse = responseID
	e.respMu.Unlock()

	// Snapshot everything the pipeline reads; the main loop may mutate
	// session config while generation runs.
	cfg := e.session.Config
	instructions := cfg.Instructions
	if msg.Response != nil && msg.Response.Instructions != "" {
		instructions = msg.Response.Instructions
	}
	items := e.items()

	go e.runResponse(responseID, e.session.ID, e.session.TenantID, cfg, instructions, items)
}

func (e *Engine) handleResponseCancel(msg protocol.ResponseCancel) {
	e.respMu.Lock()
	responseID := msg.ResponseID
	if responseID == "" {
		responseID = e.activeResponse
	}
	if responseID == "" {
		e.respMu.Unlock()
		e.send(apierror.Frame(apierror.Validation("no_active_response", "nothing to cancel", "response_id")))
		return
	}
	e.cancelled[responseID] = struct{}{}
	e.respMu.Unlock()

	if err := e.dispatcher.CancelTTS(e.ctx, e.session.ID, responseID); err != nil {
		e.logger.Warn("cancellation publish failed", "response_id", responseID, "error", err)
	}
	_ = e.sendPriority(protocol.Encode(protocol.ResponseCancelled{
		Type:       protocol.TypeResponseCancelled,
		ResponseID: responseID,
	}))
}

// runResponse drives one generation: model tokens stream out as transcript
// deltas, the completed text is spoken via TTS, and audio chunks stream out
// until the final marker.
func (e *Engine) runResponse(responseID, sessionID, tenantID string, cfg types.SessionConfig, instructions string, items []types.ConversationItem) {
	defer func() {
		e.respMu.Lock()
		if e.activeResponse == responseID {
			e.activeResponse = ""
		}
		e.respMu.Unlock()
	}()

	sub := e.dispatcher.SubscribeSession(e.ctx, dispatch.LLMChannel(sessionID), dispatch.TTSChannel(sessionID))
	defer sub.Close()

	e.send(protocol.Encode(protocol.ResponseCreated{
		Type:     protocol.TypeResponseCreated,
		Response: protocol.ResponseRef{ID: responseID, Status: "in_progress"},
	}))

	messages := make([]types.Message, 0, len(items)+1)
	if instructions != "" {
		messages = append(messages, types.Message{Role: "system", Content: instructions})
	}
	for _, item := range items {
		if text := item.Text(); text != "" {
			messages = append(messages, types.Message{Role: item.Role, Content: text})
		}
	}
	if len(messages) == 0 {
		messages = append(messages, types.Message{Role: "user", Content: "Say hello."})
	}

	provider, model := splitModel(cfg.Model)
	llmReq := types.LLMRequest{
		SessionID:     sessionID,
		TenantID:      tenantID,
		Messages:      messages,
		Provider:      provider,
		Model:         model,
		CorrelationID: responseID,
	}
	values, err := llmReq.Values()
	if err != nil {
		e.failResponse(responseID, "request encoding failed")
		return
	}
	if err := e.startWork(dispatch.StreamLLM, values, e.localHandler(stageLLM)); err != nil {
		e.failResponse(responseID, "could not queue generation")
		return
	}

	deadline := time.NewTimer(e.cfg.ResponseTimeout)
	defer deadline.Stop()

	var usage *types.Usage
	itemID := ""
	ttsStarted := false
	for !ttsStarted {
		select {
		case <-e.ctx.Done():
			return
		case <-deadline.C:
			e.failResponse(responseID, "generation timed out")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			ev, err := dispatch.DecodeResultEvent(msg.Payload)
			if err != nil || ev.CorrelationID != responseID {
				continue
			}
			switch ev.Type {
			case dispatch.EventLLMDelta:
				if e.isCancelled(responseID) {
					return
				}
				e.send(protocol.Encode(protocol.ResponseAudioTranscriptDelta{
					Type:       protocol.TypeResponseAudioTranscriptDelta,
					ResponseID: responseID,
					Delta:      ev.Text,
				}))
			case dispatch.EventLLMCompleted:
				if e.isCancelled(responseID) {
					return
				}
				usage = ev.Usage
				item := types.ConversationItem{
					ID:        "item_" + ulid.Make().String(),
					Role:      "assistant",
					Content:   []types.ContentPart{{Type: "text", Text: ev.Text}},
					CreatedAt: e.now().UTC(),
				}
				itemID = item.ID
				e.appendItem(sessionID, tenantID, item)
				e.send(protocol.Encode(protocol.ResponseOutputItemAdded{
					Type:       protocol.TypeResponseOutputItemAdded,
					ResponseID: responseID,
					Item:       item,
				}))

				ttsReq := types.TTSRequest{
					SessionID:     sessionID,
					TenantID:      tenantID,
					Text:          ev.Text,
					Voice:         cfg.Voice,
					Speed:         cfg.Speed,
					ResponseID:    responseID,
					ItemID:        itemID,
					CorrelationID: responseID,
				}
				if err := e.startWork(dispatch.StreamTTS, ttsReq.Values(), e.localHandler(stageTTS)); err != nil {
					e.failResponse(responseID, "could not queue synthesis")
					return
				}
				ttsStarted = true
			case dispatch.EventLLMFailed:
				e.failResponse(responseID, ev.Error)
				return
			}
		}
	}

	e.streamAudio(responseID, sessionID, sub, usage, deadline)
}

// streamAudio forwards the session's ordered output stream until the final
// marker for this response, then terminates with response.done.
func (e *Engine) streamAudio(responseID, sessionID string, sub dispatch.Subscription, usage *types.Usage, deadline *time.Timer) {
	lastID := "0"
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		entries, err := e.dispatcher.ReadAudio(e.ctx, sessionID, lastID, 32, 100*time.Millisecond)
		if err != nil {
			e.failResponse(responseID, "audio stream read failed")
			return
		}
		for _, entry := range entries {
			lastID = entry.ID
			chunk := types.AudioChunkFromValues(entry.Values)
			if chunk.ResponseID != responseID {
				continue
			}
			if e.isCancelled(responseID) {
				return
			}
			if chunk.IsFinal {
				e.send(protocol.Encode(protocol.ResponseDone{
					Type:     protocol.TypeResponseDone,
					Response: protocol.ResponseRef{ID: responseID, Status: "completed", Usage: usage},
				}))
				return
			}
			e.sendAudio(responseID, protocol.Encode(protocol.ResponseAudioDelta{
				Type:       protocol.TypeResponseAudioDelta,
				ResponseID: responseID,
				DeltaB64:   chunk.ChunkB64,
				Sequence:   int64(chunk.Sequence),
			}))
		}

		select {
		case <-e.ctx.Done():
			return
		case <-deadline.C:
			e.failResponse(responseID, "synthesis timed out")
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			ev, err := dispatch.DecodeResultEvent(msg.Payload)
			if err != nil || ev.CorrelationID != responseID {
				continue
			}
			switch ev.Type {
			case dispatch.EventTTSCancelled:
				return
			case dispatch.EventTTSFailed:
				e.failResponse(responseID, ev.Error)
				return
			}
		case <-poll.C:
		}
	}
}

func (e *Engine) failResponse(responseID, detail string) {
	if e.isCancelled(responseID) {
		return
	}
	e.send(apierror.Frame(apierror.Processing("generation_failed", detail)))
	e.send(protocol.Encode(protocol.ResponseDone{
		Type:     protocol.TypeResponseDone,
		Response: protocol.ResponseRef{ID: responseID, Status: "failed"},
	}))
}

type workStage int

const (
	stageSTT workStage = iota
	stageTTS
	stageLLM
)

func (e *Engine) localHandler(stage workStage) WorkHandler {
	if e.local == nil {
		return nil
	}
	switch stage {
	case stageSTT:
		return e.local.STT
	case stageTTS:
		return e.local.TTS
	case stageLLM:
		return e.local.LLM
	}
	return nil
}

// startWork routes one work item either onto its shared stream or, in
// single-binary deployments, directly into the in-process handler.
func (e *Engine) startWork(stream string, values map[string]any, local WorkHandler) error {
	if local != nil {
		entry := coord.StreamEntry{ID: "local-" + ulid.Make().String(), Values: stringValues(values)}
		go func() {
			if err := local.Handle(e.ctx, entry); err != nil {
				e.logger.Warn("local work failed", "stream", stream, "error", err)
			}
		}()
		return nil
	}
	_, err := e.dispatcher.Publish(e.ctx, stream, values)
	return err
}

// splitModel separates a "provider/model" routing key. A bare model name
// leaves provider selection to the worker's default chain.
func splitModel(model string) (string, string) {
	if i := strings.IndexByte(model, '/'); i > 0 {
		return model[:i], model[i+1:]
	}
	return "", model
}

func stringValues(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func (e *Engine) appendItem(sessionID, tenantID string, item types.ConversationItem) {
	if e.sessions == nil {
		e.respMu.Lock()
		e.localItems = append(e.localItems, item)
		e.respMu.Unlock()
		return
	}
	if !e.sessions.AppendItem(e.ctx, sessionID, tenantID, item) {
		e.logger.Warn("item append failed", "item_id", item.ID)
	}
}

func (e *Engine) items() []types.ConversationItem {
	if e.sessions == nil {
		e.respMu.Lock()
		defer e.respMu.Unlock()
		out := make([]types.ConversationItem, len(e.localItems))
		copy(out, e.localItems)
		return out
	}
	return e.sessions.Items(e.ctx, e.session.ID, e.session.TenantID)
}
