// Package dispatch is the typed producer/consumer layer between the gateway
// and the worker pools. Work travels on shared consumer-group streams
// (work:stt, work:tts, work:llm); results come back per session, either on a
// pub/sub channel (transcripts, LLM tokens, TTS lifecycle) or on the
// session's ordered audio output stream.
//
// Delivery is at-least-once: a claimed entry is acknowledged only after its
// result has been published, so result consumers must tolerate duplicates
// (audio playback is keyed by sequence number for exactly this reason).
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxgate/voxgate/pkg/core/types"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
)

// Stream and channel names shared with the workers.
const (
	StreamSTT = "work:stt"
	StreamTTS = "work:tts"
	StreamLLM = "work:llm"
)

func AudioOutStream(sessionID string) string { return "audio-out:" + sessionID }

func TranscriptChannel(sessionID string) string { return "transcription:" + sessionID }

func TTSChannel(sessionID string) string { return "tts:" + sessionID }

func LLMChannel(sessionID string) string { return "llm:" + sessionID }

func TTSCancelChannel(sessionID string) string { return "tts-cancel:" + sessionID }

// TTSCancelPattern matches every session's cancellation channel; the TTS
// worker holds one pattern subscription instead of one per session.
const TTSCancelPattern = "tts-cancel:*"

// Store is the slice of the coordination store the dispatcher needs.
type Store interface {
	StreamAdd(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error)
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]coord.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]coord.StreamEntry, error)
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
	PSubscribe(ctx context.Context, patterns ...string) Subscription
	Delete(ctx context.Context, keys ...string) error
}

type Subscription interface {
	Messages() <-chan coord.Message
	Close() error
}

// FromClient adapts the concrete coordination store client to Store.
func FromClient(c *coord.Client) Store { return clientStore{c} }

type clientStore struct{ *coord.Client }

func (s clientStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	return s.Client.Subscribe(ctx, channels...)
}

func (s clientStore) PSubscribe(ctx context.Context, patterns ...string) Subscription {
	return s.Client.PSubscribe(ctx, patterns...)
}

type Config struct {
	WorkStreamMaxLen  int64
	AudioStreamMaxLen int64
}

type Dispatcher struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	groups map[string]struct{} // stream|group pairs already ensured
}

func New(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkStreamMaxLen <= 0 {
		cfg.WorkStreamMaxLen = 4096
	}
	if cfg.AudioStreamMaxLen <= 0 {
		cfg.AudioStreamMaxLen = 1024
	}
	return &Dispatcher{store: store, cfg: cfg, logger: logger, groups: make(map[string]struct{})}
}

// NewCorrelationID returns a lexicographically sortable correlation id.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// Publish appends one work payload to a stream, returning the entry id.
func (d *Dispatcher) Publish(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := d.store.StreamAdd(ctx, stream, values, d.cfg.WorkStreamMaxLen)
	if err != nil {
		return "", fmt.Errorf("dispatch: publish to %s: %w", stream, err)
	}
	return id, nil
}

// EnsureGroup idempotently creates the stream/group pair. Concurrent creation
// from multiple replicas is expected and silent.
func (d *Dispatcher) EnsureGroup(ctx context.Context, stream, group string) error {
	key := stream + "|" + group
	d.mu.Lock()
	_, done := d.groups[key]
	d.mu.Unlock()
	if done {
		return nil
	}
	if err := d.store.EnsureGroup(ctx, stream, group); err != nil {
		return fmt.Errorf("dispatch: ensure group %s on %s: %w", group, stream, err)
	}
	d.mu.Lock()
	d.groups[key] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Claim block-claims up to count entries for one consumer in the group.
func (d *Dispatcher) Claim(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]coord.StreamEntry, error) {
	if err := d.EnsureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	return d.store.ReadGroup(ctx, group, consumer, stream, count, block)
}

// Ack acknowledges a processed entry. Call only after the result has been
// durably published.
func (d *Dispatcher) Ack(ctx context.Context, stream, group, id string) error {
	return d.store.Ack(ctx, stream, group, id)
}

// PublishAudioChunk appends one sequenced chunk to the session's output
// stream.
func (d *Dispatcher) PublishAudioChunk(ctx context.Context, sessionID string, chunk types.AudioChunk) (string, error) {
	return d.store.StreamAdd(ctx, AudioOutStream(sessionID), chunk.Values(), d.cfg.AudioStreamMaxLen)
}

// ReadAudio reads chunks after lastID from the session's output stream.
func (d *Dispatcher) ReadAudio(ctx context.Context, sessionID, lastID string, count int64, block time.Duration) ([]coord.StreamEntry, error) {
	return d.store.ReadStream(ctx, AudioOutStream(sessionID), lastID, count, block)
}

// PublishEvent sends a typed result event on a per-session pub/sub channel.
func (d *Dispatcher) PublishEvent(ctx context.Context, channel, payload string) error {
	return d.store.Publish(ctx, channel, payload)
}

// SubscribeSession subscribes to one or more per-session channels.
func (d *Dispatcher) SubscribeSession(ctx context.Context, channels ...string) Subscription {
	return d.store.Subscribe(ctx, channels...)
}

// SubscribeCancellations delivers TTS cancellation signals for all sessions.
func (d *Dispatcher) SubscribeCancellations(ctx context.Context) Subscription {
	return d.store.PSubscribe(ctx, TTSCancelPattern)
}

// CancelTTS signals any in-flight synthesis for the session to stop.
func (d *Dispatcher) CancelTTS(ctx context.Context, sessionID, responseID string) error {
	return d.store.Publish(ctx, TTSCancelChannel(sessionID), responseID)
}

// DeleteSessionChannels removes the per-session result streams when a session
// closes. Pub/sub channels need no cleanup; only the stream key persists.
func (d *Dispatcher) DeleteSessionChannels(ctx context.Context, sessionID string) {
	if err := d.store.Delete(ctx, AudioOutStream(sessionID)); err != nil {
		d.logger.Warn("session stream cleanup failed", "session_id", sessionID, "error", err)
	}
}
