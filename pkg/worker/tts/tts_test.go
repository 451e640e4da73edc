package tts

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/core/types"
	voicetts "github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch/dispatchtest"
)

func nopLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// gatedProvider emits one chunk per release signal, so tests control exactly
// when the synthesis loop observes cancellation.
type gatedProvider struct {
	release chan []byte
}

func (g *gatedProvider) Name() string { return "gated" }

func (g *gatedProvider) Synthesize(ctx context.Context, text string, opts voicetts.SynthesizeOptions) (*voicetts.Synthesis, error) {
	return &voicetts.Synthesis{Audio: []byte(text), Format: "pcm"}, nil
}

func (g *gatedProvider) SynthesizeStream(ctx context.Context, text string, opts voicetts.SynthesizeOptions) (*voicetts.SynthesisStream, error) {
	stream := voicetts.NewSynthesisStream()
	go func() {
		defer stream.Close()
		defer stream.FinishSending()
		for chunk := range g.release {
			if !stream.Send(chunk) {
				return
			}
		}
	}()
	return stream, nil
}

func publish(t *testing.T, d *dispatch.Dispatcher, req types.TTSRequest) coord.StreamEntry {
	t.Helper()
	if _, err := d.Publish(context.Background(), dispatch.StreamTTS, req.Values()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	entries, err := d.Claim(context.Background(), "g", "c1", dispatch.StreamTTS, 1, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	return entries[0]
}

func TestHandleStreamsOrderedChunksWithOneFinalMarker(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())
	w := New(d, &voicetts.Local{}, 16000, nopLogger())
	ctx := context.Background()

	entry := publish(t, d, types.TTSRequest{
		SessionID:  "s1",
		Text:       "hello from the synthesizer, a sentence long enough for several chunks",
		ResponseID: "r1",
	})
	if err := w.Handle(ctx, entry); err != nil {
		t.Fatalf("handle: %v", err)
	}

	entries := store.Entries(dispatch.AudioOutStream("s1"))
	if len(entries) < 2 {
		t.Fatalf("expected chunks plus final marker, got %d entries", len(entries))
	}
	finals := 0
	lastSeq := -1
	for i, e := range entries {
		chunk := types.AudioChunkFromValues(e.Values)
		if chunk.Sequence <= lastSeq {
			t.Fatalf("sequence not increasing at entry %d: %d after %d", i, chunk.Sequence, lastSeq)
		}
		lastSeq = chunk.Sequence
		if chunk.IsFinal {
			finals++
			if i != len(entries)-1 {
				t.Fatalf("final marker at position %d of %d", i, len(entries))
			}
		}
		if chunk.ResponseID != "r1" {
			t.Fatalf("unexpected response id %q", chunk.ResponseID)
		}
	}
	if finals != 1 {
		t.Fatalf("expected exactly one final marker, got %d", finals)
	}
}

func TestHandleSkipsWorkCancelledBeforeClaim(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())
	w := New(d, &voicetts.Local{}, 16000, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.WatchCancellations(ctx)

	ttsSub := store.Subscribe(ctx, dispatch.TTSChannel("s1"))
	defer ttsSub.Close()

	if err := d.CancelTTS(ctx, "s1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, func() bool { return w.isCancelled("s1", "r1") })

	entry := publish(t, d, types.TTSRequest{SessionID: "s1", Text: "too late", ResponseID: "r1"})
	if err := w.Handle(ctx, entry); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if got := len(store.Entries(dispatch.AudioOutStream("s1"))); got != 0 {
		t.Fatalf("expected no audio for cancelled response, got %d entries", got)
	}
	event := mustEvent(t, ttsSub)
	if event.Type != dispatch.EventTTSCancelled {
		t.Fatalf("unexpected event %q", event.Type)
	}
}

func TestHandleStopsMidStreamOnCancellation(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())
	provider := &gatedProvider{release: make(chan []byte)}
	w := New(d, provider, 16000, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.WatchCancellations(ctx)

	ttsSub := store.Subscribe(ctx, dispatch.TTSChannel("s1"))
	defer ttsSub.Close()

	entry := publish(t, d, types.TTSRequest{SessionID: "s1", Text: "long speech", ResponseID: "r1"})
	done := make(chan error, 1)
	go func() { done <- w.Handle(ctx, entry) }()

	provider.release <- []byte("chunk-0")
	waitFor(t, func() bool { return len(store.Entries(dispatch.AudioOutStream("s1"))) == 1 })

	if err := d.CancelTTS(ctx, "s1", "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitFor(t, func() bool { return w.isCancelled("s1", "r1") })

	provider.release <- []byte("chunk-1")
	close(provider.release)

	if err := <-done; err != nil {
		t.Fatalf("handle: %v", err)
	}
	event := mustEvent(t, ttsSub)
	if event.Type != dispatch.EventTTSCancelled {
		t.Fatalf("unexpected event %q", event.Type)
	}
	for _, e := range store.Entries(dispatch.AudioOutStream("s1")) {
		if types.AudioChunkFromValues(e.Values).IsFinal {
			t.Fatal("cancelled synthesis must not emit a final marker")
		}
	}
}

func mustEvent(t *testing.T, sub dispatch.Subscription) dispatch.ResultEvent {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		event, err := dispatch.DecodeResultEvent(msg.Payload)
		if err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return dispatch.ResultEvent{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(2 * time.Millisecond):
		}
	}
}
