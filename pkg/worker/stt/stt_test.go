package stt

import (
	"context"
	"encoding/base64"
	"log/slog"
	"testing"

	"github.com/voxgate/voxgate/pkg/core/types"
	voicestt "github.com/voxgate/voxgate/pkg/core/voice/stt"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch/dispatchtest"
)

func nopLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func setup(t *testing.T) (*dispatchtest.Store, *dispatch.Dispatcher, *Worker) {
	t.Helper()
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())
	w := New(d, &voicestt.Local{}, nopLogger())
	return store, d, w
}

func claimOne(t *testing.T, d *dispatch.Dispatcher, stream string) coord.StreamEntry {
	t.Helper()
	entries, err := d.Claim(context.Background(), "g", "c1", stream, 1, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	return entries[0]
}

func TestHandlePublishesTranscript(t *testing.T) {
	store, d, w := setup(t)
	ctx := context.Background()

	sub := store.Subscribe(ctx, dispatch.TranscriptChannel("s1"))
	defer sub.Close()

	req := types.STTRequest{
		SessionID:     "s1",
		TenantID:      "t1",
		AudioB64:      base64.StdEncoding.EncodeToString([]byte("turn on the lights")),
		Language:      "en",
		CorrelationID: "corr-1",
	}
	if _, err := d.Publish(ctx, dispatch.StreamSTT, req.Values()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := w.Handle(ctx, claimOne(t, d, dispatch.StreamSTT)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	msg := <-sub.Messages()
	event, err := dispatch.DecodeResultEvent(msg.Payload)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != dispatch.EventTranscriptionCompleted {
		t.Fatalf("unexpected event type %q", event.Type)
	}
	if event.Text != "turn on the lights" {
		t.Fatalf("unexpected transcript %q", event.Text)
	}
	if event.CorrelationID != "corr-1" {
		t.Fatalf("unexpected correlation id %q", event.CorrelationID)
	}
}

func TestHandlePublishesFailureOnBadAudio(t *testing.T) {
	store, d, w := setup(t)
	ctx := context.Background()

	sub := store.Subscribe(ctx, dispatch.TranscriptChannel("s1"))
	defer sub.Close()

	if _, err := d.Publish(ctx, dispatch.StreamSTT, map[string]any{
		types.FieldSessionID: "s1",
		types.FieldAudio:     "%%% not base64 %%%",
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := w.Handle(ctx, claimOne(t, d, dispatch.StreamSTT)); err == nil {
		t.Fatal("expected handler error")
	}

	msg := <-sub.Messages()
	event, err := dispatch.DecodeResultEvent(msg.Payload)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if event.Type != dispatch.EventTranscriptionFailed {
		t.Fatalf("unexpected event type %q", event.Type)
	}
	if event.Error == "" {
		t.Fatal("expected error detail")
	}
}

func TestHandleRejectsEntryWithoutSession(t *testing.T) {
	_, _, w := setup(t)
	err := w.Handle(context.Background(), coord.StreamEntry{ID: "1-0", Values: map[string]string{}})
	if err == nil {
		t.Fatal("expected error for missing session id")
	}
}
