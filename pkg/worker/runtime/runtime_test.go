package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch/dispatchtest"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunnerProcessesAndAcksAllEntries(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := d.Publish(ctx, "work:test", map[string]any{"n": i}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]struct{})
	handler := func(_ context.Context, entry coord.StreamEntry) error {
		mu.Lock()
		seen[entry.ID] = struct{}{}
		mu.Unlock()
		if entry.Values["n"] == "1" {
			return errors.New("boom")
		}
		return nil
	}

	r, err := New(d, Config{Stream: "work:test", Group: "g", BlockTimeout: time.Millisecond}, handler, nopLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n == 3 && store.PendingCount("work:test", "g") == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("entries not drained: seen=%d pending=%d", n, store.PendingCount("work:test", "g"))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestRunnerRequiresStreamAndHandler(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())

	if _, err := New(d, Config{Group: "g"}, func(context.Context, coord.StreamEntry) error { return nil }, nopLogger()); err == nil {
		t.Fatal("expected error for missing stream")
	}
	if _, err := New(d, Config{Stream: "s", Group: "g"}, nil, nopLogger()); err == nil {
		t.Fatal("expected error for missing handler")
	}
}

func TestRunnerDefaultsConsumerID(t *testing.T) {
	store := dispatchtest.New()
	d := dispatch.New(store, dispatch.Config{}, nopLogger())

	r, err := New(d, Config{Stream: "s", Group: "g"}, func(context.Context, coord.StreamEntry) error { return nil }, nopLogger())
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if r.Consumer() == "" {
		t.Fatal("expected generated consumer id")
	}
}
