// Package runtime is the shared claim/process/ack loop under every worker.
// Claimed entries run concurrently up to a cap; an entry is acknowledged even
// when its handler fails, since failures are reported to the requester as
// typed events and the group must not redeliver them forever.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
)

// Handler processes one claimed stream entry. A returned error marks the
// entry failed in the logs; the handler remains responsible for publishing
// any failure event to the requester.
type Handler func(ctx context.Context, entry coord.StreamEntry) error

type Config struct {
	Stream       string
	Group        string
	Consumer     string // defaults to hostname-ulid
	BatchSize    int64  // defaults to 8
	BlockTimeout time.Duration
	Concurrency  int // defaults to 4
}

type Runner struct {
	dispatcher *dispatch.Dispatcher
	cfg        Config
	handler    Handler
	logger     *slog.Logger
}

func New(dispatcher *dispatch.Dispatcher, cfg Config, handler Handler, logger *slog.Logger) (*Runner, error) {
	if cfg.Stream == "" || cfg.Group == "" {
		return nil, fmt.Errorf("runtime: stream and group are required")
	}
	if handler == nil {
		return nil, fmt.Errorf("runtime: handler is required")
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.Consumer = host + "-" + ulid.Make().String()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dispatcher: dispatcher,
		cfg:        cfg,
		handler:    handler,
		logger:     logger.With("stream", cfg.Stream, "consumer", cfg.Consumer),
	}, nil
}

// Consumer returns the consumer id this runner claims under.
func (r *Runner) Consumer() string { return r.cfg.Consumer }

// Run claims and processes entries until the context is cancelled. In-flight
// handlers are allowed to finish before Run returns.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.dispatcher.EnsureGroup(ctx, r.cfg.Stream, r.cfg.Group); err != nil {
		return err
	}
	r.logger.Info("worker loop started", "group", r.cfg.Group, "concurrency", r.cfg.Concurrency)

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			r.logger.Info("worker loop stopping")
			return nil
		}

		entries, err := r.dispatcher.Claim(ctx, r.cfg.Group, r.cfg.Consumer, r.cfg.Stream, r.cfg.BatchSize, r.cfg.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn("claim failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		for _, entry := range entries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			wg.Add(1)
			go func(entry coord.StreamEntry) {
				defer wg.Done()
				defer func() { <-sem }()
				r.process(ctx, entry)
			}(entry)
		}
	}
}

func (r *Runner) process(ctx context.Context, entry coord.StreamEntry) {
	if err := r.handler(ctx, entry); err != nil {
		r.logger.Warn("entry failed", "entry_id", entry.ID, "error", err)
	}
	// Ack regardless of handler outcome. Context may already be cancelled
	// during shutdown, so give the ack its own short deadline.
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.dispatcher.Ack(ackCtx, r.cfg.Stream, r.cfg.Group, entry.ID); err != nil {
		r.logger.Warn("ack failed", "entry_id", entry.ID, "error", err)
	}
}
