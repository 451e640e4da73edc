// Package llm is the generation worker: it claims model requests, walks a
// prioritized provider chain guarded by per-provider circuit breakers, and
// streams tokens to the session's response channel as they arrive.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxgate/voxgate/pkg/core/providers"
	"github.com/voxgate/voxgate/pkg/core/types"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/worker/llm/breaker"
)

type Config struct {
	// FallbackOrder is the provider order tried after the requested one.
	FallbackOrder []string
	// BreakerThreshold is consecutive failures before a provider is skipped.
	BreakerThreshold int
	// BreakerTimeout is how long a tripped provider stays skipped.
	BreakerTimeout time.Duration
}

type Worker struct {
	dispatcher *dispatch.Dispatcher
	providers  map[string]providers.Provider
	breakers   map[string]*breaker.Breaker
	cfg        Config
	logger     *slog.Logger
}

func New(dispatcher *dispatch.Dispatcher, provs []providers.Provider, cfg Config, logger *slog.Logger) *Worker {
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	byName := make(map[string]providers.Provider, len(provs))
	breakers := make(map[string]*breaker.Breaker, len(provs))
	for _, p := range provs {
		byName[p.Name()] = p
		breakers[p.Name()] = breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout)
	}
	if len(cfg.FallbackOrder) == 0 {
		for _, p := range provs {
			cfg.FallbackOrder = append(cfg.FallbackOrder, p.Name())
		}
	}
	return &Worker{
		dispatcher: dispatcher,
		providers:  byName,
		breakers:   breakers,
		cfg:        cfg,
		logger:     logger,
	}
}

// Breaker exposes a provider's breaker, mainly for inspection.
func (w *Worker) Breaker(name string) *breaker.Breaker { return w.breakers[name] }

// chain returns the provider order for a request: the preferred provider
// first, then the fallback order with duplicates removed.
func (w *Worker) chain(preferred string) []providers.Provider {
	names := make([]string, 0, len(w.cfg.FallbackOrder)+1)
	if preferred != "" {
		names = append(names, preferred)
	}
	for _, n := range w.cfg.FallbackOrder {
		if n != preferred {
			names = append(names, n)
		}
	}
	out := make([]providers.Provider, 0, len(names))
	for _, n := range names {
		if p, ok := w.providers[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Handle processes one claimed generation request. Provider failures are
// absorbed by the chain; exhaustion becomes an llm.failed event.
func (w *Worker) Handle(ctx context.Context, entry coord.StreamEntry) error {
	req, err := types.LLMRequestFromValues(entry.Values)
	if err != nil {
		return fmt.Errorf("llm: decode entry %s: %w", entry.ID, err)
	}
	if req.SessionID == "" {
		return fmt.Errorf("llm: entry %s has no session id", entry.ID)
	}
	if len(req.Messages) == 0 {
		w.fail(ctx, req, "empty message list")
		return fmt.Errorf("llm: entry %s has no messages", entry.ID)
	}

	channel := dispatch.LLMChannel(req.SessionID)
	var lastErr error
	for _, p := range w.chain(req.Provider) {
		br := w.breakers[p.Name()]
		if !br.CanExecute() {
			w.logger.Debug("provider skipped by breaker", "provider", p.Name())
			continue
		}

		text, usage, err := w.generate(ctx, p, req, channel)
		if err != nil {
			br.RecordFailure()
			lastErr = err
			w.logger.Warn("provider failed", "provider", p.Name(), "session_id", req.SessionID, "error", err)
			continue
		}
		br.RecordSuccess()

		done := dispatch.ResultEvent{
			Type:          dispatch.EventLLMCompleted,
			SessionID:     req.SessionID,
			CorrelationID: req.CorrelationID,
			Provider:      p.Name(),
			Text:          text,
			Usage:         &usage,
		}
		if err := w.dispatcher.PublishEvent(ctx, channel, done.Encode()); err != nil {
			return fmt.Errorf("llm: publish completion: %w", err)
		}
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no provider available")
	}
	w.fail(ctx, req, lastErr.Error())
	return fmt.Errorf("llm: providers exhausted: %w", lastErr)
}

func (w *Worker) generate(ctx context.Context, p providers.Provider, req types.LLMRequest, channel string) (string, types.Usage, error) {
	stream, err := p.Stream(ctx, providers.Request{
		Model:    req.Model,
		Messages: req.Messages,
	})
	if err != nil {
		return "", types.Usage{}, err
	}

	text := ""
	for tok := range stream.Tokens() {
		text += tok
		delta := dispatch.ResultEvent{
			Type:          dispatch.EventLLMDelta,
			SessionID:     req.SessionID,
			CorrelationID: req.CorrelationID,
			Provider:      p.Name(),
			Text:          tok,
		}
		if err := w.dispatcher.PublishEvent(ctx, channel, delta.Encode()); err != nil {
			return "", types.Usage{}, fmt.Errorf("publish delta: %w", err)
		}
	}
	if err := stream.Err(); err != nil {
		return "", types.Usage{}, err
	}

	usage := stream.Usage()
	if usage.OutputTokens == 0 && text != "" {
		// Some providers omit usage on streamed responses.
		usage.OutputTokens = approximateTokens(text)
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	return text, usage, nil
}

func (w *Worker) fail(ctx context.Context, req types.LLMRequest, msg string) {
	event := dispatch.ResultEvent{
		Type:          dispatch.EventLLMFailed,
		SessionID:     req.SessionID,
		CorrelationID: req.CorrelationID,
		Error:         msg,
	}
	if err := w.dispatcher.PublishEvent(ctx, dispatch.LLMChannel(req.SessionID), event.Encode()); err != nil {
		w.logger.Warn("failure event publish failed", "session_id", req.SessionID, "error", err)
	}
}

// approximateTokens is the usual 4-chars-per-token estimate.
func approximateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
