package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxgate/voxgate/internal/dotenv"
	"github.com/voxgate/voxgate/pkg/core/providers"
	"github.com/voxgate/voxgate/pkg/core/providers/gemini"
	"github.com/voxgate/voxgate/pkg/core/providers/openaicompat"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	workerllm "github.com/voxgate/voxgate/pkg/worker/llm"
	"github.com/voxgate/voxgate/pkg/worker/runtime"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "llm-worker: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "llm-worker: %v\n", err)
		return 1
	}
	logger := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := coord.Connect(ctx, coord.Config{
		URL:          cfg.StoreURL,
		DialTimeout:  cfg.StoreDialTimeout,
		CallTimeout:  cfg.StoreCallTimeout,
		ProbePeriod:  cfg.StoreProbePeriod,
		ProbeRetries: cfg.StoreProbeRetries,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llm-worker: %v\n", err)
		return 1
	}
	defer store.Close()

	provs := buildProviders(ctx, cfg, logger)
	if len(provs) == 0 {
		fmt.Fprintln(os.Stderr, "llm-worker: no language model providers configured")
		return 1
	}

	dispatcher := dispatch.New(dispatch.FromClient(store), dispatch.Config{
		WorkStreamMaxLen:  cfg.WorkStreamMaxLen,
		AudioStreamMaxLen: cfg.AudioStreamMaxLen,
	}, logger)

	worker := workerllm.New(dispatcher, provs, workerllm.Config{
		FallbackOrder:    cfg.LLMFallbackOrder,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
	}, logger)

	runner, err := runtime.New(dispatcher, runtime.Config{
		Stream:       dispatch.StreamLLM,
		Group:        cfg.ConsumerGroup,
		BatchSize:    cfg.WorkClaimCount,
		BlockTimeout: cfg.WorkClaimBlock,
		Concurrency:  cfg.WorkerConcurrency,
	}, worker.Handle, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "llm-worker: %v\n", err)
		return 1
	}

	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "llm-worker: %v\n", err)
		return 1
	}
	logger.Info("llm worker stopped")
	return 0
}

func buildProviders(ctx context.Context, cfg config.Config, logger *slog.Logger) []providers.Provider {
	var provs []providers.Provider
	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			logger.Warn("gemini provider unavailable", "error", err)
		} else {
			provs = append(provs, p)
		}
	}
	if cfg.OpenAIAPIKey != "" {
		provs = append(provs, openaicompat.New("openai", cfg.OpenAIBaseURL, cfg.OpenAIAPIKey))
	}
	return provs
}

func buildLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
