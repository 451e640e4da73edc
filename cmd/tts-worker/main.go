package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/voxgate/voxgate/internal/dotenv"
	voicetts "github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/worker/runtime"
	workertts "github.com/voxgate/voxgate/pkg/worker/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "tts-worker: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts-worker: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "tts-worker: %v\n", err)
		return 1
	}
	defer store.Close()

	dispatcher := dispatch.New(dispatch.FromClient(store), dispatch.Config{
		WorkStreamMaxLen:  cfg.WorkStreamMaxLen,
		AudioStreamMaxLen: cfg.AudioStreamMaxLen,
	}, logger)

	worker := workertts.New(dispatcher, &voicetts.Local{}, 24000, logger)
	worker.WatchCancellations(ctx)

	runner, err := runtime.New(dispatcher, runtime.Config{
		Stream:       dispatch.StreamTTS,
		Group:        cfg.ConsumerGroup,
		BatchSize:    cfg.WorkClaimCount,
		BlockTimeout: cfg.WorkClaimBlock,
		Concurrency:  cfg.WorkerConcurrency,
	}, worker.Handle, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts-worker: %v\n", err)
		return 1
	}

	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tts-worker: %v\n", err)
		return 1
	}
	logger.Info("tts worker stopped")
	return 0
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
