package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxgate/voxgate/internal/dotenv"
	"github.com/voxgate/voxgate/pkg/core/providers"
	"github.com/voxgate/voxgate/pkg/core/providers/gemini"
	"github.com/voxgate/voxgate/pkg/core/providers/openaicompat"
	voicestt "github.com/voxgate/voxgate/pkg/core/voice/stt"
	voicetts "github.com/voxgate/voxgate/pkg/core/voice/tts"
	"github.com/voxgate/voxgate/pkg/gateway/auth"
	"github.com/voxgate/voxgate/pkg/gateway/config"
	"github.com/voxgate/voxgate/pkg/gateway/connections"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
	"github.com/voxgate/voxgate/pkg/gateway/lifecycle"
	"github.com/voxgate/voxgate/pkg/gateway/live/engine"
	"github.com/voxgate/voxgate/pkg/gateway/overflow"
	"github.com/voxgate/voxgate/pkg/gateway/ratelimit"
	gatewayserver "github.com/voxgate/voxgate/pkg/gateway/server"
	"github.com/voxgate/voxgate/pkg/gateway/sessionstore"
	workerllm "github.com/voxgate/voxgate/pkg/worker/llm"
	workerstt "github.com/voxgate/voxgate/pkg/worker/stt"
	workertts "github.com/voxgate/voxgate/pkg/worker/tts"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
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
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}
	defer store.Close()

	var overflowStore sessionstore.OverflowHook
	if cfg.OverflowDatabaseURL != "" {
		db, err := overflow.Connect(ctx, overflow.Config{URL: cfg.OverflowDatabaseURL}, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
			return 1
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
			return 1
		}
		overflowStore = db
	}

	sessions := sessionstore.NewManager(sessionstore.FromClient(store), overflowStore, sessionstore.Config{
		ReplicaID:       cfg.ReplicaID,
		HeartbeatWindow: cfg.HeartbeatWindow,
		ReaperInterval:  cfg.ReaperInterval,
		MaxItems:        int64(cfg.MaxSessionItems),
	}, logger)
	go sessions.RunReaper(ctx)

	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateWindow,
		MaxRequests: cfg.RateMaxRequests,
		MaxTokens:   cfg.RateMaxTokens,
	}, ratelimit.StoreScript(store), store.Delete, logger)

	dispatcher := dispatch.New(dispatch.FromClient(store), dispatch.Config{
		WorkStreamMaxLen:  cfg.WorkStreamMaxLen,
		AudioStreamMaxLen: cfg.AudioStreamMaxLen,
	}, logger)

	registry := connections.NewRegistry()
	validator := auth.NewValidator(cfg.TokenSecret, store, cfg.TokenTTL)

	var local *engine.LocalWorkers
	if cfg.LocalWorkers {
		ttsWorker := workertts.New(dispatcher, &voicetts.Local{}, 24000, logger)
		ttsWorker.WatchCancellations(ctx)
		local = &engine.LocalWorkers{
			STT: workerstt.New(dispatcher, &voicestt.Local{}, logger),
			TTS: ttsWorker,
			LLM: workerllm.New(dispatcher, buildProviders(ctx, cfg, logger), workerllm.Config{
				FallbackOrder:    cfg.LLMFallbackOrder,
				BreakerThreshold: cfg.BreakerThreshold,
				BreakerTimeout:   cfg.BreakerTimeout,
			}, logger),
		}
		logger.Info("running with in-process workers")
	}

	lc := &lifecycle.Lifecycle{}
	srv := gatewayserver.New(gatewayserver.Dependencies{
		Config:     cfg,
		Logger:     logger,
		Lifecycle:  lc,
		Validator:  validator,
		Sessions:   sessions,
		Limiter:    limiter,
		Dispatcher: dispatcher,
		Registry:   registry,
		Local:      local,
		StoreCheck: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return store.Ping(pingCtx)
		},
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			return
		}
		listenErr <- nil
	}()

	logger.Info("gateway listening", "addr", cfg.Addr, "replica_id", cfg.ReplicaID)

	select {
	case err := <-listenErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	lc.SetDraining(true)
	registry.BeginDrain()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer drainCancel()
	if err := httpSrv.Shutdown(drainCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if !registry.Wait(drainCtx) {
		closed := registry.CloseAll()
		logger.Warn("force-closed connections at drain deadline", "count", closed)
	}

	if err := <-listenErr; err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		return 1
	}
	logger.Info("gateway stopped")
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
