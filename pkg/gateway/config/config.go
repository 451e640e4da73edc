// Package config loads gateway and worker configuration from environment
// variables. Every knob has a working default so a bare process comes up
// against a local coordination store.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// ReplicaID identifies this gateway process in the coordination store.
	// Defaults to the hostname.
	ReplicaID string

	// Coordination store.
	StoreURL          string
	StoreDialTimeout  time.Duration
	StoreCallTimeout  time.Duration
	StoreProbePeriod  time.Duration
	StoreProbeRetries uint64

	// Connection tokens (single-use, HS256).
	TokenSecret string
	TokenTTL    time.Duration

	// Session manager.
	HeartbeatWindow   time.Duration
	ReaperInterval    time.Duration
	MaxSessionItems   int
	SessionEventsSize int

	// Rate limiter (per tenant+identifier sliding window).
	RateWindow       time.Duration
	RateMaxRequests  int
	RateMaxTokens    int
	RateLimitDefault bool

	// Overflow store for evicted conversation items (optional).
	OverflowDatabaseURL string

	// LocalWorkers runs the STT/TTS/LLM stages inside the gateway process
	// instead of dispatching to the work streams. Single-binary deployments.
	LocalWorkers bool

	// Work dispatch.
	WorkStreamMaxLen   int64
	WorkClaimCount     int64
	WorkClaimBlock     time.Duration
	WorkerConcurrency  int
	AudioStreamMaxLen  int64
	ConsumerGroup      string
	DefaultLLMProvider string
	DefaultModel       string
	DefaultVoice       string
	LLMFallbackOrder   []string

	// Circuit breaker (LLM worker).
	BreakerThreshold int
	BreakerTimeout   time.Duration

	// Live websocket connection limits.
	MaxJSONMessageBytes int64
	MaxAudioBufferBytes int
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	OutboundQueueSize   int

	// Provider credentials.
	GeminiAPIKey  string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// Browser origins allowed to open realtime connections. Empty means no
	// cross-origin access.
	CORSAllowedOrigins map[string]struct{}

	// Shutdown.
	DrainTimeout time.Duration

	LogLevel  string
	LogFormat string
}

func LoadFromEnv() (Config, error) {
	hostname, _ := os.Hostname()

	cfg := Config{
		Addr:                envOr("VOX_ADDR", ":8080"),
		ReplicaID:           envOr("VOX_REPLICA_ID", hostname),
		StoreURL:            envOr("VOX_STORE_URL", "redis://localhost:6379/0"),
		StoreDialTimeout:    envDurationOr("VOX_STORE_DIAL_TIMEOUT", 5*time.Second),
		StoreCallTimeout:    envDurationOr("VOX_STORE_CALL_TIMEOUT", 2*time.Second),
		StoreProbePeriod:    envDurationOr("VOX_STORE_PROBE_PERIOD", 500*time.Millisecond),
		StoreProbeRetries:   uint64(envIntOr("VOX_STORE_PROBE_RETRIES", 5)),
		TokenSecret:         envOr("VOX_TOKEN_SECRET", ""),
		TokenTTL:            envDurationOr("VOX_TOKEN_TTL", time.Minute),
		HeartbeatWindow:     envDurationOr("VOX_HEARTBEAT_WINDOW", 30*time.Second),
		ReaperInterval:      envDurationOr("VOX_REAPER_INTERVAL", 15*time.Second),
		MaxSessionItems:     envIntOr("VOX_MAX_SESSION_ITEMS", 128),
		SessionEventsSize:   envIntOr("VOX_SESSION_EVENTS_BUFFER", 32),
		RateWindow:          envDurationOr("VOX_RATE_WINDOW", time.Minute),
		RateMaxRequests:     envIntOr("VOX_RATE_MAX_REQUESTS", 120),
		RateMaxTokens:       envIntOr("VOX_RATE_MAX_TOKENS", 40000),
		OverflowDatabaseURL: envOr("VOX_OVERFLOW_DATABASE_URL", ""),
		LocalWorkers:        envBoolOr("VOX_LOCAL_WORKERS", false),
		WorkStreamMaxLen:    envInt64Or("VOX_WORK_STREAM_MAXLEN", 4096),
		WorkClaimCount:      envInt64Or("VOX_WORK_CLAIM_COUNT", 8),
		WorkClaimBlock:      envDurationOr("VOX_WORK_CLAIM_BLOCK", 5*time.Second),
		WorkerConcurrency:   envIntOr("VOX_WORKER_CONCURRENCY", 4),
		AudioStreamMaxLen:   envInt64Or("VOX_AUDIO_STREAM_MAXLEN", 1024),
		ConsumerGroup:       envOr("VOX_CONSUMER_GROUP", "workers"),
		DefaultLLMProvider:  envOr("VOX_DEFAULT_LLM_PROVIDER", "gemini"),
		DefaultModel:        envOr("VOX_DEFAULT_MODEL", "gemini-2.0-flash"),
		DefaultVoice:        envOr("VOX_DEFAULT_VOICE", "alloy"),
		LLMFallbackOrder:    splitCSV(envOr("VOX_LLM_FALLBACK_ORDER", "gemini,openai")),
		BreakerThreshold:    envIntOr("VOX_BREAKER_THRESHOLD", 5),
		BreakerTimeout:      envDurationOr("VOX_BREAKER_TIMEOUT", 30*time.Second),
		MaxJSONMessageBytes: envInt64Or("VOX_MAX_JSON_MESSAGE_BYTES", 256*1024),
		MaxAudioBufferBytes: envIntOr("VOX_MAX_AUDIO_BUFFER_BYTES", 4<<20),
		WSPingInterval:      envDurationOr("VOX_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:      envDurationOr("VOX_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:       envDurationOr("VOX_WS_READ_TIMEOUT", 90*time.Second),
		OutboundQueueSize:   envIntOr("VOX_OUTBOUND_QUEUE_SIZE", 128),
		GeminiAPIKey:        envOr("VOX_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		OpenAIAPIKey:        envOr("VOX_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:       envOr("VOX_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		CORSAllowedOrigins:  toSet(splitCSV(envOr("VOX_CORS_ALLOW_ORIGINS", ""))),
		DrainTimeout:        envDurationOr("VOX_DRAIN_TIMEOUT", 30*time.Second),
		LogLevel:            envOr("VOX_LOG_LEVEL", "info"),
		LogFormat:           envOr("VOX_LOG_FORMAT", "json"),
	}

	if cfg.TokenSecret == "" {
		return Config{}, fmt.Errorf("VOX_TOKEN_SECRET must be set")
	}
	if cfg.HeartbeatWindow <= 0 {
		return Config{}, fmt.Errorf("VOX_HEARTBEAT_WINDOW must be > 0")
	}
	if cfg.ReaperInterval <= 0 {
		return Config{}, fmt.Errorf("VOX_REAPER_INTERVAL must be > 0")
	}
	if cfg.MaxSessionItems <= 0 {
		return Config{}, fmt.Errorf("VOX_MAX_SESSION_ITEMS must be > 0")
	}
	if cfg.RateWindow <= 0 {
		return Config{}, fmt.Errorf("VOX_RATE_WINDOW must be > 0")
	}
	if cfg.RateMaxRequests <= 0 {
		return Config{}, fmt.Errorf("VOX_RATE_MAX_REQUESTS must be > 0")
	}
	if cfg.RateMaxTokens <= 0 {
		return Config{}, fmt.Errorf("VOX_RATE_MAX_TOKENS must be > 0")
	}
	if cfg.WorkerConcurrency <= 0 {
		return Config{}, fmt.Errorf("VOX_WORKER_CONCURRENCY must be > 0")
	}
	if cfg.BreakerThreshold <= 0 {
		return Config{}, fmt.Errorf("VOX_BREAKER_THRESHOLD must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOX_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if len(cfg.LLMFallbackOrder) == 0 {
		return Config{}, fmt.Errorf("VOX_LLM_FALLBACK_ORDER must name at least one provider")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
