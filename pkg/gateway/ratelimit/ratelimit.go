// Package ratelimit implements per-tenant sliding-window admission control
// against the coordination store. The window is two sorted sets per
// (tenant, identifier) pair, one counting request units and one counting token
// units; prune, count, and insert run as a single atomic server-side script so
// concurrent gateway replicas never observe partial consumption.
//
// The limiter fails open: if the script cannot be executed the caller gets the
// full configured quota back. A store outage must not become a gateway outage.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voxgate/voxgate/pkg/gateway/coord"
)

type Config struct {
	Window      time.Duration
	MaxRequests int
	MaxTokens   int
}

type Decision struct {
	Allowed           bool
	RequestsRemaining int
	TokensRemaining   int
	ResetAt           time.Time
}

// ScriptRunner executes an atomic server-side script. *coord.Script satisfies
// it; tests substitute an in-process fake.
type ScriptRunner interface {
	Run(ctx context.Context, keys []string, args ...any) (any, error)
}

// windowScript prunes both sets, counts, and either rejects without mutating
// or inserts the requested units and extends expiry. A rejection's reset time
// comes from the dimension that ran out; a zero-unit run mutates nothing, not
// even key expiry. Returns
// {allowed, requests_remaining, tokens_remaining, reset_ms}.
const windowScript = `
local req_key = KEYS[1]
local tok_key = KEYS[2]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local req_limit = tonumber(ARGV[3])
local tok_limit = tonumber(ARGV[4])
local req_n = tonumber(ARGV[5])
local tok_n = tonumber(ARGV[6])
local seq = ARGV[7]

local cutoff = now - window
redis.call('ZREMRANGEBYSCORE', req_key, 0, cutoff)
redis.call('ZREMRANGEBYSCORE', tok_key, 0, cutoff)

local req_count = redis.call('ZCARD', req_key)
local tok_count = redis.call('ZCARD', tok_key)

local function window_reset(key)
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    return tonumber(oldest[2]) + window
  end
  return now + window
end

local req_over = req_count + req_n > req_limit
local tok_over = tok_count + tok_n > tok_limit
if req_over or tok_over then
  local reset = 0
  if req_over then
    reset = window_reset(req_key)
  end
  if tok_over then
    local tok_reset = window_reset(tok_key)
    if tok_reset > reset then
      reset = tok_reset
    end
  end
  return {0, req_limit - req_count, tok_limit - tok_count, reset}
end

if req_n + tok_n > 0 then
  for i = 1, req_n do
    redis.call('ZADD', req_key, now, seq .. ':r' .. i)
  end
  for i = 1, tok_n do
    redis.call('ZADD', tok_key, now, seq .. ':t' .. i)
  end
  redis.call('PEXPIRE', req_key, window + 1000)
  redis.call('PEXPIRE', tok_key, window + 1000)
end

return {1, req_limit - req_count - req_n, tok_limit - tok_count - tok_n, window_reset(req_key)}
`

type Limiter struct {
	cfg    Config
	script ScriptRunner
	delete func(ctx context.Context, keys ...string) error
	logger *slog.Logger
	seq    atomic.Int64
}

// StoreScript binds the window script to the coordination store.
func StoreScript(store *coord.Client) ScriptRunner {
	return store.NewScript(windowScript)
}

func New(cfg Config, script ScriptRunner, deleteKeys func(ctx context.Context, keys ...string) error, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{cfg: cfg, script: script, delete: deleteKeys, logger: logger}
}

// FromStore wires the limiter against a live coordination store.
func FromStore(cfg Config, store *coord.Client, logger *slog.Logger) *Limiter {
	return New(cfg, StoreScript(store), store.Delete, logger)
}

func keys(tenant, identifier string) []string {
	base := fmt.Sprintf("ratelimit:%s:%s", tenant, identifier)
	return []string{base + ":req", base + ":tok"}
}

// CheckAndConsume atomically checks both dimensions and consumes the units on
// success. Rejection leaves the stored counts untouched.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenant, identifier string, requestUnits, tokenUnits int) Decision {
	return l.run(ctx, tenant, identifier, requestUnits, tokenUnits)
}

// Peek reports the current window state without consuming anything.
func (l *Limiter) Peek(ctx context.Context, tenant, identifier string) Decision {
	return l.run(ctx, tenant, identifier, 0, 0)
}

// Reset clears both windows for the pair, e.g. on credential revocation.
func (l *Limiter) Reset(ctx context.Context, tenant, identifier string) error {
	if l.delete == nil {
		return nil
	}
	return l.delete(ctx, keys(tenant, identifier)...)
}

func (l *Limiter) run(ctx context.Context, tenant, identifier string, requestUnits, tokenUnits int) Decision {
	now := time.Now()
	seq := fmt.Sprintf("%d:%d", now.UnixNano(), l.seq.Add(1))

	res, err := l.script.Run(ctx, keys(tenant, identifier),
		now.UnixMilli(),
		l.cfg.Window.Milliseconds(),
		l.cfg.MaxRequests,
		l.cfg.MaxTokens,
		requestUnits,
		tokenUnits,
		seq,
	)
	if err != nil {
		// Fail open: a store outage must not reject traffic.
		l.logger.Warn("rate limit check failed, failing open",
			"tenant", tenant, "identifier", identifier, "error", err)
		return Decision{
			Allowed:           true,
			RequestsRemaining: l.cfg.MaxRequests,
			TokensRemaining:   l.cfg.MaxTokens,
			ResetAt:           now.Add(l.cfg.Window),
		}
	}

	vals, ok := res.([]any)
	if !ok || len(vals) < 4 {
		l.logger.Warn("rate limit script returned unexpected shape, failing open", "result", res)
		return Decision{
			Allowed:           true,
			RequestsRemaining: l.cfg.MaxRequests,
			TokensRemaining:   l.cfg.MaxTokens,
			ResetAt:           now.Add(l.cfg.Window),
		}
	}

	return Decision{
		Allowed:           asInt(vals[0]) == 1,
		RequestsRemaining: clampNonNegative(asInt(vals[1])),
		TokensRemaining:   clampNonNegative(asInt(vals[2])),
		ResetAt:           time.UnixMilli(int64(asInt(vals[3]))),
	}
}

func asInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func clampNonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
