// Package coord wraps the shared coordination store (redis) behind the narrow
// set of primitives the gateway and workers need: key/value with TTLs, hashes,
// pub/sub, consumer-group streams, and atomic script execution.
//
// The wrapper hides go-redis types from callers so each consumer package can
// declare its own small interface over *Client and test against a fake.
package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// ErrNotFound is returned by Get/GetHash when the key does not exist.
var ErrNotFound = errors.New("coord: not found")

type Config struct {
	URL          string
	DialTimeout  time.Duration
	CallTimeout  time.Duration
	ProbePeriod  time.Duration
	ProbeRetries uint64
}

type Client struct {
	rdb    *redis.Client
	logger *slog.Logger
	cfg    Config
}

// Connect dials the store and probes it with exponential backoff until it
// answers or the retry budget is exhausted. Callers that can degrade to
// single-replica operation should treat a Connect error as "store absent"
// rather than fatal.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("coord: parse store url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opt.DialTimeout = cfg.DialTimeout
	}
	rdb := redis.NewClient(opt)

	probePeriod := cfg.ProbePeriod
	if probePeriod <= 0 {
		probePeriod = 500 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(cfg.ProbeRetries, retry.NewExponential(probePeriod))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("coordination store ping failed", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("coord: store unreachable: %w", err)
	}

	return &Client{rdb: rdb, logger: logger, cfg: cfg}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports current store reachability.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.CallTimeout)
}

// --- key/value ---

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// SetIfAbsent sets key only when it does not already exist. Used for
// single-use token burning.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.Expire(ctx, key, ttl).Result()
}

// --- hashes ---

func (c *Client) GetHash(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	vals, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrNotFound
	}
	return vals, nil
}

func (c *Client) SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := c.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return err
	}
	if ttl > 0 {
		return c.rdb.Expire(ctx, key, ttl).Err()
	}
	return nil
}

// --- bounded lists ---

// AppendBounded pushes value onto the right of the list and trims it to keep
// at most maxLen newest entries. Returns the entries evicted from the left so
// the caller can hand them to a durable overflow store.
func (c *Client) AppendBounded(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) ([]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	length, err := c.rdb.RPush(ctx, key, value).Result()
	if err != nil {
		return nil, err
	}
	var evicted []string
	if maxLen > 0 && length > maxLen {
		over := length - maxLen
		evicted, err = c.rdb.LRange(ctx, key, 0, over-1).Result()
		if err != nil {
			return nil, err
		}
		if err := c.rdb.LTrim(ctx, key, over, -1).Err(); err != nil {
			return nil, err
		}
	}
	if ttl > 0 {
		_ = c.rdb.Expire(ctx, key, ttl).Err()
	}
	return evicted, nil
}

func (c *Client) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

// ListHead returns up to n oldest entries without removing them.
func (c *Client) ListHead(ctx context.Context, key string, n int64) ([]string, error) {
	return c.ListRange(ctx, key, 0, n-1)
}

// --- sorted sets ---

// SortedAdd upserts member with the given score.
func (c *Client) SortedAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// SortedBelow returns members with score <= max, oldest first.
func (c *Client) SortedBelow(ctx context.Context, key string, max float64) ([]string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

func (c *Client) SortedRemove(ctx context.Context, key string, members ...string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

// --- pub/sub ---

type Message struct {
	Channel string
	Payload string
}

// Subscription delivers pub/sub messages until Close.
type Subscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *Subscription) Messages() <-chan Message { return s.out }

func (s *Subscription) Close() error { return s.ps.Close() }

func (c *Client) Publish(ctx context.Context, channel, payload string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.Publish(ctx, channel, payload).Err()
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) *Subscription {
	return c.newSubscription(c.rdb.Subscribe(ctx, channels...))
}

// PSubscribe subscribes to channel patterns (e.g. "tts-cancel:*").
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *Subscription {
	return c.newSubscription(c.rdb.PSubscribe(ctx, patterns...))
}

func (c *Client) newSubscription(ps *redis.PubSub) *Subscription {
	sub := &Subscription{ps: ps, out: make(chan Message, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}
		}
	}()
	return sub
}

// --- streams ---

type StreamEntry struct {
	ID     string
	Values map[string]string
}

func (c *Client) StreamAdd(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
		MaxLen: maxLen,
		Approx: true,
	}).Result()
}

// EnsureGroup creates the stream and consumer group if either is missing.
// Creation races between replicas are expected and swallowed.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

// ReadGroup block-claims up to count entries for consumer within group. A nil
// slice with nil error means the block timed out with nothing to claim.
func (c *Client) ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]StreamEntry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, StreamEntry{ID: m.ID, Values: stringValues(m.Values)})
		}
	}
	return out, nil
}

func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.rdb.XAck(ctx, stream, group, ids...).Err()
}

// ReadStream reads entries after lastID (use "0" for the beginning, "$" for
// only-new) without consumer-group semantics.
func (c *Client) ReadStream(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]StreamEntry, error) {
	streams, err := c.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []StreamEntry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, StreamEntry{ID: m.ID, Values: stringValues(m.Values)})
		}
	}
	return out, nil
}

func stringValues(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// --- scripts ---

// Script is a server-side script executed atomically against a key set.
type Script struct {
	c      *Client
	script *redis.Script
}

func (c *Client) NewScript(src string) *Script {
	return &Script{c: c, script: redis.NewScript(src)}
}

// Run executes the script via EVALSHA with an EVAL fallback on first use.
func (s *Script) Run(ctx context.Context, keys []string, args ...any) (any, error) {
	ctx, cancel := s.c.callCtx(ctx)
	defer cancel()
	return s.script.Run(ctx, s.c.rdb, keys, args...).Result()
}
