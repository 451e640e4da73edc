package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeWindow executes the window script's algorithm in-process: prune both
// sets, count, reject without mutating, or insert and return the remainder.
// Atomicity is provided by the mutex the way redis provides it by
// single-threaded script execution.
type fakeWindow struct {
	mu  sync.Mutex
	now time.Time

	req map[string][]int64 // key -> member scores (ms)
	tok map[string][]int64
	exp map[string]int64 // key -> expiry deadline (ms)

	failing bool
}

func newFakeWindow() *fakeWindow {
	return &fakeWindow{
		now: time.Unix(1700000000, 0),
		req: make(map[string][]int64),
		tok: make(map[string][]int64),
		exp: make(map[string]int64),
	}
}

func (f *fakeWindow) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeWindow) Run(_ context.Context, keys []string, args ...any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failing {
		return nil, errors.New("store unreachable")
	}

	window := toInt64(args[1])
	reqLimit := toInt64(args[2])
	tokLimit := toInt64(args[3])
	reqN := toInt64(args[4])
	tokN := toInt64(args[5])

	now := f.now.UnixMilli()
	cutoff := now - window
	f.req[keys[0]] = prune(f.req[keys[0]], cutoff)
	f.tok[keys[1]] = prune(f.tok[keys[1]], cutoff)

	reqCount := int64(len(f.req[keys[0]]))
	tokCount := int64(len(f.tok[keys[1]]))

	windowReset := func(scores []int64) int64 {
		if len(scores) > 0 {
			return scores[0] + window
		}
		return now + window
	}

	reqOver := reqCount+reqN > reqLimit
	tokOver := tokCount+tokN > tokLimit
	if reqOver || tokOver {
		var reset int64
		if reqOver {
			reset = windowReset(f.req[keys[0]])
		}
		if tokOver {
			if tokReset := windowReset(f.tok[keys[1]]); tokReset > reset {
				reset = tokReset
			}
		}
		return []any{int64(0), reqLimit - reqCount, tokLimit - tokCount, reset}, nil
	}
	if reqN+tokN > 0 {
		for i := int64(0); i < reqN; i++ {
			f.req[keys[0]] = append(f.req[keys[0]], now)
		}
		for i := int64(0); i < tokN; i++ {
			f.tok[keys[1]] = append(f.tok[keys[1]], now)
		}
		f.exp[keys[0]] = now + window + 1000
		f.exp[keys[1]] = now + window + 1000
	}
	return []any{int64(1), reqLimit - reqCount - reqN, tokLimit - tokCount - tokN, windowReset(f.req[keys[0]])}, nil
}

func (f *fakeWindow) counts(tenant, identifier string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keys(tenant, identifier)
	return len(f.req[k[0]]), len(f.tok[k[1]])
}

func (f *fakeWindow) expiries(tenant, identifier string) (int64, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := keys(tenant, identifier)
	return f.exp[k[0]], f.exp[k[1]]
}

func prune(scores []int64, cutoff int64) []int64 {
	out := scores[:0]
	for _, s := range scores {
		if s > cutoff {
			out = append(out, s)
		}
	}
	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		x, _ := strconv.ParseInt(n, 10, 64)
		return x
	default:
		return 0
	}
}

func newTestLimiter(fake *fakeWindow) *Limiter {
	return New(Config{Window: time.Minute, MaxRequests: 5, MaxTokens: 100}, fake, nil, nil)
}

func TestCheckAndConsume_WithinLimit(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	for i := 0; i < 5; i++ {
		d := l.CheckAndConsume(context.Background(), "t1", "conn", 1, 10)
		if !d.Allowed {
			t.Fatalf("call %d rejected, want allowed", i)
		}
	}
	d := l.Peek(context.Background(), "t1", "conn")
	if d.RequestsRemaining != 0 {
		t.Fatalf("RequestsRemaining=%d, want 0", d.RequestsRemaining)
	}
	if d.TokensRemaining != 50 {
		t.Fatalf("TokensRemaining=%d, want 50", d.TokensRemaining)
	}
}

func TestCheckAndConsume_RejectionDoesNotConsume(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	l.CheckAndConsume(context.Background(), "t1", "conn", 4, 10)
	beforeReq, beforeTok := fake.counts("t1", "conn")

	// 4+2 > 5: must reject and leave both sets untouched.
	d := l.CheckAndConsume(context.Background(), "t1", "conn", 2, 10)
	if d.Allowed {
		t.Fatalf("expected rejection")
	}
	afterReq, afterTok := fake.counts("t1", "conn")
	if afterReq != beforeReq || afterTok != beforeTok {
		t.Fatalf("rejection mutated window: req %d->%d tok %d->%d", beforeReq, afterReq, beforeTok, afterTok)
	}
	if d.RequestsRemaining != 1 {
		t.Fatalf("RequestsRemaining=%d, want 1", d.RequestsRemaining)
	}
}

func TestCheckAndConsume_ExactThreshold(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	// Cumulative units at the limit all pass; the first unit strictly above fails.
	if d := l.CheckAndConsume(context.Background(), "t1", "c", 5, 100); !d.Allowed {
		t.Fatalf("consuming exactly the limit should be allowed")
	}
	if d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 0); d.Allowed {
		t.Fatalf("one unit above the limit should be rejected")
	}
}

func TestCheckAndConsume_TokenDimensionRejects(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	if d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 100); !d.Allowed {
		t.Fatalf("token limit fill should be allowed")
	}
	if d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 1); d.Allowed {
		t.Fatalf("token overage should reject even with request quota left")
	}
}

func TestWindow_SlidesOut(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	l.CheckAndConsume(context.Background(), "t1", "c", 5, 0)
	if d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 0); d.Allowed {
		t.Fatalf("window full, should reject")
	}

	fake.advance(61 * time.Second)
	if d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 0); !d.Allowed {
		t.Fatalf("entries older than the window must be pruned before counting")
	}
}

func TestCheckAndConsume_FailsOpen(t *testing.T) {
	fake := newFakeWindow()
	fake.failing = true
	l := newTestLimiter(fake)

	d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 1)
	if !d.Allowed {
		t.Fatalf("store failure must fail open")
	}
	if d.RequestsRemaining != 5 || d.TokensRemaining != 100 {
		t.Fatalf("fail-open should report full quota, got %d/%d", d.RequestsRemaining, d.TokensRemaining)
	}
}

func TestPeek_DoesNotConsume(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	l.Peek(context.Background(), "t1", "c")
	l.Peek(context.Background(), "t1", "c")
	req, tok := fake.counts("t1", "c")
	if req != 0 || tok != 0 {
		t.Fatalf("peek consumed units: req=%d tok=%d", req, tok)
	}
}

func TestPeek_DoesNotExtendExpiry(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)

	l.CheckAndConsume(context.Background(), "t1", "c", 1, 1)
	reqExp, tokExp := fake.expiries("t1", "c")
	if reqExp == 0 || tokExp == 0 {
		t.Fatalf("consumption must set key expiry, got %d/%d", reqExp, tokExp)
	}

	fake.advance(10 * time.Second)
	l.Peek(context.Background(), "t1", "c")
	reqAfter, tokAfter := fake.expiries("t1", "c")
	if reqAfter != reqExp || tokAfter != tokExp {
		t.Fatalf("peek extended expiry: req %d->%d tok %d->%d", reqExp, reqAfter, tokExp, tokAfter)
	}
}

func TestReject_ResetReflectsOffendingDimension(t *testing.T) {
	fake := newFakeWindow()
	l := newTestLimiter(fake)
	start := fake.now

	// Tokens fill first; a later call adds the only request entry.
	l.CheckAndConsume(context.Background(), "t1", "c", 0, 100)
	fake.advance(30 * time.Second)
	l.CheckAndConsume(context.Background(), "t1", "c", 1, 0)

	d := l.CheckAndConsume(context.Background(), "t1", "c", 1, 1)
	if d.Allowed {
		t.Fatalf("token overage should reject")
	}
	want := start.Add(time.Minute)
	if !d.ResetAt.Equal(want) {
		t.Fatalf("ResetAt=%v, want token window expiry %v", d.ResetAt, want)
	}
}
