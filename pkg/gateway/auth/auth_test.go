package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeBurner struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *fakeBurner) SetIfAbsent(_ context.Context, key, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

const secret = "test-secret"

func TestValidate_RoundTrip(t *testing.T) {
	v := NewValidator(secret, &fakeBurner{}, time.Minute)

	token, err := IssueToken("acme", "proj-1", secret, time.Minute)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.TenantID != "acme" || claims.ProjectID != "proj-1" {
		t.Fatalf("claims=%+v", claims)
	}
}

func TestValidate_SingleUse(t *testing.T) {
	v := NewValidator(secret, &fakeBurner{}, time.Minute)
	token, _ := IssueToken("acme", "", secret, time.Minute)

	if _, err := v.Validate(context.Background(), token); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("second use err=%v, want ErrTokenUsed", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	v := NewValidator(secret, &fakeBurner{}, time.Minute)
	ctx := context.Background()

	if _, err := v.Validate(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("empty token err=%v", err)
	}
	if _, err := v.Validate(ctx, "garbage"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("garbage token err=%v", err)
	}

	wrong, _ := IssueToken("acme", "", "other-secret", time.Minute)
	if _, err := v.Validate(ctx, wrong); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong-secret token err=%v", err)
	}

	expired, _ := IssueToken("acme", "", secret, -time.Minute)
	if _, err := v.Validate(ctx, expired); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token err=%v", err)
	}
}

func TestValidate_BurnerFailureRejects(t *testing.T) {
	v := NewValidator(secret, &fakeBurner{err: errors.New("store down")}, time.Minute)
	token, _ := IssueToken("acme", "", secret, time.Minute)

	// Unlike the rate limiter, token validation fails closed: a credential we
	// cannot prove unused is not accepted.
	if _, err := v.Validate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err=%v, want ErrInvalidToken", err)
	}
}

func TestBearerFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/realtime", nil)
	if _, ok := BearerFromRequest(r); ok {
		t.Fatalf("no credential should yield ok=false")
	}

	r.Header.Set("Authorization", "Bearer tok123")
	tok, ok := BearerFromRequest(r)
	if !ok || tok != "tok123" {
		t.Fatalf("header token=%q ok=%v", tok, ok)
	}

	r2 := httptest.NewRequest("GET", "/v1/realtime?token=qtok", nil)
	tok, ok = BearerFromRequest(r2)
	if !ok || tok != "qtok" {
		t.Fatalf("query token=%q ok=%v", tok, ok)
	}

	r3 := httptest.NewRequest("GET", "/v1/realtime", nil)
	r3.Header.Set("Authorization", "Basic abc")
	if _, ok := BearerFromRequest(r3); ok {
		t.Fatalf("non-bearer scheme should yield ok=false")
	}
}
