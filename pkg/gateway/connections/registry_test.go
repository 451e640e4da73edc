package connections

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterUnregister(t *testing.T) {
	r := NewRegistry()
	u1, err := r.Register("c1", Handle{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	u2, err := r.Register("c2", Handle{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Count() != 2 {
		t.Fatalf("count=%d, want 2", r.Count())
	}

	u1()
	u1() // idempotent
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1", r.Count())
	}
	u2()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if !r.Wait(ctx) {
		t.Fatalf("Wait should return once all connections unregister")
	}
}

func TestRegister_RejectedWhileDraining(t *testing.T) {
	r := NewRegistry()
	r.BeginDrain()
	if _, err := r.Register("c1", Handle{}); !errors.Is(err, ErrDraining) {
		t.Fatalf("err=%v, want ErrDraining", err)
	}
}

func TestShutdown_ForceClosesStragglers(t *testing.T) {
	r := NewRegistry()
	var closed, warned, hooked atomic.Int64

	unregister, _ := r.Register("stuck", Handle{
		Close: func() { closed.Add(1) },
		Warn:  func(code, message string) error { warned.Add(1); return nil },
	})
	r.OnShutdown(func() { hooked.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	r.Shutdown(ctx)

	if warned.Load() != 1 {
		t.Fatalf("warned=%d, want 1", warned.Load())
	}
	if closed.Load() != 1 {
		t.Fatalf("closed=%d, want 1", closed.Load())
	}
	if hooked.Load() != 1 {
		t.Fatalf("shutdown hooks=%d, want 1", hooked.Load())
	}
	unregister()
}

func TestRegister_ReplacesExisting(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register("c1", Handle{}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	u2, err := r.Register("c1", Handle{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if r.Count() != 1 {
		t.Fatalf("count=%d, want 1 after replacement", r.Count())
	}
	u2()
	if r.Count() != 0 {
		t.Fatalf("count=%d, want 0", r.Count())
	}
}
