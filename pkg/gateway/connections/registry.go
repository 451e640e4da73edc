// Package connections tracks the live client connections of one gateway
// process for graceful drain during shutdown. The registry is local-process
// state only; cross-replica session state lives in the coordination store.
package connections

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrDraining is returned by Register while the process is shutting down.
var ErrDraining = errors.New("connections: gateway is draining")

// Handle is how the registry reaches back into a connection.
type Handle struct {
	Close func()
	Warn  func(code, message string) error
}

type tracked struct {
	handle Handle
	once   sync.Once
}

type Registry struct {
	mu       sync.Mutex
	conns    map[string]*tracked
	wg       sync.WaitGroup
	draining atomic.Bool

	shutdownMu  sync.Mutex
	shutdownFns []func()
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*tracked)}
}

// Register adds a connection and returns its unregister func. Registration
// is refused while draining so new clients land on healthy replicas.
func (r *Registry) Register(connID string, h Handle) (func(), error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}

	entry := &tracked{handle: h}

	r.mu.Lock()
	old := r.conns[connID]
	r.conns[connID] = entry
	r.wg.Add(1)
	r.mu.Unlock()

	if old != nil {
		r.unregister(connID, old)
	}
	return func() { r.unregister(connID, entry) }, nil
}

func (r *Registry) unregister(connID string, entry *tracked) {
	entry.once.Do(func() {
		r.mu.Lock()
		if r.conns[connID] == entry {
			delete(r.conns, connID)
		}
		r.mu.Unlock()
		r.wg.Done()
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Registry) IsDraining() bool {
	return r.draining.Load()
}

// BeginDrain stops accepting registrations and warns connected clients.
func (r *Registry) BeginDrain() {
	r.draining.Store(true)

	var warns []func(code, message string) error
	r.mu.Lock()
	for _, entry := range r.conns {
		if entry.handle.Warn != nil {
			warns = append(warns, entry.handle.Warn)
		}
	}
	r.mu.Unlock()

	for _, warn := range warns {
		_ = warn("server_shutting_down", "gateway is draining, please reconnect")
	}
}

// Wait blocks until every connection unregisters or ctx expires.
func (r *Registry) Wait(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseAll force-closes the connections still registered after the drain
// timeout.
func (r *Registry) CloseAll() int {
	var closes []func()
	r.mu.Lock()
	for _, entry := range r.conns {
		if entry.handle.Close != nil {
			closes = append(closes, entry.handle.Close)
		}
	}
	r.mu.Unlock()

	for _, c := range closes {
		c()
	}
	return len(closes)
}

// OnShutdown registers a callback invoked by Shutdown after the drain
// completes.
func (r *Registry) OnShutdown(fn func()) {
	r.shutdownMu.Lock()
	defer r.shutdownMu.Unlock()
	r.shutdownFns = append(r.shutdownFns, fn)
}

// Shutdown drains, waits up to ctx, force-closes stragglers, then runs the
// registered shutdown callbacks.
func (r *Registry) Shutdown(ctx context.Context) {
	r.BeginDrain()
	if !r.Wait(ctx) {
		r.CloseAll()
	}

	r.shutdownMu.Lock()
	fns := append([]func(){}, r.shutdownFns...)
	r.shutdownMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
