package sessionstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/gateway/coord"
)

// fakeStore is an in-memory Store with TTL bookkeeping driven by a manual
// clock.
type fakeStore struct {
	mu     sync.Mutex
	now    time.Time
	hashes map[string]map[string]string
	lists  map[string][]string
	sorted map[string]map[string]float64
	ttls   map[string]time.Time

	published []coord.Message
	subs      map[string][]chan coord.Message

	failing bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		now:    time.Unix(1700000000, 0),
		hashes: make(map[string]map[string]string),
		lists:  make(map[string][]string),
		sorted: make(map[string]map[string]float64),
		ttls:   make(map[string]time.Time),
		subs:   make(map[string][]chan coord.Message),
	}
}

var errStoreDown = errors.New("store down")

func (f *fakeStore) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	for key, deadline := range f.ttls {
		if !deadline.After(f.now) {
			delete(f.hashes, key)
			delete(f.lists, key)
			delete(f.ttls, key)
		}
	}
}

func (f *fakeStore) setTTL(key string, ttl time.Duration) {
	if ttl > 0 {
		f.ttls[key] = f.now.Add(ttl)
	}
}

func (f *fakeStore) GetHash(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errStoreDown
	}
	h, ok := f.hashes[key]
	if !ok || len(h) == 0 {
		return nil, coord.ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) SetHash(_ context.Context, key string, fields map[string]string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	f.setTTL(key, ttl)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.lists, k)
		delete(f.ttls, k)
	}
	return nil
}

func (f *fakeStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return false, errStoreDown
	}
	_, hasHash := f.hashes[key]
	_, hasList := f.lists[key]
	if !hasHash && !hasList {
		return false, nil
	}
	f.setTTL(key, ttl)
	return true, nil
}

func (f *fakeStore) AppendBounded(_ context.Context, key, value string, maxLen int64, ttl time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errStoreDown
	}
	f.lists[key] = append(f.lists[key], value)
	var evicted []string
	if maxLen > 0 && int64(len(f.lists[key])) > maxLen {
		over := int64(len(f.lists[key])) - maxLen
		evicted = append(evicted, f.lists[key][:over]...)
		f.lists[key] = f.lists[key][over:]
	}
	f.setTTL(key, ttl)
	return evicted, nil
}

func (f *fakeStore) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errStoreDown
	}
	list := f.lists[key]
	n := int64(len(list))
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (f *fakeStore) SortedAdd(_ context.Context, key string, score float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	set, ok := f.sorted[key]
	if !ok {
		set = make(map[string]float64)
		f.sorted[key] = set
	}
	set[member] = score
	return nil
}

func (f *fakeStore) SortedBelow(_ context.Context, key string, max float64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errStoreDown
	}
	var out []string
	for member, score := range f.sorted[key] {
		if score <= max {
			out = append(out, member)
		}
	}
	return out, nil
}

func (f *fakeStore) SortedRemove(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sorted[key], m)
	}
	return nil
}

func (f *fakeStore) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errStoreDown
	}
	msg := coord.Message{Channel: channel, Payload: payload}
	f.published = append(f.published, msg)
	for _, ch := range f.subs[channel] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

type fakeSub struct {
	ch chan coord.Message
}

func (s *fakeSub) Messages() <-chan coord.Message { return s.ch }
func (s *fakeSub) Close() error                   { close(s.ch); return nil }

func (f *fakeStore) Subscribe(_ context.Context, channels ...string) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan coord.Message, 16)
	for _, c := range channels {
		f.subs[c] = append(f.subs[c], ch)
	}
	return &fakeSub{ch: ch}
}

func (f *fakeStore) publishedTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.published {
		out = append(out, m.Payload)
	}
	return out
}
