// Package dispatchtest provides an in-memory dispatch.Store for tests: real
// consumer-group claim/ack bookkeeping and pub/sub fan-out without a running
// coordination store.
package dispatchtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/gateway/coord"
	"github.com/voxgate/voxgate/pkg/gateway/dispatch"
)

type entry struct {
	id     string
	values map[string]string
}

type group struct {
	// next index into the stream for fresh deliveries.
	cursor int
	// pending holds claimed-but-unacked entry ids.
	pending map[string]struct{}
}

type Store struct {
	mu      sync.Mutex
	seq     int
	streams map[string][]entry
	groups  map[string]*group // "stream|group"
	subs    []*subscription

	Failing bool
}

var _ dispatch.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		streams: make(map[string][]entry),
		groups:  make(map[string]*group),
	}
}

var errDown = errors.New("store down")

func (s *Store) StreamAdd(_ context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failing {
		return "", errDown
	}
	s.seq++
	// Zero-padded so lexicographic comparison matches numeric entry order.
	id := fmt.Sprintf("%012d-0", s.seq)
	vals := make(map[string]string, len(values))
	for k, v := range values {
		vals[k] = fmt.Sprint(v)
	}
	s.streams[stream] = append(s.streams[stream], entry{id: id, values: vals})
	if maxLen > 0 && int64(len(s.streams[stream])) > maxLen {
		over := int64(len(s.streams[stream])) - maxLen
		s.streams[stream] = s.streams[stream][over:]
	}
	return id, nil
}

func (s *Store) EnsureGroup(_ context.Context, stream, groupName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failing {
		return errDown
	}
	key := stream + "|" + groupName
	if _, ok := s.groups[key]; !ok {
		s.groups[key] = &group{pending: make(map[string]struct{})}
	}
	return nil
}

func (s *Store) ReadGroup(_ context.Context, groupName, consumer, stream string, count int64, _ time.Duration) ([]coord.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failing {
		return nil, errDown
	}
	g, ok := s.groups[stream+"|"+groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP no such group %q", groupName)
	}
	var out []coord.StreamEntry
	for g.cursor < len(s.streams[stream]) && int64(len(out)) < count {
		e := s.streams[stream][g.cursor]
		g.cursor++
		g.pending[e.id] = struct{}{}
		out = append(out, coord.StreamEntry{ID: e.id, Values: copyValues(e.values)})
	}
	return out, nil
}

func (s *Store) Ack(_ context.Context, stream, groupName string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[stream+"|"+groupName]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}

// PendingCount reports unacked claims for assertions.
func (s *Store) PendingCount(stream, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[stream+"|"+groupName]
	if !ok {
		return 0
	}
	return len(g.pending)
}

func (s *Store) ReadStream(_ context.Context, stream, lastID string, count int64, _ time.Duration) ([]coord.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failing {
		return nil, errDown
	}
	var out []coord.StreamEntry
	for _, e := range s.streams[stream] {
		if lastID != "0" && e.id <= lastID {
			continue
		}
		out = append(out, coord.StreamEntry{ID: e.id, Values: copyValues(e.values)})
		if int64(len(out)) >= count && count > 0 {
			break
		}
	}
	return out, nil
}

// Entries returns a stream's contents for assertions.
func (s *Store) Entries(stream string) []coord.StreamEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]coord.StreamEntry, 0, len(s.streams[stream]))
	for _, e := range s.streams[stream] {
		out = append(out, coord.StreamEntry{ID: e.id, Values: copyValues(e.values)})
	}
	return out
}

func (s *Store) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.streams, k)
	}
	return nil
}

type subscription struct {
	store    *Store
	patterns []string
	exact    []string
	ch       chan coord.Message
	closed   bool
}

func (s *subscription) Messages() <-chan coord.Message { return s.ch }

func (s *subscription) Close() error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

func (s *Store) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Failing {
		return errDown
	}
	for _, sub := range s.subs {
		if sub.closed || !sub.matches(channel) {
			continue
		}
		select {
		case sub.ch <- coord.Message{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

func (sub *subscription) matches(channel string) bool {
	for _, c := range sub.exact {
		if c == channel {
			return true
		}
	}
	for _, p := range sub.patterns {
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(channel, prefix) {
			return true
		}
	}
	return false
}

func (s *Store) Subscribe(_ context.Context, channels ...string) dispatch.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{store: s, exact: channels, ch: make(chan coord.Message, 64)}
	s.subs = append(s.subs, sub)
	return sub
}

func (s *Store) PSubscribe(_ context.Context, patterns ...string) dispatch.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{store: s, patterns: patterns, ch: make(chan coord.Message, 64)}
	s.subs = append(s.subs, sub)
	return sub
}

func copyValues(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
