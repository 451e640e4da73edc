// Package sessionstore replicates session state and capped conversation
// history across gateway replicas through the coordination store, publishes
// change events per session, and reaps sessions whose heartbeat has lapsed.
//
// Every store operation here is best effort: failures are logged and surfaced
// to callers only as NotFound/false results. A caller holding a nil *Manager
// (store unavailable at startup) must fall back to local-only session state.
package sessionstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxgate/voxgate/pkg/core/types"
	"github.com/voxgate/voxgate/pkg/gateway/coord"
)

// Store is the slice of the coordination store the manager needs.
type Store interface {
	GetHash(ctx context.Context, key string) (map[string]string, error)
	SetHash(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	AppendBounded(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) ([]string, error)
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	SortedAdd(ctx context.Context, key string, score float64, member string) error
	SortedBelow(ctx context.Context, key string, max float64) ([]string, error)
	SortedRemove(ctx context.Context, key string, members ...string) error
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription
}

type Subscription interface {
	Messages() <-chan coord.Message
	Close() error
}

// FromClient adapts the concrete coordination store client to Store.
func FromClient(c *coord.Client) Store { return clientStore{c} }

type clientStore struct{ *coord.Client }

func (s clientStore) Subscribe(ctx context.Context, channels ...string) Subscription {
	return s.Client.Subscribe(ctx, channels...)
}

// OverflowHook receives conversation items evicted from the capped in-store
// buffer, for durable archival.
type OverflowHook interface {
	StoreEvicted(ctx context.Context, tenantID, sessionID string, items []types.ConversationItem) error
}

type Config struct {
	ReplicaID       string
	HeartbeatWindow time.Duration
	ReaperInterval  time.Duration
	MaxItems        int64
}

type Manager struct {
	store    Store
	overflow OverflowHook
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(store Store, overflow OverflowHook, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 30 * time.Second
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = cfg.HeartbeatWindow / 2
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 128
	}
	return &Manager{
		store:    store,
		overflow: overflow,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func sessionKey(tenantID, id string) string { return "session:" + tenantID + ":" + id }
func itemsKey(tenantID, id string) string   { return sessionKey(tenantID, id) + ":items" }
func eventsChannel(id string) string        { return "session-events:" + id }
func replicaIndexKey(replicaID string) string {
	return "replica-sessions:" + replicaID
}

// Create writes a fresh session record owned by this replica. Unlike the
// other operations this one surfaces store errors: the caller asked for an
// explicit creation and must know it did not happen.
func (m *Manager) Create(ctx context.Context, id, tenantID, projectID string, cfg types.SessionConfig, persona json.RawMessage) (*Session, error) {
	now := m.now().UTC()
	s := &Session{
		ID:           id,
		TenantID:     tenantID,
		ProjectID:    projectID,
		Status:       StatusCreated,
		ReplicaID:    m.cfg.ReplicaID,
		CreatedAt:    now,
		LastActivity: now,
		Config:       cfg,
		Persona:      persona,
	}
	rec, err := s.Record()
	if err != nil {
		return nil, err
	}
	if err := m.store.SetHash(ctx, sessionKey(tenantID, id), rec, m.cfg.HeartbeatWindow); err != nil {
		return nil, err
	}
	m.indexLocal(ctx, tenantID, id, now)
	m.publish(ctx, Event{Type: EventCreated, SessionID: id, TenantID: tenantID, Session: s})
	return s, nil
}

// Get loads the session, or nil when it does not exist or the store is
// unreachable.
func (m *Manager) Get(ctx context.Context, id, tenantID string) *Session {
	rec, err := m.store.GetHash(ctx, sessionKey(tenantID, id))
	if err != nil {
		if !errors.Is(err, coord.ErrNotFound) {
			m.logger.Warn("session get failed", "session_id", id, "error", err)
		}
		return nil
	}
	s, err := FromRecord(rec)
	if err != nil {
		m.logger.Warn("session record corrupt", "session_id", id, "error", err)
		return nil
	}
	return s
}

// UpdateParams is a partial update; nil fields are left untouched. Updates
// are read-modify-write with last-writer-wins semantics: concurrent writers
// from two replicas can race, and callers must treat the published update
// events as eventually-consistent broadcasts, not a lock.
type UpdateParams struct {
	Status         *Status
	Config         *types.SessionConfig
	Persona        json.RawMessage
	ConversationID *string
}

func (m *Manager) Update(ctx context.Context, id, tenantID string, p UpdateParams) *Session {
	s := m.Get(ctx, id, tenantID)
	if s == nil {
		return nil
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Config != nil {
		s.Config = *p.Config
	}
	if p.Persona != nil {
		s.Persona = p.Persona
	}
	if p.ConversationID != nil {
		s.ConversationID = *p.ConversationID
	}
	s.LastActivity = m.now().UTC()

	rec, err := s.Record()
	if err != nil {
		m.logger.Warn("session encode failed", "session_id", id, "error", err)
		return nil
	}
	if err := m.store.SetHash(ctx, sessionKey(tenantID, id), rec, m.cfg.HeartbeatWindow); err != nil {
		m.logger.Warn("session update failed", "session_id", id, "error", err)
		return nil
	}
	m.indexLocal(ctx, tenantID, id, s.LastActivity)
	m.publish(ctx, Event{Type: EventUpdated, SessionID: id, TenantID: tenantID, Session: s})
	return s
}

// Heartbeat refreshes the session's TTL. Returns false when the session no
// longer exists; heartbeating a missing session performs no mutation.
func (m *Manager) Heartbeat(ctx context.Context, id, tenantID string) bool {
	key := sessionKey(tenantID, id)
	ok, err := m.store.Expire(ctx, key, m.cfg.HeartbeatWindow)
	if err != nil {
		m.logger.Warn("session heartbeat failed", "session_id", id, "error", err)
		return false
	}
	if !ok {
		return false
	}
	now := m.now().UTC()
	if err := m.store.SetHash(ctx, key, map[string]string{
		"last_activity": millis(now),
	}, m.cfg.HeartbeatWindow); err != nil {
		m.logger.Warn("session heartbeat touch failed", "session_id", id, "error", err)
	}
	_, _ = m.store.Expire(ctx, itemsKey(tenantID, id), m.cfg.HeartbeatWindow)
	m.indexLocal(ctx, tenantID, id, now)
	return true
}

// Close deletes the session and its item buffer, publishing a closed event.
func (m *Manager) Close(ctx context.Context, id, tenantID, reason string) bool {
	if m.Get(ctx, id, tenantID) == nil {
		return false
	}
	if err := m.store.Delete(ctx, sessionKey(tenantID, id), itemsKey(tenantID, id)); err != nil {
		m.logger.Warn("session delete failed", "session_id", id, "error", err)
		return false
	}
	_ = m.store.SortedRemove(ctx, replicaIndexKey(m.cfg.ReplicaID), tenantID+":"+id)
	m.publish(ctx, Event{Type: EventClosed, SessionID: id, TenantID: tenantID, Reason: reason})
	return true
}

// AppendItem pushes one conversation item onto the session's capped buffer.
// Evicted items go to the overflow hook when one is configured; without a
// hook the trim is lossy and logged as such.
func (m *Manager) AppendItem(ctx context.Context, id, tenantID string, item types.ConversationItem) bool {
	raw, err := json.Marshal(item)
	if err != nil {
		m.logger.Warn("conversation item encode failed", "session_id", id, "error", err)
		return false
	}
	evicted, err := m.store.AppendBounded(ctx, itemsKey(tenantID, id), string(raw), m.cfg.MaxItems, m.cfg.HeartbeatWindow)
	if err != nil {
		m.logger.Warn("conversation item append failed", "session_id", id, "error", err)
		return false
	}
	if len(evicted) > 0 {
		m.handleEvicted(ctx, id, tenantID, evicted)
	}
	_, _ = m.store.Expire(ctx, sessionKey(tenantID, id), m.cfg.HeartbeatWindow)
	return true
}

func (m *Manager) handleEvicted(ctx context.Context, id, tenantID string, raw []string) {
	items := make([]types.ConversationItem, 0, len(raw))
	for _, r := range raw {
		var it types.ConversationItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			m.logger.Warn("evicted item corrupt", "session_id", id, "error", err)
			continue
		}
		items = append(items, it)
	}
	if m.overflow == nil {
		m.logger.Warn("conversation history trimmed without overflow store, items lost",
			"session_id", id, "tenant_id", tenantID, "evicted", len(items))
		return
	}
	if err := m.overflow.StoreEvicted(ctx, tenantID, id, items); err != nil {
		m.logger.Warn("overflow store write failed, evicted items lost",
			"session_id", id, "error", err)
	}
}

// Items returns the session's buffered conversation items, oldest first.
func (m *Manager) Items(ctx context.Context, id, tenantID string) []types.ConversationItem {
	raw, err := m.store.ListRange(ctx, itemsKey(tenantID, id), 0, -1)
	if err != nil {
		m.logger.Warn("conversation items read failed", "session_id", id, "error", err)
		return nil
	}
	items := make([]types.ConversationItem, 0, len(raw))
	for _, r := range raw {
		var it types.ConversationItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items
}

// Subscribe delivers this session's change events until the subscription is
// closed.
func (m *Manager) Subscribe(ctx context.Context, id string) Subscription {
	return m.store.Subscribe(ctx, eventsChannel(id))
}

func (m *Manager) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := m.store.Publish(ctx, eventsChannel(ev.SessionID), string(payload)); err != nil {
		m.logger.Warn("session event publish failed", "session_id", ev.SessionID, "type", ev.Type, "error", err)
	}
}

func (m *Manager) indexLocal(ctx context.Context, tenantID, id string, at time.Time) {
	err := m.store.SortedAdd(ctx, replicaIndexKey(m.cfg.ReplicaID), float64(at.UnixMilli()), tenantID+":"+id)
	if err != nil {
		m.logger.Warn("replica session index update failed", "session_id", id, "error", err)
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
