package sessionstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/core/types"
)

func newTestManager(fake *fakeStore, overflow OverflowHook) *Manager {
	m := NewManager(fake, overflow, Config{
		ReplicaID:       "gw-1",
		HeartbeatWindow: 30 * time.Second,
		ReaperInterval:  15 * time.Second,
		MaxItems:        3,
	}, nil)
	m.now = func() time.Time {
		fake.mu.Lock()
		defer fake.mu.Unlock()
		return fake.now
	}
	return m
}

func TestRecordRoundTrip(t *testing.T) {
	created := time.UnixMilli(1700000000123).UTC()
	s := &Session{
		ID:             "sess-1",
		TenantID:       "acme",
		ProjectID:      "proj-9",
		Status:         StatusConnected,
		ReplicaID:      "gw-2",
		ConversationID: "conv-7",
		CreatedAt:      created,
		LastActivity:   created.Add(5 * time.Second),
		Config: types.SessionConfig{
			Model:        "gemini-2.0-flash",
			Voice:        "alloy",
			Instructions: "be brief",
			Speed:        1.25,
			Temperature:  0.7,
			Modalities:   []string{"text", "audio"},
		},
		Persona: json.RawMessage(`{"name":"Ada"}`),
	}

	rec, err := s.Record()
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord: %v", err)
	}

	if got.ID != s.ID || got.TenantID != s.TenantID || got.ProjectID != s.ProjectID {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if got.Status != s.Status || got.ReplicaID != s.ReplicaID || got.ConversationID != s.ConversationID {
		t.Fatalf("state mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(s.CreatedAt) || !got.LastActivity.Equal(s.LastActivity) {
		t.Fatalf("timestamps mismatch: %v/%v vs %v/%v", got.CreatedAt, got.LastActivity, s.CreatedAt, s.LastActivity)
	}
	if got.Config.Model != s.Config.Model || got.Config.Speed != s.Config.Speed {
		t.Fatalf("config mismatch: %+v", got.Config)
	}
	if string(got.Persona) != string(s.Persona) {
		t.Fatalf("persona mismatch: %s", got.Persona)
	}
}

func TestCreateGetClose(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)
	ctx := context.Background()

	s, err := m.Create(ctx, "s1", "acme", "p1", types.SessionConfig{Model: "m"}, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status != StatusCreated {
		t.Fatalf("status=%s", s.Status)
	}

	got := m.Get(ctx, "s1", "acme")
	if got == nil || got.ID != "s1" {
		t.Fatalf("Get returned %+v", got)
	}
	// A different tenant cannot see the session.
	if m.Get(ctx, "s1", "other") != nil {
		t.Fatalf("cross-tenant get should be nil")
	}

	if !m.Close(ctx, "s1", "acme", "client_closed") {
		t.Fatalf("Close should succeed")
	}
	if m.Get(ctx, "s1", "acme") != nil {
		t.Fatalf("session should be gone after Close")
	}

	events := fake.publishedTypes()
	if len(events) != 2 || !strings.Contains(events[0], EventCreated) || !strings.Contains(events[1], EventClosed) {
		t.Fatalf("events=%v", events)
	}
}

func TestHeartbeat_MissingSessionIsFalse(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)

	if m.Heartbeat(context.Background(), "nope", "acme") {
		t.Fatalf("heartbeat of a missing session must return false")
	}
	if len(fake.hashes) != 0 {
		t.Fatalf("heartbeat of a missing session must not mutate the store")
	}
}

func TestHeartbeat_KeepsSessionAlive(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "s1", "acme", "", types.SessionConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	fake.advance(20 * time.Second)
	if !m.Heartbeat(ctx, "s1", "acme") {
		t.Fatalf("heartbeat of a live session must return true")
	}
	fake.advance(20 * time.Second)
	if m.Get(ctx, "s1", "acme") == nil {
		t.Fatalf("heartbeat should have refreshed the TTL")
	}

	fake.advance(31 * time.Second)
	if m.Get(ctx, "s1", "acme") != nil {
		t.Fatalf("session should expire without heartbeats")
	}
}

func TestUpdate_PartialAndLastWriterWins(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "s1", "acme", "", types.SessionConfig{Model: "a", Voice: "v"}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	status := StatusConnected
	got := m.Update(ctx, "s1", "acme", UpdateParams{Status: &status})
	if got == nil || got.Status != StatusConnected {
		t.Fatalf("Update status: %+v", got)
	}
	// Config untouched by a partial update.
	if got.Config.Model != "a" || got.Config.Voice != "v" {
		t.Fatalf("partial update clobbered config: %+v", got.Config)
	}

	if m.Update(ctx, "missing", "acme", UpdateParams{Status: &status}) != nil {
		t.Fatalf("update of missing session must return nil")
	}
}

type captureOverflow struct {
	tenant, session string
	items           []types.ConversationItem
}

func (c *captureOverflow) StoreEvicted(_ context.Context, tenantID, sessionID string, items []types.ConversationItem) error {
	c.tenant, c.session = tenantID, sessionID
	c.items = append(c.items, items...)
	return nil
}

func TestAppendItem_CapEvictsOldestToOverflow(t *testing.T) {
	fake := newFakeStore()
	hook := &captureOverflow{}
	m := newTestManager(fake, hook)
	ctx := context.Background()

	if _, err := m.Create(ctx, "s1", "acme", "", types.SessionConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, text := range []string{"one", "two", "three", "four", "five"} {
		item := types.TextItem("it"+string(rune('0'+i)), "user", text)
		if !m.AppendItem(ctx, "s1", "acme", item) {
			t.Fatalf("AppendItem %d failed", i)
		}
	}

	items := m.Items(ctx, "s1", "acme")
	if len(items) != 3 {
		t.Fatalf("kept %d items, want cap 3", len(items))
	}
	if items[0].Text() != "three" || items[2].Text() != "five" {
		t.Fatalf("kept wrong items: %v", items)
	}
	if len(hook.items) != 2 || hook.items[0].Text() != "one" || hook.items[1].Text() != "two" {
		t.Fatalf("overflow received %v", hook.items)
	}
	if hook.tenant != "acme" || hook.session != "s1" {
		t.Fatalf("overflow routing: %s/%s", hook.tenant, hook.session)
	}
}

func TestReaper_ExpiresAbandonedSessions(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "dead", "acme", "", types.SessionConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fake.advance(45 * time.Second)
	if _, err := m.Create(ctx, "live", "acme", "", types.SessionConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// "dead" is now 61s past its last activity (> 2x heartbeat window).
	fake.advance(16 * time.Second)
	m.reapOnce(ctx)

	if m.Get(ctx, "live", "acme") == nil {
		t.Fatalf("live session should survive the sweep")
	}
	var sawExpired bool
	for _, payload := range fake.publishedTypes() {
		if strings.Contains(payload, EventClosed) && strings.Contains(payload, "expired") {
			sawExpired = true
		}
	}
	if !sawExpired {
		t.Fatalf("reaper must publish a closed event with reason expired")
	}
	if len(fake.sorted[replicaIndexKey("gw-1")]) != 1 {
		t.Fatalf("reaper should drop the stale index entry")
	}
}

func TestStoreFailure_DegradesToNotFound(t *testing.T) {
	fake := newFakeStore()
	m := newTestManager(fake, nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, "s1", "acme", "", types.SessionConfig{}, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	fake.failing = true

	if m.Get(ctx, "s1", "acme") != nil {
		t.Fatalf("Get must degrade to nil on store failure")
	}
	if m.Heartbeat(ctx, "s1", "acme") {
		t.Fatalf("Heartbeat must degrade to false on store failure")
	}
	if m.AppendItem(ctx, "s1", "acme", types.TextItem("i", "user", "x")) {
		t.Fatalf("AppendItem must degrade to false on store failure")
	}
}
