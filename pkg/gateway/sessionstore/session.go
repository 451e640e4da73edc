package sessionstore

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/voxgate/voxgate/pkg/core/types"
)

type Status string

const (
	StatusCreated      Status = "created"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusClosed       Status = "closed"
	StatusExpired      Status = "expired"
)

// Session is the authoritative cross-replica record of one logical
// conversation. Exactly one copy exists per (tenant, id) in the coordination
// store, kept alive by heartbeat.
type Session struct {
	ID             string
	TenantID       string
	ProjectID      string
	Status         Status
	ReplicaID      string
	ConversationID string
	CreatedAt      time.Time
	LastActivity   time.Time
	Config         types.SessionConfig
	Persona        json.RawMessage
}

// Record flattens the session into the hash stored under its key. Timestamps
// are stored at millisecond precision.
func (s *Session) Record() (map[string]string, error) {
	cfg, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: encode config: %w", err)
	}
	rec := map[string]string{
		"id":              s.ID,
		"tenant_id":       s.TenantID,
		"project_id":      s.ProjectID,
		"status":          string(s.Status),
		"replica_id":      s.ReplicaID,
		"conversation_id": s.ConversationID,
		"created_at":      strconv.FormatInt(s.CreatedAt.UnixMilli(), 10),
		"last_activity":   strconv.FormatInt(s.LastActivity.UnixMilli(), 10),
		"config":          string(cfg),
	}
	if len(s.Persona) > 0 {
		rec["persona"] = string(s.Persona)
	}
	return rec, nil
}

// FromRecord reverses Record.
func FromRecord(rec map[string]string) (*Session, error) {
	if rec["id"] == "" {
		return nil, fmt.Errorf("sessionstore: record missing id")
	}
	createdAt, err := strconv.ParseInt(rec["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: bad created_at %q", rec["created_at"])
	}
	lastActivity, err := strconv.ParseInt(rec["last_activity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: bad last_activity %q", rec["last_activity"])
	}
	s := &Session{
		ID:             rec["id"],
		TenantID:       rec["tenant_id"],
		ProjectID:      rec["project_id"],
		Status:         Status(rec["status"]),
		ReplicaID:      rec["replica_id"],
		ConversationID: rec["conversation_id"],
		CreatedAt:      time.UnixMilli(createdAt).UTC(),
		LastActivity:   time.UnixMilli(lastActivity).UTC(),
	}
	if raw := rec["config"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Config); err != nil {
			return nil, fmt.Errorf("sessionstore: decode config: %w", err)
		}
	}
	if raw := rec["persona"]; raw != "" {
		s.Persona = json.RawMessage(raw)
	}
	return s, nil
}

// Event is published on the session's channel after every mutation so other
// replicas and the owning connection observe changes without polling.
type Event struct {
	Type      string   `json:"type"` // session.created | session.updated | session.closed
	SessionID string   `json:"session_id"`
	TenantID  string   `json:"tenant_id"`
	Reason    string   `json:"reason,omitempty"`
	Session   *Session `json:"-"`
}

const (
	EventCreated = "session.created"
	EventUpdated = "session.updated"
	EventClosed  = "session.closed"
)
