package sessionstore

import (
	"context"
	"strings"
	"time"
)

// RunReaper sweeps this replica's sessions on a fixed interval, closing any
// whose last activity predates twice the heartbeat window. It blocks until
// ctx is cancelled.
func (m *Manager) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	cutoff := m.now().Add(-2 * m.cfg.HeartbeatWindow)
	stale, err := m.store.SortedBelow(ctx, replicaIndexKey(m.cfg.ReplicaID), float64(cutoff.UnixMilli()))
	if err != nil {
		m.logger.Warn("reaper scan failed", "error", err)
		return
	}

	for _, member := range stale {
		tenantID, id, ok := strings.Cut(member, ":")
		if !ok {
			_ = m.store.SortedRemove(ctx, replicaIndexKey(m.cfg.ReplicaID), member)
			continue
		}
		// The hash may have expired on its own; Close handles both cases and
		// we always drop the index entry.
		if m.Close(ctx, id, tenantID, "expired") {
			m.logger.Info("reaped abandoned session", "session_id", id, "tenant_id", tenantID)
		} else {
			m.publish(ctx, Event{Type: EventClosed, SessionID: id, TenantID: tenantID, Reason: "expired"})
		}
		_ = m.store.SortedRemove(ctx, replicaIndexKey(m.cfg.ReplicaID), member)
	}
}
