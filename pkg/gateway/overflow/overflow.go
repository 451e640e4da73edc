// Package overflow archives conversation items evicted from the bounded
// in-store transcript buffer into Postgres, so long sessions keep a complete
// durable history.
package overflow

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/voxgate/voxgate/pkg/core/types"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	URL           string
	InsertTimeout time.Duration
	InsertRetries uint64
	RetryPeriod   time.Duration
}

type Store struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger *slog.Logger
}

// Connect opens a connection pool and verifies the database answers.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 5 * time.Second
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = 200 * time.Millisecond
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("overflow: parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("overflow: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("overflow: database unreachable: %w", err)
	}
	return &Store{pool: pool, cfg: cfg, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies pending schema migrations. Safe to run from every replica;
// goose serializes via its version table.
func (s *Store) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("overflow: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("overflow: migrate: %w", err)
	}
	return nil
}

// StoreEvicted archives items in order. Items that cannot be serialized are
// skipped with a warning rather than blocking the rest of the batch.
func (s *Store) StoreEvicted(ctx context.Context, tenantID, sessionID string, items []types.ConversationItem) error {
	batch, n := s.insertBatch(tenantID, sessionID, items)
	if n == 0 {
		return nil
	}

	backoff := retry.WithMaxRetries(s.cfg.InsertRetries, retry.NewConstant(s.cfg.RetryPeriod))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.InsertTimeout)
		defer cancel()
		if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("overflow: archive %d items for session %s: %w", n, sessionID, err)
	}
	return nil
}

func (s *Store) insertBatch(tenantID, sessionID string, items []types.ConversationItem) (*pgx.Batch, int) {
	batch := &pgx.Batch{}
	n := 0
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			s.logger.Warn("dropping unserializable overflow item",
				"session_id", sessionID, "item_id", item.ID, "error", err)
			continue
		}
		createdAt := item.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO conversation_overflow (tenant_id, session_id, item_id, role, item, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			tenantID, sessionID, item.ID, item.Role, payload, createdAt,
		)
		n++
	}
	return batch, n
}

// History returns archived items for a session, oldest first, up to limit.
func (s *Store) History(ctx context.Context, tenantID, sessionID string, limit int) ([]types.ConversationItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT item FROM conversation_overflow
		 WHERE tenant_id = $1 AND session_id = $2
		 ORDER BY id ASC LIMIT $3`,
		tenantID, sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("overflow: query history: %w", err)
	}
	defer rows.Close()

	var out []types.ConversationItem
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("overflow: scan history row: %w", err)
		}
		var item types.ConversationItem
		if err := json.Unmarshal(payload, &item); err != nil {
			s.logger.Warn("skipping corrupt archived item", "session_id", sessionID, "error", err)
			continue
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("overflow: read history: %w", err)
	}
	return out, nil
}
