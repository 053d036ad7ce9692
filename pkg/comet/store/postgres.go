package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/randalmurphal/comet/pkg/comet/event"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS comet_groups (
	source_type TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generation BIGINT NOT NULL,
	state TEXT NOT NULL,
	deadline TIMESTAMPTZ,
	owner TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	routed_at TIMESTAMPTZ,
	escalated_at TIMESTAMPTZ,
	resolved_at TIMESTAMPTZ,
	retry_at TIMESTAMPTZ,
	dispatch_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	dispatched_count INTEGER NOT NULL DEFAULT 0,
	escalation_pending BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (source_type, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_comet_groups_state ON comet_groups(state);
CREATE TABLE IF NOT EXISTS comet_events (
	id TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generation BIGINT NOT NULL,
	seq INTEGER NOT NULL,
	owner TEXT NOT NULL,
	delivery_id TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	data JSONB,
	received_at TIMESTAMPTZ NOT NULL,
	inserted BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_comet_events_group ON comet_events(source_type, fingerprint, generation, seq);
CREATE INDEX IF NOT EXISTS idx_comet_events_owner ON comet_events(owner);
CREATE TABLE IF NOT EXISTS comet_quarantine (
	id BIGSERIAL PRIMARY KEY,
	source_type TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	payload BYTEA,
	reason TEXT NOT NULL,
	error_message TEXT NOT NULL,
	quarantined_at TIMESTAMPTZ NOT NULL
);
`

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore persists groups to PostgreSQL. Several engine processes may
// share one database only if each owns a disjoint set of source types.
type PostgresStore struct {
	pool   *pgxpool.Pool
	mu     sync.RWMutex
	closed bool
}

// NewPostgresStore connects, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.pool.QueryRow(ctx, `SELECT `+groupColumns+` FROM comet_groups
		WHERE source_type = $1 AND fingerprint = $2`, key.SourceType, key.Fingerprint)
	g, err := scanPgGroup(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", key, err)
	}

	rows, err := s.pool.Query(ctx, `SELECT id, source_type, fingerprint, owner, delivery_id, metadata, data, received_at
		FROM comet_events
		WHERE source_type = $1 AND fingerprint = $2 AND generation = $3
		ORDER BY seq`, key.SourceType, key.Fingerprint, g.Generation)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", key, err)
	}
	g.Members, err = scanPgRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", key, err)
	}
	return g, nil
}

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, g *Group) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `INSERT INTO comet_groups (`+groupColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source_type, fingerprint) DO UPDATE SET
			generation = EXCLUDED.generation,
			state = EXCLUDED.state,
			deadline = EXCLUDED.deadline,
			owner = EXCLUDED.owner,
			updated_at = EXCLUDED.updated_at,
			routed_at = EXCLUDED.routed_at,
			escalated_at = EXCLUDED.escalated_at,
			resolved_at = EXCLUDED.resolved_at,
			retry_at = EXCLUDED.retry_at,
			dispatch_attempts = EXCLUDED.dispatch_attempts,
			last_error = EXCLUDED.last_error,
			dispatched_count = EXCLUDED.dispatched_count,
			escalation_pending = EXCLUDED.escalation_pending`,
		g.SourceType, g.Fingerprint, g.Generation, string(g.State), nullTime(g.Deadline), g.Owner,
		g.CreatedAt.UTC(), g.UpdatedAt.UTC(), nullTime(g.RoutedAt), nullTime(g.EscalatedAt),
		nullTime(g.ResolvedAt), nullTime(g.RetryAt), g.DispatchAttempts, g.LastError, g.DispatchedCount, g.EscalationPending)
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.Key, err)
	}

	batch := &pgx.Batch{}
	for i, rec := range g.Members {
		md, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return err
		}
		var data []byte
		if len(rec.Data) > 0 {
			data = rec.Data
		}
		batch.Queue(`INSERT INTO comet_events
			(id, source_type, fingerprint, generation, seq, owner, delivery_id, metadata, data, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			rec.ID, g.SourceType, g.Fingerprint, g.Generation, i, rec.Owner, rec.DeliveryID,
			md, data, rec.ReceivedAt.UTC())
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save members of %s: %w", g.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.SourceType != "" {
		where = append(where, "source_type = "+arg(f.SourceType))
	}
	if f.Owner != "" {
		where = append(where, "owner = "+arg(f.Owner))
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		where = append(where, "state = ANY("+arg(states)+")")
	}

	query := `SELECT ` + groupColumns + ` FROM comet_groups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source_type, fingerprint"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*Group, 0)
	for rows.Next() {
		g, err := scanPgGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM comet_events WHERE source_type = $1 AND fingerprint = $2`,
		key.SourceType, key.Fingerprint); err != nil {
		return fmt.Errorf("delete members of %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM comet_groups WHERE source_type = $1 AND fingerprint = $2`,
		key.SourceType, key.Fingerprint); err != nil {
		return fmt.Errorf("delete group %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// ListRecords implements Store.
func (s *PostgresStore) ListRecords(ctx context.Context, f RecordFilter) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Owner != "" {
		where = append(where, "owner = "+arg(f.Owner))
	}
	if f.SourceType != "" {
		where = append(where, "source_type = "+arg(f.SourceType))
	}

	query := `SELECT id, source_type, fingerprint, owner, delivery_id, metadata, data, received_at FROM comet_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, inserted DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return scanPgRecords(rows)
}

// Quarantine implements Store.
func (s *PostgresStore) Quarantine(ctx context.Context, msg event.QuarantinedMessage) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO comet_quarantine
		(source_type, message_id, payload, reason, error_message, quarantined_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.SourceType, msg.MessageID, msg.Payload, msg.Reason, msg.ErrorMessage, msg.QuarantinedAt.UTC())
	if err != nil {
		return fmt.Errorf("quarantine message: %w", err)
	}
	return nil
}

// ListQuarantine implements Store.
func (s *PostgresStore) ListQuarantine(ctx context.Context, limit int) ([]event.QuarantinedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT id, source_type, message_id, payload, reason, error_message, quarantined_at
		FROM comet_quarantine ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	out := make([]event.QuarantinedMessage, 0)
	for rows.Next() {
		var q event.QuarantinedMessage
		if err := rows.Scan(&q.ID, &q.SourceType, &q.MessageID, &q.Payload, &q.Reason, &q.ErrorMessage, &q.QuarantinedAt); err != nil {
			return nil, fmt.Errorf("scan quarantined message: %w", err)
		}
		q.QuarantinedAt = q.QuarantinedAt.UTC()
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantine: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.pool.Close()
	return nil
}

func scanPgGroup(row pgx.Row) (*Group, error) {
	var g Group
	var state string
	var deadline, routed, escalated, resolved, retry *time.Time
	err := row.Scan(&g.SourceType, &g.Fingerprint, &g.Generation, &state, &deadline, &g.Owner,
		&g.CreatedAt, &g.UpdatedAt, &routed, &escalated, &resolved, &retry,
		&g.DispatchAttempts, &g.LastError, &g.DispatchedCount, &g.EscalationPending)
	if err != nil {
		return nil, err
	}
	g.State = State(state)
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	g.Deadline = derefTime(deadline)
	g.RoutedAt = derefTime(routed)
	g.EscalatedAt = derefTime(escalated)
	g.ResolvedAt = derefTime(resolved)
	g.RetryAt = derefTime(retry)
	return &g, nil
}

func scanPgRecords(rows pgx.Rows) ([]event.Record, error) {
	defer rows.Close()

	out := make([]event.Record, 0)
	for rows.Next() {
		var rec event.Record
		var md, data []byte
		if err := rows.Scan(&rec.ID, &rec.SourceType, &rec.Fingerprint, &rec.Owner, &rec.DeliveryID, &md, &data, &rec.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var err error
		if rec.Metadata, err = decodeMetadata(md); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			rec.Data = data
		}
		rec.ReceivedAt = rec.ReceivedAt.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// Truncate removes all groups, records and quarantined messages.
func (s *PostgresStore) Truncate(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	_, err := s.pool.Exec(ctx, `TRUNCATE comet_groups, comet_events, comet_quarantine`)
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
