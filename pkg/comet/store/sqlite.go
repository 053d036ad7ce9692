package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/randalmurphal/comet/pkg/comet/event"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS groups (
	source_type TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generation INTEGER NOT NULL,
	state TEXT NOT NULL,
	deadline TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	routed_at TEXT NOT NULL DEFAULT '',
	escalated_at TEXT NOT NULL DEFAULT '',
	resolved_at TEXT NOT NULL DEFAULT '',
	retry_at TEXT NOT NULL DEFAULT '',
	dispatch_attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	dispatched_count INTEGER NOT NULL DEFAULT 0,
	escalation_pending INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_type, fingerprint)
);
CREATE INDEX IF NOT EXISTS idx_groups_state ON groups(state);
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	source_type TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	generation INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	owner TEXT NOT NULL,
	delivery_id TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	data BLOB,
	received_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_group ON events(source_type, fingerprint, generation, seq);
CREATE INDEX IF NOT EXISTS idx_events_owner ON events(owner);
CREATE TABLE IF NOT EXISTS quarantine (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source_type TEXT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	payload BLOB,
	reason TEXT NOT NULL,
	error_message TEXT NOT NULL,
	quarantined_at TEXT NOT NULL
);
`

const groupColumns = `source_type, fingerprint, generation, state, deadline, owner,
	created_at, updated_at, routed_at, escalated_at, resolved_at, retry_at,
	dispatch_attempts, last_error, dispatched_count, escalation_pending`

// SQLiteStore persists groups to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens or creates a SQLite group store.
// The path should be a file path (e.g., "./comet.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups
		WHERE source_type = ? AND fingerprint = ?`, key.SourceType, key.Fingerprint)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load group %s: %w", key, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, source_type, fingerprint, owner, delivery_id, metadata, data, received_at
		FROM events
		WHERE source_type = ? AND fingerprint = ? AND generation = ?
		ORDER BY seq`, key.SourceType, key.Fingerprint, g.Generation)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", key, err)
	}
	defer rows.Close()

	g.Members, err = scanRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("load members of %s: %w", key, err)
	}
	return g, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	pending := 0
	if g.EscalationPending {
		pending = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_type, fingerprint) DO UPDATE SET
			generation = excluded.generation,
			state = excluded.state,
			deadline = excluded.deadline,
			owner = excluded.owner,
			updated_at = excluded.updated_at,
			routed_at = excluded.routed_at,
			escalated_at = excluded.escalated_at,
			resolved_at = excluded.resolved_at,
			retry_at = excluded.retry_at,
			dispatch_attempts = excluded.dispatch_attempts,
			last_error = excluded.last_error,
			dispatched_count = excluded.dispatched_count,
			escalation_pending = excluded.escalation_pending`,
		g.SourceType, g.Fingerprint, g.Generation, string(g.State), formatTime(g.Deadline), g.Owner,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt), formatTime(g.RoutedAt), formatTime(g.EscalatedAt),
		formatTime(g.ResolvedAt), formatTime(g.RetryAt), g.DispatchAttempts, g.LastError, g.DispatchedCount, pending)
	if err != nil {
		return fmt.Errorf("save group %s: %w", g.Key, err)
	}

	for i, rec := range g.Members {
		md, err := encodeMetadata(rec.Metadata)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT OR IGNORE INTO events
			(id, source_type, fingerprint, generation, seq, owner, delivery_id, metadata, data, received_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, g.SourceType, g.Fingerprint, g.Generation, i, rec.Owner, rec.DeliveryID,
			string(md), []byte(rec.Data), formatTime(rec.ReceivedAt))
		if err != nil {
			return fmt.Errorf("save member %s of %s: %w", rec.ID, g.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit group %s: %w", g.Key, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]*Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	var where []string
	var args []any
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if len(f.States) > 0 {
		ph := make([]string, len(f.States))
		for i, st := range f.States {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(ph, ", ")+")")
	}

	query := `SELECT ` + groupColumns + ` FROM groups`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY source_type, fingerprint"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*Group, 0)
	for rows.Next() {
		g, err := scanGroup(rows)
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
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE source_type = ? AND fingerprint = ?`,
		key.SourceType, key.Fingerprint); err != nil {
		return fmt.Errorf("delete members of %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE source_type = ? AND fingerprint = ?`,
		key.SourceType, key.Fingerprint); err != nil {
		return fmt.Errorf("delete group %s: %w", key, err)
	}
	return tx.Commit()
}

// ListRecords implements Store.
func (s *SQLiteStore) ListRecords(ctx context.Context, f RecordFilter) ([]event.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT id, source_type, fingerprint, owner, delivery_id, metadata, data, received_at FROM events`
	var where []string
	var args []any
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if f.SourceType != "" {
		where = append(where, "source_type = ?")
		args = append(args, f.SourceType)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY received_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Quarantine implements Store.
func (s *SQLiteStore) Quarantine(ctx context.Context, msg event.QuarantinedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO quarantine
		(source_type, message_id, payload, reason, error_message, quarantined_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SourceType, msg.MessageID, msg.Payload, msg.Reason, msg.ErrorMessage, formatTime(msg.QuarantinedAt))
	if err != nil {
		return fmt.Errorf("quarantine message: %w", err)
	}
	return nil
}

// ListQuarantine implements Store.
func (s *SQLiteStore) ListQuarantine(ctx context.Context, limit int) ([]event.QuarantinedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	query := `SELECT id, source_type, message_id, payload, reason, error_message, quarantined_at
		FROM quarantine ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list quarantine: %w", err)
	}
	defer rows.Close()

	out := make([]event.QuarantinedMessage, 0)
	for rows.Next() {
		var q event.QuarantinedMessage
		var at string
		if err := rows.Scan(&q.ID, &q.SourceType, &q.MessageID, &q.Payload, &q.Reason, &q.ErrorMessage, &at); err != nil {
			return nil, fmt.Errorf("scan quarantined message: %w", err)
		}
		if q.QuarantinedAt, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantine: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroup(row scanner) (*Group, error) {
	var g Group
	var state, deadline, created, updated, routed, escalated, resolved, retry string
	var pending int
	err := row.Scan(&g.SourceType, &g.Fingerprint, &g.Generation, &state, &deadline, &g.Owner,
		&created, &updated, &routed, &escalated, &resolved, &retry,
		&g.DispatchAttempts, &g.LastError, &g.DispatchedCount, &pending)
	if err != nil {
		return nil, err
	}
	g.State = State(state)
	g.EscalationPending = pending != 0

	for _, f := range []struct {
		dst *time.Time
		src string
	}{
		{&g.Deadline, deadline}, {&g.CreatedAt, created}, {&g.UpdatedAt, updated},
		{&g.RoutedAt, routed}, {&g.EscalatedAt, escalated}, {&g.ResolvedAt, resolved}, {&g.RetryAt, retry},
	} {
		if *f.dst, err = parseTime(f.src); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func scanRecords(rows *sql.Rows) ([]event.Record, error) {
	out := make([]event.Record, 0)
	for rows.Next() {
		var rec event.Record
		var md, received string
		var data []byte
		if err := rows.Scan(&rec.ID, &rec.SourceType, &rec.Fingerprint, &rec.Owner, &rec.DeliveryID, &md, &data, &received); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var err error
		if rec.Metadata, err = decodeMetadata([]byte(md)); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			rec.Data = data
		}
		if rec.ReceivedAt, err = parseTime(received); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}
