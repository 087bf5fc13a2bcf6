package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// PostgresStore persists the session journal in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			duration_seconds BIGINT NOT NULL DEFAULT 0,
			summary TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions (session_id),
			sequence_num INT NOT NULL,
			kind TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, sequence_num)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events (session_id, sequence_num);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) StartSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, status, started_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE SET status = $2, ended_at = NULL`,
		sessionID,
		StatusActive,
	)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, rec EventRecord) (EventRecord, error) {
	rec.ID = ulid.Make().String()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// One writer per session, so the max+1 subquery is race-free in
	// practice; the unique constraint catches anything else.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (id, session_id, sequence_num, kind, role, content, tool_call_id, tool_name, created_at)
		 SELECT $1, $2, COALESCE(MAX(sequence_num), 0) + 1, $3, $4, $5, $6, $7, $8
		 FROM events WHERE session_id = $2
		 RETURNING sequence_num`,
		rec.ID,
		rec.SessionID,
		rec.Kind,
		rec.Role,
		rec.Content,
		rec.ToolCallID,
		rec.ToolName,
		rec.CreatedAt,
	).Scan(&rec.Seq)
	if err != nil {
		return EventRecord{}, fmt.Errorf("append event: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FinishSession(ctx context.Context, sessionID, status, summary string, duration time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions
		 SET status = $2, summary = $3, duration_seconds = $4, ended_at = now()
		 WHERE session_id = $1`,
		sessionID,
		status,
		summary,
		int64(duration.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Session(ctx context.Context, sessionID string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, status, started_at, ended_at, duration_seconds, summary
		 FROM sessions WHERE session_id = $1`,
		sessionID,
	).Scan(&rec.ID, &rec.Status, &rec.StartedAt, &rec.EndedAt, &rec.DurationSeconds, &rec.Summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("query session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) Events(ctx context.Context, sessionID string) ([]EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, sequence_num, kind, role, content, tool_call_id, tool_name, created_at
		 FROM events WHERE session_id = $1 ORDER BY sequence_num`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var items []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Seq, &r.Kind, &r.Role, &r.Content, &r.ToolCallID, &r.ToolName, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
