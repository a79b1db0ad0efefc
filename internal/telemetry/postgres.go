package telemetry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turn_records (
    id               BIGSERIAL    PRIMARY KEY,
    session_id       TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL DEFAULT '',
    trace_id         TEXT         NOT NULL DEFAULT '',
    turn             INTEGER      NOT NULL,
    kind             TEXT         NOT NULL,
    mode             TEXT         NOT NULL,
    started_at       TIMESTAMPTZ  NOT NULL,
    duration_ns      BIGINT       NOT NULL,
    frames_sent      INTEGER      NOT NULL DEFAULT 0,
    silence_frames   INTEGER      NOT NULL DEFAULT 0,
    injected         BOOLEAN      NOT NULL DEFAULT FALSE,
    audio_chunks     INTEGER      NOT NULL DEFAULT 0,
    frames_played    INTEGER      NOT NULL DEFAULT 0,
    text_parts       INTEGER      NOT NULL DEFAULT 0,
    first_content_ns BIGINT       NOT NULL DEFAULT 0,
    outcome          TEXT         NOT NULL,
    reason           TEXT         NOT NULL DEFAULT ''
);

ALTER TABLE turn_records
    ADD COLUMN IF NOT EXISTS stale_content INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_turn_records_session
    ON turn_records (session_id, turn);
`

// PostgresSink stores every turn record in PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink connects to dsn and ensures the turn_records table exists.
func NewPostgresSink(ctx context.Context, dsn string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: parse dsn: %w", err)
	}
	// The device writes a handful of rows per minute.
	cfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres sink: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres sink: migrate: %w", err)
	}
	return &PostgresSink{pool: pool}, nil
}

// Migrate creates the turn_records table and index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurns); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Write implements [Sink].
func (s *PostgresSink) Write(ctx context.Context, rec TurnRecord) error {
	const q = `
		INSERT INTO turn_records
		    (session_id, conversation_id, trace_id, turn, kind, mode, started_at,
		     duration_ns, frames_sent, silence_frames, injected, audio_chunks,
		     frames_played, text_parts, first_content_ns, outcome, reason, stale_content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.ConversationID,
		rec.TraceID,
		rec.Turn,
		string(rec.Kind),
		rec.Mode,
		rec.Started,
		rec.Duration.Nanoseconds(),
		rec.FramesSent,
		rec.SilenceFrames,
		rec.Injected,
		rec.AudioChunks,
		rec.FramesPlayed,
		rec.TextParts,
		rec.FirstContent.Nanoseconds(),
		string(rec.Outcome),
		rec.Reason,
		rec.StaleContent,
	)
	if err != nil {
		return fmt.Errorf("postgres sink: write turn: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable. Used as a readiness check.
func (s *PostgresSink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}
