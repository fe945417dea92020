package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the relay_sessions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS relay_sessions (
    id              UUID PRIMARY KEY,
    platform        TEXT NOT NULL DEFAULT '',
    channel_id      TEXT NOT NULL DEFAULT '',
    target          TEXT NOT NULL DEFAULT '',
    sample_rate     INTEGER NOT NULL,
    channels        INTEGER NOT NULL,
    started_at      TIMESTAMPTZ NOT NULL,
    stopped_at      TIMESTAMPTZ,
    stop_reason     TEXT NOT NULL DEFAULT '',
    frames_accepted BIGINT NOT NULL DEFAULT 0,
    frames_dropped  BIGINT NOT NULL DEFAULT 0,
    bytes_written   BIGINT NOT NULL DEFAULT 0,
    exit_code       INTEGER NOT NULL DEFAULT 0,
    killed          BOOLEAN NOT NULL DEFAULT false
);
CREATE INDEX IF NOT EXISTS idx_relay_sessions_started ON relay_sessions(started_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db. Call [PostgresStore.Migrate]
// before the first write.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, verifies it and applies the schema. The
// returned close function releases the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("journal: ping: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Begin(ctx context.Context, e *Entry) error {
	const query = `
		INSERT INTO relay_sessions (id, platform, channel_id, target, sample_rate, channels, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.Exec(ctx, query,
		e.ID, e.Platform, e.ChannelID, e.Target, e.SampleRate, e.Channels, e.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("journal: begin %s: %w", e.ID, err)
	}
	return nil
}

func (s *PostgresStore) Finish(ctx context.Context, e *Entry) error {
	const query = `
		UPDATE relay_sessions
		SET stopped_at = $2, stop_reason = $3, frames_accepted = $4, frames_dropped = $5,
		    bytes_written = $6, exit_code = $7, killed = $8
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		e.ID, e.StoppedAt, e.StopReason,
		int64(e.FramesAccepted), int64(e.FramesDropped), int64(e.BytesWritten),
		e.ExitCode, e.Killed,
	)
	if err != nil {
		return fmt.Errorf("journal: finish %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journal: finish %s: %w", e.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT id, platform, channel_id, target, sample_rate, channels, started_at,
		       stopped_at, stop_reason, frames_accepted, frames_dropped, bytes_written,
		       exit_code, killed
		FROM relay_sessions
		ORDER BY started_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                         Entry
			stoppedAt                 *time.Time
			accepted, dropped, writes int64
		)
		if err := rows.Scan(
			&e.ID, &e.Platform, &e.ChannelID, &e.Target, &e.SampleRate, &e.Channels, &e.StartedAt,
			&stoppedAt, &e.StopReason, &accepted, &dropped, &writes,
			&e.ExitCode, &e.Killed,
		); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		if stoppedAt != nil {
			e.StoppedAt = *stoppedAt
		}
		e.FramesAccepted = uint64(accepted)
		e.FramesDropped = uint64(dropped)
		e.BytesWritten = uint64(writes)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return out, nil
}
