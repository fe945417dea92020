package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ─── mock DB ─────────────────────────────────────────────────────────────────

type mockRows struct {
	data    [][]any
	idx     int
	err     error
	closed  bool
	scanErr error
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *uuid.UUID:
			*d = v.(uuid.UUID)
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *bool:
			*d = v.(bool)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			*d = v.(*time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryFunc func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

// ─── Migrate ─────────────────────────────────────────────────────────────────

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()

	var gotSQL string
	db := &mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}}
	if err := NewPostgresStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if gotSQL != Schema {
		t.Error("Migrate did not execute Schema")
	}

	failing := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}}
	err := NewPostgresStore(failing).Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "journal: migrate") {
		t.Errorf("Migrate = %v, want wrapped error", err)
	}
}

// ─── Begin / Finish ──────────────────────────────────────────────────────────

func TestPostgresStore_Begin(t *testing.T) {
	t.Parallel()

	e := NewEntry(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC))
	e.Platform = "discord"
	e.ChannelID = "222"
	e.Target = "session.mp3"
	e.SampleRate = 48000
	e.Channels = 2

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}}
	if err := NewPostgresStore(db).Begin(context.Background(), e); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !strings.Contains(gotSQL, "INSERT INTO relay_sessions") {
		t.Errorf("SQL = %q", gotSQL)
	}
	if len(gotArgs) != 7 || gotArgs[0] != e.ID || gotArgs[3] != "session.mp3" || gotArgs[4] != 48000 {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_Finish(t *testing.T) {
	t.Parallel()

	e := NewEntry(time.Now())
	e.StoppedAt = e.StartedAt.Add(time.Minute)
	e.StopReason = "call ended"
	e.FramesAccepted = 10
	e.FramesDropped = 2
	e.BytesWritten = 38400
	e.ExitCode = 0

	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
		gotArgs = args
		return pgconn.NewCommandTag("UPDATE 1"), nil
	}}
	if err := NewPostgresStore(db).Finish(context.Background(), e); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(gotArgs) != 8 {
		t.Fatalf("got %d args, want 8", len(gotArgs))
	}
	if gotArgs[2] != "call ended" || gotArgs[3] != int64(10) || gotArgs[5] != int64(38400) {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_FinishErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		tag     pgconn.CommandTag
		err     error
		wantErr error
	}{
		{name: "no row", tag: pgconn.NewCommandTag("UPDATE 0"), wantErr: ErrNotFound},
		{name: "exec failure", err: pgx.ErrTxClosed, wantErr: pgx.ErrTxClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return tt.tag, tt.err
			}}
			err := NewPostgresStore(db).Finish(context.Background(), NewEntry(time.Now()))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Finish = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ─── Recent ──────────────────────────────────────────────────────────────────

func TestPostgresStore_Recent(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	stopped := started.Add(time.Hour)
	idA, idB := uuid.New(), uuid.New()

	rows := &mockRows{data: [][]any{
		{idA, "websocket", "default", "ffplay -", 24000, 1, started.Add(2 * time.Hour),
			(*time.Time)(nil), "", int64(0), int64(0), int64(0), 0, false},
		{idB, "discord", "222", "out.mp3", 48000, 2, started,
			&stopped, "call ended", int64(100), int64(3), int64(384000), 0, false},
	}}
	var gotLimit any
	db := &mockDB{queryFunc: func(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
		gotLimit = args[0]
		return rows, nil
	}}

	got, err := NewPostgresStore(db).Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if gotLimit != 20 {
		t.Errorf("limit = %v, want default 20", gotLimit)
	}
	if !rows.closed {
		t.Error("rows not closed")
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].ID != idA || got[0].Finished() {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].ID != idB || !got[1].StoppedAt.Equal(stopped) || got[1].FramesAccepted != 100 || got[1].BytesWritten != 384000 {
		t.Errorf("entry 1 = %+v", got[1])
	}
}

func TestPostgresStore_RecentErrors(t *testing.T) {
	t.Parallel()

	t.Run("query", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return nil, errors.New("connection reset")
		}}
		if _, err := NewPostgresStore(db).Recent(context.Background(), 5); err == nil {
			t.Error("Recent = nil error")
		}
	})
	t.Run("scan", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{{}}, scanErr: errors.New("bad column")}, nil
		}}
		_, err := NewPostgresStore(db).Recent(context.Background(), 5)
		if err == nil || !strings.Contains(err.Error(), "journal: scan") {
			t.Errorf("Recent = %v, want scan error", err)
		}
	})
	t.Run("rows", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{err: errors.New("stream broken")}, nil
		}}
		if _, err := NewPostgresStore(db).Recent(context.Background(), 5); err == nil {
			t.Error("Recent = nil error")
		}
	})
}

// ─── integration ─────────────────────────────────────────────────────────────

func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("VOICERELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOICERELAY_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, closeFn, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer closeFn()

	e := NewEntry(time.Now().Truncate(time.Microsecond))
	e.Platform = "discord"
	e.Target = "integration.wav"
	e.SampleRate = 16000
	e.Channels = 1
	if err := s.Begin(ctx, e); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.Exec(context.Background(), "DELETE FROM relay_sessions WHERE id = $1", e.ID)
	})

	e.StoppedAt = e.StartedAt.Add(time.Second)
	e.StopReason = "duration elapsed"
	e.FramesAccepted = 50
	if err := s.Finish(ctx, e); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	recent, err := s.Recent(ctx, 50)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	for _, r := range recent {
		if r.ID == e.ID {
			if r.StopReason != e.StopReason || r.FramesAccepted != 50 || !r.Finished() {
				t.Errorf("stored entry = %+v", r)
			}
			return
		}
	}
	t.Errorf("entry %s not found in Recent", e.ID)
}
