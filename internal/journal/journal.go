// Package journal records one row per relay session: when it ran, where the
// audio went, why it stopped and how much was relayed.
//
// Two [Store] implementations exist: [MemoryStore] for runs without a
// database and [PostgresStore] backed by jackc/pgx.
package journal

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry ID is unknown.
var ErrNotFound = errors.New("journal: entry not found")

// Entry is the record of one relay session.
type Entry struct {
	ID uuid.UUID `json:"id"`

	// Platform and ChannelID identify the call.
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`

	// Target is the output file or the live command.
	Target     string `json:"target"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`

	StartedAt time.Time `json:"started_at"`

	// The remaining fields are set by [Store.Finish].
	StoppedAt      time.Time `json:"stopped_at,omitzero"`
	StopReason     string    `json:"stop_reason,omitempty"`
	FramesAccepted uint64    `json:"frames_accepted"`
	FramesDropped  uint64    `json:"frames_dropped"`
	BytesWritten   uint64    `json:"bytes_written"`
	ExitCode       int       `json:"exit_code"`
	Killed         bool      `json:"killed"`
}

// Finished reports whether the session has ended.
func (e *Entry) Finished() bool {
	return !e.StoppedAt.IsZero()
}

// NewEntry returns an entry with a fresh random ID started at now.
func NewEntry(now time.Time) *Entry {
	return &Entry{ID: uuid.New(), StartedAt: now.UTC()}
}

// Store persists journal entries. Implementations must be safe for
// concurrent use.
type Store interface {
	// Begin records a started session.
	Begin(ctx context.Context, e *Entry) error

	// Finish records the outcome of a session previously passed to Begin.
	Finish(ctx context.Context, e *Entry) error

	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Begin(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *MemoryStore) Finish(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == e.ID {
			s.entries[i] = *e
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.entries)
	slices.SortStableFunc(out, func(a, b Entry) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
