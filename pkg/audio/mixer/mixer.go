// Package mixer combines the per-participant PCM streams of a call into the
// single stream handed to the relay.
package mixer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

const (
	// DefaultTick is the mixing period. It matches the Opus frame duration.
	DefaultTick = 20 * time.Millisecond

	// DefaultMaxBacklog is how much audio a single participant may have
	// buffered before its oldest samples are discarded.
	DefaultMaxBacklog = 500 * time.Millisecond
)

// Option configures a [Mixdown].
type Option func(*Mixdown)

// WithTick sets the mixing period.
func WithTick(d time.Duration) Option {
	return func(m *Mixdown) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithMaxBacklog bounds the per-participant buffer.
func WithMaxBacklog(d time.Duration) Option {
	return func(m *Mixdown) {
		if d > 0 {
			m.maxBacklog = d
		}
	}
}

// WithSilence controls whether a tick with nothing to mix emits a silent
// chunk. It is on by default so the consumer sees a continuous stream.
func WithSilence(emit bool) Option {
	return func(m *Mixdown) {
		m.silence = emit
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mixdown) {
		if l != nil {
			m.logger = l
		}
	}
}

// Mixdown sums any number of participant streams, all in the same format,
// into one stream of fixed-size chunks. Samples are added with saturation.
// A participant that has fewer samples than one chunk contributes what it
// has; the rest of the chunk is silence for that participant.
//
// All exported methods are safe for concurrent use.
type Mixdown struct {
	format     audio.Format
	tick       time.Duration
	maxBacklog time.Duration
	silence    bool
	logger     *slog.Logger

	mu      sync.Mutex
	sources map[string][]byte
	trimmed map[string]bool
	ended   map[string]bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a mixer for streams in format.
func New(format audio.Format, opts ...Option) *Mixdown {
	m := &Mixdown{
		format:     format,
		tick:       DefaultTick,
		maxBacklog: DefaultMaxBacklog,
		silence:    true,
		logger:     slog.Default(),
		sources:    make(map[string][]byte),
		trimmed:    make(map[string]bool),
		ended:      make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// ChunkBytes is the size of every chunk produced by [Mixdown.Mix].
func (m *Mixdown) ChunkBytes() int {
	return m.format.FrameBytes(m.tick)
}

// Add starts reading participant id from ch. Frames in another format are
// converted. Once ch is closed the participant is removed as soon as its
// pending audio has been mixed. Adding an id that is already present, or
// adding once [Mixdown.Run] is shutting down, is a no-op.
func (m *Mixdown) Add(id string, ch <-chan audio.AudioFrame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; ok || m.closed {
		return
	}
	m.sources[id] = nil
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.end(id)
		conv := audio.FormatConverter{Target: m.format, Logger: m.logger}
		for frame := range ch {
			m.Push(id, conv.Convert(frame).Data)
		}
	}()
}

// Push appends PCM in the mixer's format to participant id, registering it
// if needed. When the backlog exceeds the limit the oldest samples are
// dropped.
func (m *Mixdown) Push(id string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	limit := m.format.FrameBytes(m.maxBacklog)

	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append(m.sources[id], pcm...)
	if over := len(buf) - limit; over > 0 {
		align := 2 * m.format.Channels
		over = (over + align - 1) / align * align
		buf = buf[over:]
		if !m.trimmed[id] {
			m.trimmed[id] = true
			m.logger.Debug("mixer: participant backlog full, dropping oldest audio", "participant", id)
		}
	} else {
		m.trimmed[id] = false
	}
	m.sources[id] = buf
}

// Remove forgets participant id and discards its pending audio.
func (m *Mixdown) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forget(id)
}

func (m *Mixdown) end(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sources[id]; ok {
		m.ended[id] = true
	}
}

// forget must be called with mu held.
func (m *Mixdown) forget(id string) {
	delete(m.sources, id)
	delete(m.trimmed, id)
	delete(m.ended, id)
}

// Participants returns the number of registered participants.
func (m *Mixdown) Participants() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// Mix consumes up to one chunk from every participant and returns their sum.
// It returns nil when nobody had audio and silence is disabled.
func (m *Mixdown) Mix() []byte {
	size := m.ChunkBytes()
	acc := make([]int32, size/2)
	heard := false

	m.mu.Lock()
	for id, buf := range m.sources {
		n := min(len(buf), size)
		if n == 0 {
			if m.ended[id] {
				m.forget(id)
			}
			continue
		}
		heard = true
		for i := 0; i+1 < n; i += 2 {
			acc[i/2] += int32(int16(buf[i]) | int16(buf[i+1])<<8)
		}
		m.sources[id] = buf[n:]
	}
	m.mu.Unlock()

	if !heard && !m.silence {
		return nil
	}
	out := make([]byte, size)
	for i, v := range acc {
		s := clamp(v)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// Run calls out with one mixed chunk per tick until ctx is done, then waits
// for the participant readers started by [Mixdown.Add] to finish. out runs
// on the Run goroutine and must not block.
func (m *Mixdown) Run(ctx context.Context, out func([]byte)) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.closed = true
			m.mu.Unlock()
			m.wg.Wait()
			return
		case <-ticker.C:
			if chunk := m.Mix(); chunk != nil {
				out(chunk)
			}
		}
	}
}

func clamp(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}
