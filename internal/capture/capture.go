// Package capture feeds the audio of a voice call into a relay session.
//
// A [Bridge] watches an [audio.Connection] for participant streams, mixes
// them into the session's format on a fixed tick and offers each chunk to
// the session. It also turns the end of the call into a stop request and
// implements the session's call-leaving hook.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/MrWong99/voicerelay/pkg/audio/mixer"
)

// DefaultRescanInterval is how often the bridge looks for participant
// streams it has not seen a join event for.
const DefaultRescanInterval = time.Second

// Sink receives mixed PCM. *relay.Session satisfies it.
type Sink interface {
	Offer(chunk []byte) bool
	Stop(reason string) bool
}

var _ Sink = (*relay.Session)(nil)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTick sets the mixing period.
func WithTick(d time.Duration) Option {
	return func(b *Bridge) {
		b.mixerOpts = append(b.mixerOpts, mixer.WithTick(d))
	}
}

// WithMaxBacklog bounds the audio buffered per participant.
func WithMaxBacklog(d time.Duration) Option {
	return func(b *Bridge) {
		b.mixerOpts = append(b.mixerOpts, mixer.WithMaxBacklog(d))
	}
}

// WithRescanInterval sets how often the connection's streams are re-read.
func WithRescanInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.rescan = d
		}
	}
}

// Stats is a snapshot of a bridge's counters.
type Stats struct {
	Participants   int    `json:"participants"`
	ChunksOffered  uint64 `json:"chunks_offered"`
	ChunksRejected uint64 `json:"chunks_rejected"`
}

// Bridge connects one [audio.Connection] to one [Sink].
type Bridge struct {
	conn   audio.Connection
	sink   Sink
	format audio.Format
	logger *slog.Logger
	rescan time.Duration

	mixerOpts []mixer.Option
	mix       *mixer.Mixdown

	mu      sync.Mutex
	streams map[string]<-chan audio.AudioFrame // participant ID -> current stream
	gen     int

	offered  atomic.Uint64
	rejected atomic.Uint64
	ended    atomic.Bool
	left     atomic.Bool
}

// New creates a bridge delivering PCM in format to sink.
func New(conn audio.Connection, sink Sink, format audio.Format, opts ...Option) *Bridge {
	b := &Bridge{
		conn:    conn,
		sink:    sink,
		format:  format,
		logger:  slog.Default(),
		rescan:  DefaultRescanInterval,
		streams: make(map[string]<-chan audio.AudioFrame),
	}
	for _, o := range opts {
		o(b)
	}
	b.mix = mixer.New(format, append([]mixer.Option{mixer.WithLogger(b.logger)}, b.mixerOpts...)...)
	return b
}

// Run relays audio until ctx is done. On return the connection has been
// disconnected and every participant reader has finished.
func (b *Bridge) Run(ctx context.Context) {
	b.conn.OnEvent(b.handleEvent)
	b.scan()

	stopLeave := context.AfterFunc(ctx, func() {
		_ = b.Leave(context.Background())
	})
	defer stopLeave()

	go b.rescanLoop(ctx)

	b.logger.Info("capture: relaying call audio", "format", b.format.String())
	b.mix.Run(ctx, b.offer)
}

// Leave disconnects from the call. It reports [relay.ErrNotInCall] when the
// call already ended or a previous Leave ran.
func (b *Bridge) Leave(ctx context.Context) error {
	if !b.left.CompareAndSwap(false, true) {
		return relay.ErrNotInCall
	}

	done := make(chan error, 1)
	go func() { done <- b.conn.Disconnect() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if b.ended.Load() {
		if err != nil {
			b.logger.Debug("capture: disconnect after call end", "err", err)
		}
		return relay.ErrNotInCall
	}
	if err != nil {
		return fmt.Errorf("capture: disconnect: %w", err)
	}
	b.logger.Info("capture: left the call")
	return nil
}

// Stats returns the bridge's counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Participants:   b.mix.Participants(),
		ChunksOffered:  b.offered.Load(),
		ChunksRejected: b.rejected.Load(),
	}
}

func (b *Bridge) offer(chunk []byte) {
	if b.sink.Offer(chunk) {
		b.offered.Add(1)
		return
	}
	b.rejected.Add(1)
}

func (b *Bridge) handleEvent(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		b.logger.Info("capture: participant joined", "user_id", ev.UserID, "username", ev.Username)
		b.scan()
	case audio.EventLeave:
		b.logger.Info("capture: participant left", "user_id", ev.UserID, "username", ev.Username)
	case audio.EventCallEnded:
		b.ended.Store(true)
		b.logger.Info("capture: call ended")
		b.sink.Stop(relay.ReasonCallEnded)
	}
}

func (b *Bridge) rescanLoop(ctx context.Context) {
	ticker := time.NewTicker(b.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.scan()
		}
	}
}

// scan adds every stream the mixer is not reading yet. A participant that
// reconnects with a new stream gets a fresh mixer key.
func (b *Bridge) scan() {
	if b.left.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.conn.InputStreams() {
		if b.streams[id] == ch {
			continue
		}
		b.gen++
		key := id + "#" + strconv.Itoa(b.gen)
		b.streams[id] = ch
		b.mix.Add(key, ch)
		b.logger.Debug("capture: reading participant stream", "user_id", id)
	}
}
