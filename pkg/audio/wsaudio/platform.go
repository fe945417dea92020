// Package wsaudio provides an [audio.Platform] whose participants stream raw
// PCM over WebSockets. It lets the relay be driven without Discord: a room is
// opened with [Platform.Connect], and each client then connects to
//
//	GET /rooms/{roomID}/stream?user=<id>&name=<display name>
//
// and sends binary messages of signed 16-bit little-endian interleaved PCM in
// the platform's format (48 kHz stereo unless configured otherwise). A text
// message {"type":"end"} ends the call for everyone.
package wsaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

var _ audio.Platform = (*Platform)(nil)

// ErrRoomBusy is returned by Connect for a room that already has an active
// connection.
var ErrRoomBusy = errors.New("wsaudio: room already connected")

// DefaultFormat matches decoded Discord audio.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Option configures a [Platform].
type Option func(*Platform)

// WithFormat sets the PCM format clients are expected to send.
func WithFormat(f audio.Format) Option {
	return func(p *Platform) {
		if f.SampleRate > 0 && f.Channels > 0 {
			p.format = f
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRecorder sets the packet counter sink.
func WithRecorder(r audio.Recorder) Option {
	return func(p *Platform) {
		if r != nil {
			p.rec = r
		}
	}
}

// Platform implements [audio.Platform] for WebSocket clients.
//
// Platform is safe for concurrent use.
type Platform struct {
	format audio.Format
	logger *slog.Logger
	rec    audio.Recorder

	mu    sync.Mutex
	rooms map[string]*Connection
}

// New creates a Platform with the given options applied.
func New(opts ...Option) *Platform {
	p := &Platform{
		format: DefaultFormat,
		logger: slog.Default(),
		rec:    audio.NopRecorder{},
		rooms:  make(map[string]*Connection),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect opens room channelID and returns its [audio.Connection]. Clients
// can stream into the room until the connection is disconnected.
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("wsaudio: open room %q: %w", channelID, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rooms[channelID]; ok {
		return nil, fmt.Errorf("wsaudio: open room %q: %w", channelID, ErrRoomBusy)
	}
	c := newConnection(p, channelID)
	p.rooms[channelID] = c
	p.logger.Info("wsaudio: room opened", "room", channelID)
	return c, nil
}

// Handler returns the HTTP handler serving the stream endpoint.
func (p *Platform) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{roomID}/stream", p.handleStream)
	return mux
}

func (p *Platform) room(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.rooms[id]
	return c, ok
}

func (p *Platform) closeRoom(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[c.room] == c {
		delete(p.rooms, c.room)
	}
}

func (p *Platform) handleStream(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "user is required", http.StatusBadRequest)
		return
	}
	c, ok := p.room(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	c.serve(w, r, user, r.URL.Query().Get("name"))
}
