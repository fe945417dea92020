// Package mock provides in-memory implementations of [audio.Platform] and
// [audio.Connection] for unit tests.
//
// The mocks are safe for concurrent use. They record calls so tests can
// assert on them, and expose fields that control return values.
//
// Typical usage:
//
//	conn := mock.NewConnection()
//	alice := conn.AddStream("alice")
//	platform := &mock.Platform{ConnectResult: conn}
//	got, err := platform.Connect(ctx, "channel-42")
//	alice <- audio.AudioFrame{...}
//	conn.EmitEvent(audio.Event{Type: audio.EventCallEnded})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicerelay/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock [audio.Connection] whose participant streams are
// created by the test with [Connection.AddStream].
type Connection struct {
	mu sync.Mutex

	streams      map[string]chan audio.AudioFrame
	callback     func(audio.Event)
	disconnected bool

	// DisconnectError is returned by the first [Connection.Disconnect] call.
	DisconnectError error

	// CallCountInputStreams records how many times InputStreams was called.
	CallCountInputStreams int

	// CallCountDisconnect records how many times Disconnect was called.
	CallCountDisconnect int
}

// NewConnection returns an empty mock connection.
func NewConnection() *Connection {
	return &Connection{streams: make(map[string]chan audio.AudioFrame)}
}

// AddStream registers a participant and returns the channel that feeds it.
// It does not emit a join event; call [Connection.EmitEvent] for that.
func (c *Connection) AddStream(id string) chan<- audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streams == nil {
		c.streams = make(map[string]chan audio.AudioFrame)
	}
	ch := make(chan audio.AudioFrame, 16)
	c.streams[id] = ch
	return ch
}

// InputStreams implements [audio.Connection].
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountInputStreams++
	snap := make(map[string]<-chan audio.AudioFrame, len(c.streams))
	for id, ch := range c.streams {
		snap[id] = ch
	}
	return snap
}

// OnEvent implements [audio.Connection].
func (c *Connection) OnEvent(cb func(audio.Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// Disconnect implements [audio.Connection]. The first call closes every
// stream added so far. Streams must not be written after Disconnect.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDisconnect++
	if c.disconnected {
		return nil
	}
	c.disconnected = true
	for id, ch := range c.streams {
		close(ch)
		delete(c.streams, id)
	}
	return c.DisconnectError
}

// Disconnected reports whether Disconnect has been called.
func (c *Connection) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// HasCallback reports whether an event callback is registered.
func (c *Connection) HasCallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callback != nil
}

// EmitEvent calls the registered callback synchronously with ev.
func (c *Connection) EmitEvent(ev audio.Event) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// ConnectResult is the [audio.Connection] returned by Connect.
	ConnectResult audio.Connection

	// ConnectError is the error returned by Connect.
	ConnectError error

	// ConnectCalls records the channel ID of every Connect call.
	ConnectCalls []string
}

// Connect implements [audio.Platform].
func (p *Platform) Connect(_ context.Context, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, channelID)
	if p.ConnectError != nil {
		return nil, p.ConnectError
	}
	return p.ConnectResult, nil
}
