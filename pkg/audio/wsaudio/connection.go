package wsaudio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/coder/websocket"
)

var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer = 64

	// readLimit bounds a single PCM message.
	readLimit = 1 << 20
)

// controlMessage is the JSON body of a text message.
type controlMessage struct {
	Type string `json:"type"`
}

// Connection is one open room. Each client stream is a participant.
//
// Connection is safe for concurrent use.
type Connection struct {
	platform *Platform
	room     string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	inputs map[string]chan audio.AudioFrame
	closed bool
	peers  sync.WaitGroup

	eventMu sync.Mutex
	eventCb func(audio.Event)

	endOnce   sync.Once
	closeOnce sync.Once
}

func newConnection(p *Platform, room string) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		platform: p,
		room:     room,
		ctx:      ctx,
		cancel:   cancel,
		inputs:   make(map[string]chan audio.AudioFrame),
	}
}

// InputStreams returns a snapshot of the connected clients' streams keyed by
// user ID.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OnEvent registers cb, replacing any previous callback.
func (c *Connection) OnEvent(cb func(audio.Event)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventCb = cb
}

// Disconnect closes the room, drops every client and waits until all input
// streams are closed. Later calls return nil.
func (c *Connection) Disconnect() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.platform.closeRoom(c)
		c.cancel()
		c.peers.Wait()
		c.platform.logger.Info("wsaudio: room closed", "room", c.room)
	})
	return nil
}

// serve runs one client stream until the client goes away or the room
// closes. The client's input channel is written and closed only here.
func (c *Connection) serve(w http.ResponseWriter, r *http.Request, user, name string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		http.Error(w, "room closed", http.StatusGone)
		return
	}
	if _, dup := c.inputs[user]; dup {
		c.mu.Unlock()
		http.Error(w, "user already streaming", http.StatusConflict)
		return
	}
	ch := make(chan audio.AudioFrame, inputChannelBuffer)
	c.inputs[user] = ch
	c.peers.Add(1)
	c.mu.Unlock()

	defer c.peers.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inputs, user)
		c.mu.Unlock()
		close(ch)
	}()

	logger := c.platform.logger.With("room", c.room, "user", user)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		logger.Warn("wsaudio: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(c.ctx, cancel)
	defer stop()

	c.emit(audio.Event{Type: audio.EventJoin, UserID: user, Username: name})
	logger.Info("wsaudio: participant joined")

	format := c.platform.format
	frameAlign := 2 * format.Channels
	var received int
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, "call ended")
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				logger.Debug("wsaudio: stream read ended", "err", err)
			}
			break
		}
		c.platform.rec.PacketReceived()

		if typ == websocket.MessageText {
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				logger.Warn("wsaudio: invalid control message", "err", err)
				continue
			}
			if msg.Type == "end" {
				logger.Info("wsaudio: participant ended the call")
				c.endCall()
			}
			continue
		}

		if len(data) == 0 || len(data)%frameAlign != 0 {
			c.platform.rec.DecodeFailed()
			logger.Warn("wsaudio: dropping misaligned PCM message", "bytes", len(data))
			continue
		}
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  time.Duration(received/frameAlign) * time.Second / time.Duration(format.SampleRate),
		}
		received += len(data)
		select {
		case ch <- frame:
		default:
		}
	}

	c.emit(audio.Event{Type: audio.EventLeave, UserID: user, Username: name})
	logger.Info("wsaudio: participant left")
}

func (c *Connection) endCall() {
	c.endOnce.Do(func() {
		c.emit(audio.Event{Type: audio.EventCallEnded})
	})
}

func (c *Connection) emit(ev audio.Event) {
	c.eventMu.Lock()
	cb := c.eventCb
	c.eventMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
