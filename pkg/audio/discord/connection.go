package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Connection = (*Connection)(nil)

const inputChannelBuffer = 64

// Connection adapts a discordgo.VoiceConnection to [audio.Connection]. It
// demuxes incoming Opus packets by SSRC into per-participant PCM streams.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	guildID string
	selfID  string
	logger  *slog.Logger
	rec     audio.Recorder

	inputsMu sync.RWMutex
	inputs   map[string]chan audio.AudioFrame // keyed by SSRC string
	ssrcUser map[uint32]string

	eventMu sync.Mutex
	eventCb func(audio.Event)

	endOnce   sync.Once
	done      chan struct{}
	recvDone  chan struct{}
	closeOnce sync.Once

	// removeHandler unregisters the VoiceStateUpdate handler.
	removeHandler func()

	// disconnectVC tears down the voice connection. Overridden in tests.
	disconnectVC func() error
}

// newConnection wraps an already-joined voice connection. The caller starts
// recvLoop.
func newConnection(vc *discordgo.VoiceConnection, guildID, selfID string, logger *slog.Logger, rec audio.Recorder) *Connection {
	return &Connection{
		vc:           vc,
		guildID:      guildID,
		selfID:       selfID,
		logger:       logger,
		rec:          rec,
		inputs:       make(map[string]chan audio.AudioFrame),
		ssrcUser:     make(map[uint32]string),
		done:         make(chan struct{}),
		recvDone:     make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
}

// InputStreams returns a snapshot of the current per-participant audio
// channels keyed by SSRC. Every channel is closed once the connection ends.
func (c *Connection) InputStreams() map[string]<-chan audio.AudioFrame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.AudioFrame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OnEvent registers cb for participant and call events, replacing any
// previous callback. Callbacks run on their own goroutine.
func (c *Connection) OnEvent(cb func(audio.Event)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	c.eventCb = cb
}

// Disconnect leaves the voice channel and stops the receive loop. It is safe
// to call more than once; later calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if c.removeHandler != nil {
			c.removeHandler()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
		<-c.recvDone
	})
	return err
}

// SSRCToUserID returns the Discord user behind ssrc, or the SSRC itself
// when no speaking update has identified it yet.
func (c *Connection) SSRCToUserID(ssrc uint32) string {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	if id, ok := c.ssrcUser[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// recvLoop owns the input channels: it is the only writer and closes them
// all when it returns.
func (c *Connection) recvLoop() {
	defer close(c.recvDone)
	defer c.closeInputs()

	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				c.logger.Info("discord: voice receive channel closed")
				c.endCall()
				return
			}
			if pkt == nil {
				continue
			}
			c.rec.PacketReceived()
			c.deliver(pkt, decoders)
		}
	}
}

func (c *Connection) deliver(pkt *discordgo.Packet, decoders map[uint32]*opusDecoder) {
	ssrc := strconv.FormatUint(uint64(pkt.SSRC), 10)

	dec, ok := decoders[pkt.SSRC]
	if !ok {
		var err error
		dec, err = newOpusDecoder()
		if err != nil {
			c.logger.Error("discord: failed to create opus decoder", "ssrc", ssrc, "err", err)
			return
		}
		decoders[pkt.SSRC] = dec
	}

	c.inputsMu.Lock()
	ch, exists := c.inputs[ssrc]
	if !exists {
		ch = make(chan audio.AudioFrame, inputChannelBuffer)
		c.inputs[ssrc] = ch
	}
	c.inputsMu.Unlock()
	if !exists {
		c.emit(audio.Event{Type: audio.EventJoin, UserID: c.SSRCToUserID(pkt.SSRC)})
	}

	pcm, err := dec.decode(pkt.Opus)
	if err != nil {
		c.rec.DecodeFailed()
		c.logger.Warn("discord: opus decode error", "ssrc", ssrc, "err", err)
		return
	}

	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
		Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
	}
	select {
	case ch <- frame:
	default:
		// Slow reader; drop rather than stall every other participant.
	}
}

func (c *Connection) closeInputs() {
	c.inputsMu.Lock()
	defer c.inputsMu.Unlock()
	for id, ch := range c.inputs {
		close(ch)
		delete(c.inputs, id)
	}
}

// handleSpeakingUpdate learns which user is behind an SSRC.
func (c *Connection) handleSpeakingUpdate(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcUser[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// handleVoiceStateUpdate turns voice state changes in our channel into join
// and leave events, and the bot's own departure into EventCallEnded.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu == nil || vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}
	channelID := c.vc.ChannelID
	wasHere := vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID
	isHere := vsu.ChannelID == channelID

	if c.selfID != "" && vsu.UserID == c.selfID {
		if !isHere {
			c.logger.Info("discord: bot left the voice channel", "channel_id", channelID)
			c.endCall()
		}
		return
	}

	var username string
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}
	switch {
	case wasHere && !isHere:
		c.emit(audio.Event{Type: audio.EventLeave, UserID: vsu.UserID, Username: username})
	case isHere && !wasHere:
		c.emit(audio.Event{Type: audio.EventJoin, UserID: vsu.UserID, Username: username})
	}
}

// endCall emits EventCallEnded at most once.
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
