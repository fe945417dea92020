// Package discord provides an [audio.Platform] backed by Discord voice
// channels via bwmarrin/discordgo. It only listens: the bot joins muted,
// decodes every participant's Opus stream and exposes it as PCM
// [audio.AudioFrame] channels.
//
// The platform requires an open *discordgo.Session (owned by the bot layer)
// and a guild ID.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voicerelay/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

var _ audio.Platform = (*Platform)(nil)

// Option configures a [Platform].
type Option func(*Platform)

// WithLogger sets the logger used by the platform and its connections.
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

// Platform implements [audio.Platform] using a discordgo voice connection.
//
// Platform is safe for concurrent use.
type Platform struct {
	session *discordgo.Session
	guildID string
	logger  *slog.Logger
	rec     audio.Recorder
}

// New creates a Discord Platform for the given session and guild.
func New(session *discordgo.Session, guildID string, opts ...Option) *Platform {
	p := &Platform{
		session: session,
		guildID: guildID,
		logger:  slog.Default(),
		rec:     audio.NopRecorder{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect joins the voice channel identified by channelID and returns an
// active [audio.Connection]. The bot joins muted and undeafened. ctx governs
// the join only; the connection lives until [Connection.Disconnect].
func (p *Platform) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	vc, err := p.session.ChannelVoiceJoin(p.guildID, channelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}
	p.logger.Info("discord: joined voice channel", "guild_id", p.guildID, "channel_id", channelID)

	c := newConnection(vc, p.guildID, p.selfID(), p.logger, p.rec)
	c.removeHandler = p.session.AddHandler(c.handleVoiceStateUpdate)
	vc.AddHandler(c.handleSpeakingUpdate)
	go c.recvLoop()
	return c, nil
}

func (p *Platform) selfID() string {
	if p.session.State == nil || p.session.State.User == nil {
		return ""
	}
	return p.session.State.User.ID
}
