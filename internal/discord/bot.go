// Package discord owns the Discord gateway session of voicerelay. It opens
// the bot session, exposes the voice [audio.Platform] built on it and routes
// slash command interactions to registered handlers.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/voicerelay/pkg/audio"
	discordaudio "github.com/MrWong99/voicerelay/pkg/audio/discord"
)

// Config holds Discord bot configuration.
type Config struct {
	// Token is the bot token without the "Bot " prefix.
	Token string

	// GuildID is the guild whose voice channel is relayed.
	GuildID string

	// OperatorRoleID restricts privileged commands. Empty allows everyone.
	OperatorRoleID string
}

// Option configures a [Bot].
type Option func(*Bot)

// WithLogger sets the logger for the bot and its voice platform.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bot) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithRecorder sets the voice packet counter sink.
func WithRecorder(r audio.Recorder) Option {
	return func(b *Bot) {
		b.rec = r
	}
}

// Bot owns the Discord gateway connection.
type Bot struct {
	mu        sync.RWMutex
	session   *discordgo.Session
	platform  *discordaudio.Platform
	router    *CommandRouter
	perms     *PermissionChecker
	guildID   string
	commands  []*discordgo.ApplicationCommand
	logger    *slog.Logger
	rec       audio.Recorder
	closeOnce sync.Once
}

// New creates a Bot and connects it to the Discord gateway.
func New(_ context.Context, cfg Config, opts ...Option) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.New("discord: token is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	b := newBot(session, cfg, opts...)
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	b.logger.Info("discord: session opened", "guild_id", cfg.GuildID)
	return b, nil
}

// newBot wires a Bot around an unopened session.
func newBot(session *discordgo.Session, cfg Config, opts ...Option) *Bot {
	b := &Bot{
		session: session,
		perms:   NewPermissionChecker(cfg.OperatorRoleID),
		guildID: cfg.GuildID,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.router = NewCommandRouter(b.logger)
	b.platform = discordaudio.New(session, cfg.GuildID,
		discordaudio.WithLogger(b.logger),
		discordaudio.WithRecorder(b.rec),
	)

	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.router.Handle(s, i)
	})
	return b
}

// Platform returns the voice platform backed by this session.
func (b *Bot) Platform() audio.Platform {
	return b.platform
}

// GuildID returns the target guild ID.
func (b *Bot) GuildID() string {
	return b.guildID
}

// Router returns the command router for registering handlers.
func (b *Bot) Router() *CommandRouter {
	return b.router
}

// Permissions returns the permission checker.
func (b *Bot) Permissions() *PermissionChecker {
	return b.perms
}

// Run registers the router's slash commands in the guild and blocks until
// ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	cmds := b.router.ApplicationCommands()
	if len(cmds) > 0 {
		appID, err := b.appID()
		if err != nil {
			return err
		}
		registered, err := b.session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
		if err != nil {
			return fmt.Errorf("discord: register commands: %w", err)
		}
		b.mu.Lock()
		b.commands = registered
		b.mu.Unlock()
		b.logger.Info("discord: commands registered", "count", len(registered))
	}

	<-ctx.Done()
	return nil
}

func (b *Bot) appID() (string, error) {
	if b.session.State == nil || b.session.State.User == nil {
		return "", errors.New("discord: session has no application user")
	}
	return b.session.State.User.ID, nil
}

// Close unregisters commands and disconnects from Discord. Only the first
// call does anything.
func (b *Bot) Close() error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if appID, err := b.appID(); err == nil {
			for _, cmd := range b.commands {
				if err := b.session.ApplicationCommandDelete(appID, b.guildID, cmd.ID); err != nil {
					b.logger.Warn("discord: failed to delete command", "name", cmd.Name, "err", err)
				}
			}
		}

		if err := b.session.Close(); err != nil {
			closeErr = fmt.Errorf("discord: close session: %w", err)
		}
		b.logger.Info("discord: bot closed")
	})
	return closeErr
}
