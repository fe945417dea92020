// Package config provides the configuration schema and loader for voicerelay.
//
// Values are layered: the YAML file first, then environment variables
// ([ApplyEnv]), then command-line flags applied by the caller. [Validate]
// runs last.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded with
// [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Source    SourceConfig    `yaml:"source"`
	Discord   DiscordConfig   `yaml:"discord"`
	Recording RecordingConfig `yaml:"recording"`
	Relay     RelayConfig     `yaml:"relay"`
	Journal   JournalConfig   `yaml:"journal"`
}

// ServerConfig holds logging and the optional status server.
type ServerConfig struct {
	// ListenAddr is the address of the /healthz, /readyz, /status and
	// /metrics endpoints (e.g. ":9090"). Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// Platform names the voice platform audio is captured from.
type Platform string

const (
	PlatformDiscord   Platform = "discord"
	PlatformWebSocket Platform = "websocket"
)

// DefaultRoom is the websocket room used when none is configured.
const DefaultRoom = "default"

// SourceConfig selects where call audio comes from.
type SourceConfig struct {
	// Platform is "discord" (default) or "websocket". The websocket platform
	// accepts PCM streams on the status server and needs
	// server.listen_addr.
	Platform Platform `yaml:"platform"`

	// Room is the websocket room clients stream into. Default: "default".
	Room string `yaml:"room"`
}

// PlatformOrDefault returns the configured platform, defaulting to Discord.
func (s SourceConfig) PlatformOrDefault() Platform {
	if s.Platform == "" {
		return PlatformDiscord
	}
	return s.Platform
}

// RoomOrDefault returns the configured room, defaulting to [DefaultRoom].
func (s SourceConfig) RoomOrDefault() string {
	if s.Room == "" {
		return DefaultRoom
	}
	return s.Room
}

// DiscordConfig selects the voice channel to relay.
type DiscordConfig struct {
	// Token is the bot token. Usually supplied through DISCORD_TOKEN.
	Token string `yaml:"token"`

	GuildID   string `yaml:"guild_id"`
	ChannelID string `yaml:"channel_id"`

	// OperatorRoleID restricts the /relay stop command to members with this
	// role. Empty allows everyone in the guild.
	OperatorRoleID string `yaml:"operator_role_id"`
}

// RecordingConfig chooses where the call audio goes.
type RecordingConfig struct {
	// Quality selects the PCM format. Default: low.
	Quality Quality `yaml:"quality"`

	// Duration stops the relay automatically. Zero means until the call
	// ends or the process is interrupted.
	Duration time.Duration `yaml:"duration"`

	// Output is the file recorded through ffmpeg. Mutually exclusive with
	// LiveCmd. When both are empty a timestamped file in the working
	// directory is used.
	Output string `yaml:"output"`

	// Overwrite permits replacing an existing Output file.
	Overwrite bool `yaml:"overwrite"`

	// LiveCmd is the consumer command template. {sample_rate} and
	// {channels} are substituted; the command must read s16le PCM from
	// stdin.
	LiveCmd string `yaml:"live_cmd"`
}

// RelayConfig tunes the handoff pipeline. Zero values select the relay
// package defaults.
type RelayConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	TerminationGrace time.Duration `yaml:"termination_grace"`
	FlushDelay       time.Duration `yaml:"flush_delay"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// JournalConfig enables the PostgreSQL session journal.
type JournalConfig struct {
	// PostgresDSN is a pgx connection string. Empty disables the journal.
	PostgresDSN string `yaml:"postgres_dsn"`
}
