package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv].
const (
	EnvDiscordToken = "DISCORD_TOKEN"
	EnvLiveCmd      = "LIVE_CMD"
	EnvOutputPath   = "OUTPUT_PATH"
	EnvQuality      = "OUTPUT_AUDIO_QUALITY"
	EnvLogLevel     = "LOG_LEVEL"
	EnvPostgresDSN  = "VOICERELAY_POSTGRES_DSN"
)

// Load reads the YAML configuration file at path. An empty path yields the
// zero configuration. The result is not validated; call [Validate] once all
// overrides are applied.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. Unknown keys are rejected.
// An empty document yields the zero configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the non-empty environment variables reported
// by lookup (usually [os.LookupEnv]).
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return "", false
		}
		return v, true
	}

	if v, ok := get(EnvDiscordToken); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get(EnvLiveCmd); ok {
		cfg.Recording.LiveCmd = v
	}
	if v, ok := get(EnvOutputPath); ok {
		cfg.Recording.Output = v
	}
	if v, ok := get(EnvQuality); ok {
		cfg.Recording.Quality = Quality(strings.ToLower(v))
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := get(EnvPostgresDSN); ok {
		cfg.Journal.PostgresDSN = v
	}
}

// Validate checks that cfg contains a coherent set of values and returns a
// joined error listing every problem found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	switch cfg.Source.PlatformOrDefault() {
	case PlatformDiscord:
		if cfg.Discord.Token == "" {
			errs = append(errs, fmt.Errorf("discord.token is required (or set %s)", EnvDiscordToken))
		}
		if cfg.Discord.GuildID == "" {
			errs = append(errs, errors.New("discord.guild_id is required"))
		}
		if cfg.Discord.ChannelID == "" {
			errs = append(errs, errors.New("discord.channel_id is required"))
		}
	case PlatformWebSocket:
		if cfg.Server.ListenAddr == "" {
			errs = append(errs, errors.New("server.listen_addr is required for the websocket platform"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.platform %q is invalid; valid values: discord, websocket", cfg.Source.Platform))
	}

	if cfg.Recording.Quality != "" && !cfg.Recording.Quality.IsValid() {
		errs = append(errs, fmt.Errorf("recording.quality %q is invalid; valid values: %s",
			cfg.Recording.Quality, strings.Join(QualityNames(), ", ")))
	}
	if cfg.Recording.Duration < 0 {
		errs = append(errs, fmt.Errorf("recording.duration %s must not be negative", cfg.Recording.Duration))
	}
	if cfg.Recording.Output != "" && cfg.Recording.LiveCmd != "" {
		errs = append(errs, ErrConflictingOutputs)
	}

	if cfg.Relay.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("relay.queue_capacity %d must not be negative", cfg.Relay.QueueCapacity))
	}
	if cfg.Relay.TerminationGrace < 0 {
		errs = append(errs, fmt.Errorf("relay.termination_grace %s must not be negative", cfg.Relay.TerminationGrace))
	}
	if cfg.Relay.FlushDelay < 0 {
		errs = append(errs, fmt.Errorf("relay.flush_delay %s must not be negative", cfg.Relay.FlushDelay))
	}
	if cfg.Relay.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("relay.drain_timeout %s must not be negative", cfg.Relay.DrainTimeout))
	}

	return errors.Join(errs...)
}
