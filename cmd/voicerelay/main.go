// Command voicerelay joins a voice call and hands its audio off, as raw PCM
// on standard input, to a consumer process: a user supplied live command or
// a built-in ffmpeg recorder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MrWong99/voicerelay/internal/app"
	"github.com/MrWong99/voicerelay/internal/config"
	discordbot "github.com/MrWong99/voicerelay/internal/discord"
	"github.com/MrWong99/voicerelay/internal/discord/commands"
	"github.com/MrWong99/voicerelay/internal/journal"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/audio/wsaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

var _ commands.Controller = (*app.App)(nil)

func main() {
	os.Exit(run())
}

// flags holds the command-line overrides. Only flags given explicitly
// replace configured values.
type flags struct {
	configPath string
	output     string
	liveCmd    string
	quality    string
	duration   time.Duration
	overwrite  bool
	logLevel   string
	guild      string
	channel    string
	platform   string
	room       string
	listen     string

	set map[string]bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{set: make(map[string]bool)}
	fs := flag.NewFlagSet("voicerelay", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to the YAML configuration file")
	fs.StringVar(&f.output, "output", "", "record into this file through ffmpeg")
	fs.StringVar(&f.liveCmd, "live-cmd", "", "consumer command reading s16le PCM from stdin; {sample_rate} and {channels} are substituted")
	fs.StringVar(&f.quality, "quality", "", "audio quality preset: "+strings.Join(config.QualityNames(), ", "))
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long (0 = until the call ends)")
	fs.BoolVar(&f.overwrite, "overwrite", false, "replace an existing output file")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.guild, "guild", "", "Discord guild ID")
	fs.StringVar(&f.channel, "channel", "", "Discord voice channel ID")
	fs.StringVar(&f.platform, "platform", "", "audio source: discord or websocket")
	fs.StringVar(&f.room, "room", "", "websocket room to relay")
	fs.StringVar(&f.listen, "listen", "", "status server address, e.g. :9090")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(fl *flag.Flag) { f.set[fl.Name] = true })
	return f, nil
}

// apply copies the explicitly given flags into cfg.
func (f *flags) apply(cfg *config.Config) {
	if f.set["output"] {
		cfg.Recording.Output = f.output
	}
	if f.set["live-cmd"] {
		cfg.Recording.LiveCmd = f.liveCmd
	}
	if f.set["quality"] {
		cfg.Recording.Quality = config.Quality(strings.ToLower(f.quality))
	}
	if f.set["duration"] {
		cfg.Recording.Duration = f.duration
	}
	if f.set["overwrite"] {
		cfg.Recording.Overwrite = f.overwrite
	}
	if f.set["log-level"] {
		cfg.Server.LogLevel = config.LogLevel(strings.ToLower(f.logLevel))
	}
	if f.set["guild"] {
		cfg.Discord.GuildID = f.guild
	}
	if f.set["channel"] {
		cfg.Discord.ChannelID = f.channel
	}
	if f.set["platform"] {
		cfg.Source.Platform = config.Platform(strings.ToLower(f.platform))
	}
	if f.set["room"] {
		cfg.Source.Room = f.room
	}
	if f.set["listen"] {
		cfg.Server.ListenAddr = f.listen
	}
}

// loadConfig layers the config file, the environment and the flags, then
// validates the result.
func loadConfig(f *flags, lookup func(string) (string, bool)) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	config.ApplyEnv(cfg, lookup)
	f.apply(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolvePlan decides the destination and checks that the consumer command
// expands, so a malformed live command is a configuration error.
func resolvePlan(cfg *config.Config, now time.Time) (config.Plan, error) {
	plan, err := config.ResolvePlan(cfg.Recording, now)
	if err != nil {
		return config.Plan{}, err
	}
	if _, err := relay.FormatCommand(plan.Command, relay.CommandParams{
		SampleRate: plan.Format.SampleRate,
		Channels:   plan.Format.Channels,
	}); err != nil {
		return config.Plan{}, fmt.Errorf("recording.live_cmd: %w", err)
	}
	return plan, nil
}

// consumerStreams returns the consumer's stdout and stderr. Both are
// inherited so a live command can write its own output into a shell pipe.
func consumerStreams() (stdout, stderr io.Writer) {
	return os.Stdout, os.Stderr
}

func run() int {
	f, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	cfg, err := loadConfig(f, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicerelay: %v\n", err)
		return exitConfig
	}

	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	plan, err := resolvePlan(cfg, time.Now())
	if err != nil {
		slog.Error("invalid output", "err", err)
		return exitConfig
	}

	ctx := context.Background()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Platform:       string(cfg.Source.PlatformOrDefault()),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return exitFailed
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	opts := []app.Option{
		app.WithLogger(logger),
		app.WithMetrics(metrics),
		app.WithConsumerOutput(consumerStreams()),
		app.WithSignals(),
	}

	// ── Config reload ────────────────────────────────────────────────────────
	if f.configPath != "" {
		watcher, err := config.NewWatcher(f.configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.LogLevel))
				slog.Info("log level changed", "level", slogLevel(d.LogLevel))
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config changes take effect on the next run", "sections", d.RestartRequired)
			}
		},
			config.WithWatcherLogger(logger),
			config.WithPrepare(func(c *config.Config) {
				config.ApplyEnv(c, os.LookupEnv)
				f.apply(c)
			}),
		)
		if err != nil {
			slog.Warn("config reload disabled", "err", err)
		} else {
			opts = append(opts, app.WithService(watcher.Run))
		}
	}

	// ── Journal (optional) ───────────────────────────────────────────────────
	if dsn := cfg.Journal.PostgresDSN; dsn != "" {
		jctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		store, closeStore, err := journal.Open(jctx, dsn)
		cancel()
		if err != nil {
			slog.Warn("session journal unavailable, keeping history in memory", "err", err)
		} else {
			defer closeStore()
			opts = append(opts, app.WithJournal(journal.NewGuarded(store, resilience.NewBreaker(resilience.BreakerConfig{
				Name:   "journal",
				Logger: logger,
			}))))
		}
	}

	// ── Audio source ─────────────────────────────────────────────────────────
	var registerCommands func(*app.App)
	switch platform := cfg.Source.PlatformOrDefault(); platform {
	case config.PlatformWebSocket:
		ws := wsaudio.New(
			wsaudio.WithLogger(logger),
			wsaudio.WithRecorder(observe.NewVoiceRecorder(metrics, string(platform))),
		)
		opts = append(opts,
			app.WithPlatform(ws, string(platform)),
			app.WithRoute("/rooms/", ws.Handler()),
		)

	default:
		bot, err := discordbot.New(ctx, discordbot.Config{
			Token:          cfg.Discord.Token,
			GuildID:        cfg.Discord.GuildID,
			OperatorRoleID: cfg.Discord.OperatorRoleID,
		},
			discordbot.WithLogger(logger),
			discordbot.WithRecorder(observe.NewVoiceRecorder(metrics, string(platform))),
		)
		if err != nil {
			slog.Error("failed to connect to Discord", "err", err)
			return exitFailed
		}
		defer func() {
			if err := bot.Close(); err != nil {
				slog.Warn("discord bot close error", "err", err)
			}
		}()
		opts = append(opts,
			app.WithPlatform(bot.Platform(), string(platform)),
			app.WithService(func(ctx context.Context) error {
				if err := bot.Run(ctx); err != nil {
					slog.Warn("slash commands unavailable", "err", err)
					<-ctx.Done()
				}
				return nil
			}),
		)
		registerCommands = func(a *app.App) {
			commands.NewRelayCommands(bot.Router(), a, bot.Permissions())
		}
	}

	application := app.New(cfg, plan, opts...)
	if registerCommands != nil {
		registerCommands(application)
	}

	slog.Info("voicerelay starting",
		"version", version,
		"platform", cfg.Source.PlatformOrDefault(),
		"quality", qualityName(cfg.Recording.Quality),
		"duration", cfg.Recording.Duration,
		"listen_addr", cfg.Server.ListenAddr,
	)

	if _, err := application.Run(ctx); err != nil {
		var spawnErr *relay.SpawnError
		if errors.As(err, &spawnErr) {
			slog.Error("could not start the consumer", "argv", spawnErr.Argv, "err", spawnErr.Err)
		} else {
			slog.Error("relay failed", "err", err)
		}
		return exitFailed
	}
	slog.Info("goodbye")
	return exitOK
}

func qualityName(q config.Quality) string {
	if q == "" {
		return string(config.DefaultQuality)
	}
	return string(q)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger creates a text logger on stderr whose level follows level.
func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
