// Package app wires the voicerelay subsystems into one relay run.
//
// An [App] joins the call through an [audio.Platform], feeds the mixed call
// audio into a [relay.Session] through a [capture.Bridge], serves the status
// endpoints, and journals the run. Extra long-running services (the Discord
// interaction loop) run alongside the relay and are cancelled when it ends.
//
// For testing, inject doubles via functional options (WithPlatform,
// WithJournal, WithMetrics, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicerelay/internal/capture"
	"github.com/MrWong99/voicerelay/internal/config"
	"github.com/MrWong99/voicerelay/internal/health"
	"github.com/MrWong99/voicerelay/internal/journal"
	"github.com/MrWong99/voicerelay/internal/observe"
	"github.com/MrWong99/voicerelay/internal/relay"
	"github.com/MrWong99/voicerelay/internal/resilience"
	"github.com/MrWong99/voicerelay/pkg/audio"
)

const (
	// serverShutdownTimeout bounds the graceful stop of the status server.
	serverShutdownTimeout = 5 * time.Second

	// journalTimeout bounds a single journal write.
	journalTimeout = 5 * time.Second

	// recentRuns is the number of journal entries shown on /status.
	recentRuns = 5
)

// ErrNoPlatform is returned by [App.Run] when no audio platform was set.
var ErrNoPlatform = errors.New("app: no audio platform configured")

// Service is a long-running task started next to the relay. It must return
// once ctx is done.
type Service func(ctx context.Context) error

// Option is a functional option for [New].
type Option func(*App)

// WithPlatform sets the platform the call is joined through. name labels
// the journal and the status snapshot.
func WithPlatform(p audio.Platform, name string) Option {
	return func(a *App) {
		a.platform = p
		a.platformName = name
	}
}

// WithJournal sets the session journal. Default: an in-memory store.
func WithJournal(j journal.Store) Option {
	return func(a *App) {
		if j != nil {
			a.journal = j
		}
	}
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithConsumerOutput forwards the consumer's stdout and stderr. nil
// discards.
func WithConsumerOutput(stdout, stderr io.Writer) Option {
	return func(a *App) {
		a.stdout = stdout
		a.stderr = stderr
	}
}

// WithRoute mounts h on the status server at pattern, outside the request
// middleware. Used for the websocket audio endpoint.
func WithRoute(pattern string, h http.Handler) Option {
	return func(a *App) {
		a.routes = append(a.routes, route{pattern: pattern, handler: h})
	}
}

// WithService runs svc for the lifetime of the relay.
func WithService(svc Service) Option {
	return func(a *App) { a.services = append(a.services, svc) }
}

// WithJoinRetry sets how joining the call is retried. Default: three
// attempts, one second apart at first.
func WithJoinRetry(cfg resilience.RetryConfig) Option {
	return func(a *App) { a.joinRetry = cfg }
}

// WithSignals makes [App.Run] convert SIGINT and SIGTERM into stop
// requests.
func WithSignals() Option {
	return func(a *App) { a.signals = true }
}

type route struct {
	pattern string
	handler http.Handler
}

// Status is the JSON document served on /status.
type Status struct {
	Platform  string          `json:"platform"`
	ChannelID string          `json:"channel_id"`
	Target    string          `json:"target"`
	Format    string          `json:"format"`
	Relay     *relay.Stats    `json:"relay,omitempty"`
	Capture   *capture.Stats  `json:"capture,omitempty"`
	Recent    []journal.Entry `json:"recent,omitempty"`
}

// App owns one relay run. It also satisfies the Discord command controller
// so /relay status and /relay stop reach the running session.
type App struct {
	cfg  *config.Config
	plan config.Plan

	platform     audio.Platform
	platformName string
	channelID    string
	journal      journal.Store
	metrics      *observe.Metrics
	logger       *slog.Logger
	stdout       io.Writer
	stderr       io.Writer
	routes       []route
	services     []Service
	signals      bool
	joinRetry    resilience.RetryConfig

	mu      sync.Mutex
	session *relay.Session
	bridge  *capture.Bridge

	ran sync.Once
}

// New creates an App for cfg that sends the call audio where plan says.
func New(cfg *config.Config, plan config.Plan, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		plan:    plan,
		journal: journal.NewMemoryStore(),
		logger:  slog.Default(),
		joinRetry: resilience.RetryConfig{
			Attempts: 3,
			Backoff:  time.Second,
		},
	}
	switch cfg.Source.PlatformOrDefault() {
	case config.PlatformWebSocket:
		a.channelID = cfg.Source.RoomOrDefault()
	default:
		a.channelID = cfg.Discord.ChannelID
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.platformName == "" {
		a.platformName = string(cfg.Source.PlatformOrDefault())
	}
	a.joinRetry.Name = "join call"
	a.joinRetry.Logger = a.logger
	return a
}

// target is the output file, or the consumer command for a live handoff.
func (a *App) target() string {
	if a.plan.Live() {
		return a.plan.Command
	}
	return a.plan.OutputPath
}

func (a *App) format() audio.Format {
	return audio.Format{SampleRate: a.plan.Format.SampleRate, Channels: a.plan.Format.Channels}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run performs the relay run and blocks until it has shut down. It returns
// an error when the consumer could not be started or the call could not be
// joined; every later failure is handled by the orderly shutdown and only
// logged. Run may be called once.
func (a *App) Run(ctx context.Context) (relay.Result, error) {
	var (
		res relay.Result
		err = errors.New("app: Run called twice")
	)
	a.ran.Do(func() {
		res, err = a.run(ctx)
	})
	return res, err
}

func (a *App) run(ctx context.Context) (relay.Result, error) {
	if a.platform == nil {
		return relay.Result{}, ErrNoPlatform
	}

	session, err := relay.NewSession(relay.Config{
		SampleRate:       a.plan.Format.SampleRate,
		Channels:         a.plan.Format.Channels,
		Command:          a.plan.Command,
		QueueCapacity:    a.cfg.Relay.QueueCapacity,
		TerminationGrace: a.cfg.Relay.TerminationGrace,
		FlushDelay:       a.cfg.Relay.FlushDelay,
		DrainTimeout:     a.cfg.Relay.DrainTimeout,
		Duration:         a.cfg.Recording.Duration,
		Stdout:           a.stdout,
		Stderr:           a.stderr,
	},
		relay.WithLogger(a.logger),
		relay.WithRecorder(observe.NewRelayRecorder(a.metrics)),
	)
	if err != nil {
		return relay.Result{}, fmt.Errorf("app: create session: %w", err)
	}
	if err := session.Start(); err != nil {
		return relay.Result{}, err
	}
	a.setSession(session)
	if a.signals {
		relay.WatchSignals(ctx, session.StopController())
	}

	a.metrics.ActiveSessions.Add(ctx, 1)
	defer a.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	if reg, err := a.metrics.RegisterQueueDepth(func() int64 {
		return int64(session.Stats().QueueDepth)
	}); err != nil {
		a.logger.Warn("app: queue depth gauge unavailable", "err", err)
	} else {
		defer func() { _ = reg.Unregister() }()
	}

	entry := journal.NewEntry(time.Now())
	entry.Platform = a.platformName
	entry.ChannelID = a.channelID
	entry.Target = a.target()
	entry.SampleRate = a.plan.Format.SampleRate
	entry.Channels = a.plan.Format.Channels
	a.journalDo(ctx, "begin", func(ctx context.Context) error {
		return a.journal.Begin(ctx, entry)
	})

	a.logger.Info("app: relay started",
		"platform", a.platformName,
		"channel_id", a.channelID,
		"target", a.target(),
		"format", a.format().String(),
	)

	conn, err := a.join(ctx, session.StopController())
	if err != nil {
		if session.StopController().Fired() || ctx.Err() != nil {
			// A stop trigger won while joining; shut down as for any other.
			res, _ := session.Run(ctx)
			a.finish(ctx, entry, res)
			return res, nil
		}
		joinErr := fmt.Errorf("app: join call %q: %w", a.channelID, err)
		session.Stop("failed to join the call")
		res, _ := session.Run(context.WithoutCancel(ctx))
		a.finish(ctx, entry, res)
		return res, joinErr
	}

	bridge := capture.New(conn, session, a.format(), capture.WithLogger(a.logger))
	session.SetCallLeaver(bridge)
	a.setBridge(bridge)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var res relay.Result
	g.Go(func() error {
		defer cancel()
		var err error
		res, err = session.Run(gctx)
		return err
	})
	g.Go(func() error {
		bridge.Run(gctx)
		return nil
	})
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serve(gctx) })
	}
	for _, svc := range a.services {
		g.Go(func() error { return svc(gctx) })
	}

	err = g.Wait()
	a.finish(ctx, entry, res)
	if err != nil && !errors.Is(err, context.Canceled) {
		return res, err
	}
	return res, nil
}

// finish journals the outcome and logs the run summary.
func (a *App) finish(ctx context.Context, entry *journal.Entry, res relay.Result) {
	entry.StoppedAt = res.StoppedAt.UTC()
	entry.StopReason = res.Reason
	entry.FramesAccepted = res.FramesAccepted
	entry.FramesDropped = res.FramesDropped
	entry.BytesWritten = res.BytesWritten
	entry.ExitCode = res.ExitCode
	entry.Killed = res.Killed
	a.journalDo(ctx, "finish", func(ctx context.Context) error {
		return a.journal.Finish(ctx, entry)
	})

	attrs := []any{
		"reason", res.Reason,
		"duration", res.StoppedAt.Sub(res.StartedAt).Round(time.Millisecond),
		"frames_accepted", res.FramesAccepted,
		"frames_dropped", res.FramesDropped,
		"bytes_written", res.BytesWritten,
		"exit_code", res.ExitCode,
	}
	if a.plan.Live() {
		a.logger.Info("app: live handoff completed", attrs...)
		return
	}
	fi, err := os.Stat(a.plan.OutputPath)
	if err != nil {
		a.logger.Warn("app: recording not found", append(attrs, "path", a.plan.OutputPath, "err", err)...)
		return
	}
	a.logger.Info("app: recording saved", append(attrs,
		"path", a.plan.OutputPath,
		"size", fmt.Sprintf("%.2f MiB", float64(fi.Size())/(1<<20)),
	)...)
}

func (a *App) journalDo(ctx context.Context, op string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		a.logger.Warn("app: journal write failed", "op", op, "err", err)
	}
}

// ─── Status server ───────────────────────────────────────────────────────────

// join connects to the call with retries. Firing stop cancels the attempt
// in flight and any remaining backoff.
func (a *App) join(ctx context.Context, stop *relay.StopController) (audio.Connection, error) {
	joinCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stop.Done():
			cancel()
		case <-joinCtx.Done():
		}
	}()

	var conn audio.Connection
	err := resilience.Retry(joinCtx, a.joinRetry, func(ctx context.Context) error {
		var err error
		conn, err = a.platform.Connect(ctx, a.channelID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Handler returns the status server's routes: /healthz, /readyz, /status,
// /metrics and every route added with [WithRoute].
func (a *App) Handler() http.Handler {
	hh := health.New(
		health.Checker{Name: "relay", Check: a.checkRelay},
		health.Checker{Name: "call", Check: a.checkCall},
	).WithStatus(func() any { return a.Status() })

	observed := http.NewServeMux()
	hh.Register(observed)
	observed.Handle("GET /metrics", promhttp.Handler())

	root := http.NewServeMux()
	root.Handle("/", observe.Middleware(a.metrics, a.logger)(observed))
	for _, r := range a.routes {
		root.Handle(r.pattern, r.handler)
	}
	return root
}

func (a *App) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.logger.Info("app: status server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("app: status server shutdown", "err", err)
	}
	return nil
}

func (a *App) checkRelay(context.Context) error {
	s := a.currentSession()
	if s == nil {
		return errors.New("relay not started")
	}
	if !s.Active() {
		return errors.New("relay stopping: " + s.Stats().StopReason)
	}
	return nil
}

func (a *App) checkCall(context.Context) error {
	if a.currentBridge() == nil {
		return errors.New("not in a call")
	}
	return nil
}

// Status returns the snapshot served on /status.
func (a *App) Status() Status {
	st := Status{
		Platform:  a.platformName,
		ChannelID: a.channelID,
		Target:    a.target(),
		Format:    a.format().String(),
	}
	if s := a.currentSession(); s != nil {
		stats := s.Stats()
		st.Relay = &stats
	}
	if b := a.currentBridge(); b != nil {
		stats := b.Stats()
		st.Capture = &stats
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	recent, err := a.journal.Recent(ctx, recentRuns)
	if err != nil {
		a.logger.Warn("app: read journal", "err", err)
	}
	st.Recent = recent
	return st
}

// ─── Controller ──────────────────────────────────────────────────────────────

// Stats returns the running session's counters, or the zero value before
// the session started.
func (a *App) Stats() relay.Stats {
	if s := a.currentSession(); s != nil {
		return s.Stats()
	}
	return relay.Stats{}
}

// Stop asks the running session to shut down. It returns false when no
// session runs or a stop was already requested.
func (a *App) Stop(reason string) bool {
	if s := a.currentSession(); s != nil {
		return s.Stop(reason)
	}
	return false
}

func (a *App) setSession(s *relay.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.session = s
}

func (a *App) currentSession() *relay.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

func (a *App) setBridge(b *capture.Bridge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bridge = b
}

func (a *App) currentBridge() *capture.Bridge {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bridge
}
