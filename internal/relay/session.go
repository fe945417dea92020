package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicerelay/internal/observe"
)

// Defaults applied by [NewSession] to zero-valued [Config] fields.
const (
	DefaultFlushDelay   = 500 * time.Millisecond
	DefaultDrainTimeout = 10 * time.Second
	leaveCallTimeout    = 10 * time.Second
)

var (
	// ErrNotInCall may be returned by a [CallLeaver] when there is no call to
	// leave. Shutdown treats it as success.
	ErrNotInCall = errors.New("relay: not in a call")

	errNotStarted     = errors.New("relay: session not started")
	errAlreadyStarted = errors.New("relay: session already started")
	errAlreadyRan     = errors.New("relay: session already ran")
)

// Config is the immutable configuration of one relay session.
type Config struct {
	// SampleRate and Channels describe the PCM stream and are substituted
	// into Command.
	SampleRate int
	Channels   int

	// Command is the consumer command template. See [FormatCommand].
	Command string

	// QueueCapacity bounds the frame queue. Default: [DefaultQueueCapacity].
	QueueCapacity int

	// TerminationGrace is how long the consumer gets to exit after the
	// termination request. Default: [DefaultTerminationGrace].
	TerminationGrace time.Duration

	// FlushDelay is slept at the end of shutdown so the consumer can flush
	// its own buffers. Default: [DefaultFlushDelay].
	FlushDelay time.Duration

	// DrainTimeout bounds how long shutdown waits for the pump to write the
	// remaining queue. Default: [DefaultDrainTimeout].
	DrainTimeout time.Duration

	// Duration stops the session automatically. Zero means no limit.
	Duration time.Duration

	// Stdout and Stderr receive the consumer's output. nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

func (c *Config) applyDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = DefaultTerminationGrace
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = DefaultFlushDelay
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("relay: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("relay: channel count must be positive, got %d", c.Channels))
	}
	if c.Command == "" {
		errs = append(errs, ErrEmptyCommand)
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("relay: duration must not be negative, got %s", c.Duration))
	}
	return errors.Join(errs...)
}

// CallLeaver asks the media layer to leave the call. It is invoked once
// during shutdown; failures are logged and ignored.
type CallLeaver interface {
	Leave(ctx context.Context) error
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(s *Session) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithCallLeaver sets the collaborator asked to leave the call on shutdown.
func WithCallLeaver(l CallLeaver) Option {
	return func(s *Session) {
		s.leaver = l
	}
}

// Result summarises a finished session.
type Result struct {
	Reason         string
	FramesAccepted uint64
	FramesDropped  uint64
	BytesWritten   uint64
	ExitCode       int
	Killed         bool
	StartedAt      time.Time
	StoppedAt      time.Time
}

// Stats is a point-in-time view of a running session.
type Stats struct {
	Active         bool   `json:"active"`
	QueueDepth     int    `json:"queue_depth"`
	QueueCapacity  int    `json:"queue_capacity"`
	FramesAccepted uint64 `json:"frames_accepted"`
	FramesDropped  uint64 `json:"frames_dropped"`
	BytesWritten   uint64 `json:"bytes_written"`
	PumpState      string `json:"pump_state,omitempty"`
	ConsumerPID    int    `json:"consumer_pid,omitempty"`
	ConsumerExited bool   `json:"consumer_exited"`
	StopReason     string `json:"stop_reason,omitempty"`
}

// Session wires a [FrameQueue], [Consumer], [Pump], [Monitor] and
// [StopController] into one live handoff.
//
// Lifecycle: [NewSession] → [Session.Start] → frames via [Session.Offer] →
// [Session.Run] returns once a stop trigger fired and shutdown completed.
type Session struct {
	cfg    Config
	logger *slog.Logger
	rec    Recorder

	stop   *StopController
	active atomic.Bool

	queue    *FrameQueue
	consumer *Consumer
	pump     *Pump

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
	timer         *time.Timer

	leaverMu sync.Mutex
	leaver   CallLeaver

	started   atomic.Bool
	ran       atomic.Bool
	startedAt time.Time
}

// NewSession validates cfg and returns an unstarted session.
func NewSession(cfg Config, opts ...Option) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	s := &Session{
		cfg:    cfg,
		logger: slog.Default(),
		rec:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stop = NewStopController(s.logger)
	s.queue = NewFrameQueue(cfg.QueueCapacity, WithQueueLogger(s.logger), WithQueueRecorder(s.rec))
	return s, nil
}

// Start spawns the consumer and starts the pump, the monitor and the
// duration timer. A *[SpawnError] means nothing was started and the session
// must be abandoned.
func (s *Session) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	argv, err := FormatCommand(s.cfg.Command, CommandParams{
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
	})
	if err != nil {
		return err
	}

	consumer, err := StartConsumer(argv, ConsumerOptions{
		Stdout:    s.cfg.Stdout,
		Stderr:    s.cfg.Stderr,
		WaitDelay: s.cfg.TerminationGrace,
		Logger:    s.logger,
	})
	if err != nil {
		s.logger.Error("relay: failed to start consumer", "err", err)
		return err
	}
	s.consumer = consumer
	s.startedAt = time.Now()
	s.active.Store(true)

	s.pump = NewPump(s.queue, consumer, s.stop, s.logger, s.rec)
	go s.pump.Run()

	monitorCtx, cancel := context.WithCancel(context.Background())
	s.monitorCancel = cancel
	s.monitorDone = make(chan struct{})
	monitor := NewMonitor(consumer, s.queue, s.stop, &s.active, s.logger)
	go func() {
		defer close(s.monitorDone)
		monitor.Run(monitorCtx)
	}()

	if s.cfg.Duration > 0 {
		s.timer = time.AfterFunc(s.cfg.Duration, func() {
			s.stop.Fire(ReasonDurationElapsed)
		})
	}
	return nil
}

// Offer hands one PCM chunk to the pipeline. It never blocks and returns
// false when the chunk was dropped or the session is not active.
func (s *Session) Offer(chunk []byte) bool {
	if !s.active.Load() {
		return false
	}
	return s.queue.Offer(chunk)
}

// Stop requests shutdown. Only the first reason across all triggers is kept.
func (s *Session) Stop(reason string) bool {
	return s.stop.Fire(reason)
}

// StopController exposes the session's stop latch for external triggers
// such as [WatchSignals].
func (s *Session) StopController() *StopController {
	return s.stop
}

// SetCallLeaver replaces the collaborator asked to leave the call during
// shutdown. It may be called after [Session.Start].
func (s *Session) SetCallLeaver(l CallLeaver) {
	s.leaverMu.Lock()
	defer s.leaverMu.Unlock()
	s.leaver = l
}

func (s *Session) callLeaver() CallLeaver {
	s.leaverMu.Lock()
	defer s.leaverMu.Unlock()
	return s.leaver
}

// Active reports whether the session accepts frames.
func (s *Session) Active() bool {
	return s.active.Load()
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	st := Stats{
		Active:         s.active.Load(),
		QueueDepth:     s.queue.Len(),
		QueueCapacity:  s.queue.Cap(),
		FramesAccepted: s.queue.Accepted(),
		FramesDropped:  s.queue.Dropped(),
		StopReason:     s.stop.Reason(),
	}
	if s.pump != nil {
		st.BytesWritten = s.pump.BytesWritten()
		st.PumpState = s.pump.State().String()
	}
	if s.consumer != nil {
		st.ConsumerPID = s.consumer.PID()
		st.ConsumerExited = s.consumer.Exited()
	}
	return st
}

// Run blocks until a stop trigger fires, then shuts the session down in a
// fixed order and returns a summary. Cancelling ctx counts as a stop
// trigger. Errors during shutdown are logged, never returned.
func (s *Session) Run(ctx context.Context) (Result, error) {
	if !s.started.Load() || s.consumer == nil {
		return Result{}, errNotStarted
	}
	if !s.ran.CompareAndSwap(false, true) {
		return Result{}, errAlreadyRan
	}

	if _, err := s.stop.Wait(ctx); err != nil {
		s.stop.Fire(ReasonContextCancelled)
	}
	reason := s.stop.Reason()
	s.rec.StopTriggered(StopKind(reason))

	status := s.shutdown(reason)

	return Result{
		Reason:         reason,
		FramesAccepted: s.queue.Accepted(),
		FramesDropped:  s.queue.Dropped(),
		BytesWritten:   s.pump.BytesWritten(),
		ExitCode:       status.Code,
		Killed:         status.Killed,
		StartedAt:      s.startedAt,
		StoppedAt:      time.Now(),
	}, nil
}

// shutdown runs the teardown steps in order. Every step runs even if an
// earlier one failed.
func (s *Session) shutdown(reason string) ExitStatus {
	start := time.Now()
	ctx, tr := observe.StartShutdown(context.Background(), reason)
	defer tr.End()
	logger := observe.Logger(ctx, s.logger)

	logger.Info("relay: stopping", "reason", reason)

	s.step(ctx, tr, logger, "deactivate", func(context.Context) error {
		s.active.Store(false)
		if s.timer != nil {
			s.timer.Stop()
		}
		return nil
	})

	s.step(ctx, tr, logger, "leave_call", func(ctx context.Context) error {
		leaver := s.callLeaver()
		if leaver == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(ctx, leaveCallTimeout)
		defer cancel()
		if err := leaver.Leave(ctx); err != nil && !errors.Is(err, ErrNotInCall) {
			return fmt.Errorf("leave call: %w", err)
		}
		return nil
	})

	s.step(ctx, tr, logger, "end_stream", func(context.Context) error {
		s.queue.PutEnd()
		return nil
	})

	s.step(ctx, tr, logger, "await_pump", func(context.Context) error {
		return s.awaitPump()
	})

	s.step(ctx, tr, logger, "cancel_monitor", func(context.Context) error {
		s.monitorCancel()
		<-s.monitorDone
		return nil
	})

	var status ExitStatus
	s.step(ctx, tr, logger, "stop_consumer", func(context.Context) error {
		closeErr := s.consumer.CloseInput()
		status = s.consumer.Terminate(s.cfg.TerminationGrace)
		s.rec.ConsumerExited(status.Code)
		logger.Info("relay: consumer exited", "code", status.Code, "killed", status.Killed)
		return closeErr
	})

	s.step(ctx, tr, logger, "flush", func(context.Context) error {
		time.Sleep(s.cfg.FlushDelay)
		return nil
	})

	elapsed := time.Since(start)
	s.rec.ShutdownCompleted(elapsed)
	logger.Info("relay: stopped", "reason", reason, "took", elapsed)
	return status
}

// awaitPump waits for the pump to finish writing the queue. If it takes
// longer than DrainTimeout the consumer input is closed, which fails the
// pending write and ends the pump.
func (s *Session) awaitPump() error {
	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()

	select {
	case <-s.pump.Done():
		return nil
	case <-timer.C:
	}

	s.logger.Warn("relay: pump still draining, closing consumer input",
		"timeout", s.cfg.DrainTimeout,
		"queued", s.queue.Len(),
	)
	_ = s.consumer.CloseInput()

	timer.Reset(s.cfg.TerminationGrace)
	select {
	case <-s.pump.Done():
		return nil
	case <-timer.C:
		return fmt.Errorf("pump did not stop within %s of closing its input", s.cfg.TerminationGrace)
	}
}

// step runs one shutdown step, converting errors and panics into log lines.
func (s *Session) step(ctx context.Context, tr *observe.ShutdownTrace, logger *slog.Logger, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("relay: shutdown step panicked", "step", name, "panic", r)
			tr.Panicked(name, r)
		}
	}()
	err := fn(ctx)
	if err != nil {
		logger.Error("relay: shutdown step failed", "step", name, "err", err)
	}
	tr.Step(name, err)
}
