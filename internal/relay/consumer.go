package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

// DefaultTerminationGrace is how long [Consumer.Terminate] waits after the
// graceful termination request before force-killing the process.
const DefaultTerminationGrace = 5 * time.Second

// ErrPipeClosed is returned (wrapped) by [Consumer.Write] when the consumer's
// input can no longer be written: it was closed locally or the process went
// away.
var ErrPipeClosed = errors.New("relay: consumer input closed")

// SpawnError reports that the consumer process could not be started. It is
// fatal for the session.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("relay: start consumer %q: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus is the outcome of [Consumer.Terminate].
type ExitStatus struct {
	// Code is the process exit code, or -1 if it was ended by a signal.
	Code int

	// Killed is true when the process did not exit within the grace period
	// and had to be force-killed.
	Killed bool
}

// DefaultWaitDelay is the [ConsumerOptions] WaitDelay used when none is set.
const DefaultWaitDelay = 5 * time.Second

// ConsumerOptions configures [StartConsumer].
type ConsumerOptions struct {
	// Stdout and Stderr receive the consumer's output. nil discards it.
	// Pass *os.File values to let the child inherit the descriptors.
	Stdout io.Writer
	Stderr io.Writer

	// Env, when non-nil, replaces the inherited environment.
	Env []string

	// WaitDelay bounds how long reaping waits for the output copy
	// goroutines once the process has exited, which matters when a
	// descendant keeps the output pipe open. Default: DefaultWaitDelay.
	WaitDelay time.Duration

	Logger *slog.Logger
}

// Consumer owns an external process that reads PCM from its stdin.
//
// Write must only be called from a single goroutine (the [Pump]). All other
// methods are safe for concurrent use.
type Consumer struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	inputClosed atomic.Bool

	exited   chan struct{}
	exitCode atomic.Int64
}

// StartConsumer launches argv with a piped stdin. Failure to find or execute
// the program is returned as a *[SpawnError].
func StartConsumer(argv []string, opts ConsumerOptions) (*Consumer, error) {
	if len(argv) == 0 {
		return nil, &SpawnError{Argv: argv, Err: ErrEmptyCommand}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	cmd.WaitDelay = opts.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Argv: argv, Err: err}
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, &SpawnError{Argv: argv, Err: err}
	}

	c := &Consumer{
		cmd:    cmd,
		stdin:  stdin,
		logger: logger,
		exited: make(chan struct{}),
	}
	c.exitCode.Store(-1)
	go c.reap()

	logger.Info("relay: consumer started", "pid", cmd.Process.Pid, "argv", argv)
	return c, nil
}

// reap is the single caller of cmd.Wait.
func (c *Consumer) reap() {
	err := c.cmd.Wait()
	code := -1
	if c.cmd.ProcessState != nil {
		code = c.cmd.ProcessState.ExitCode()
	}
	c.exitCode.Store(int64(code))
	close(c.exited)
	c.logger.Debug("relay: consumer reaped", "pid", c.PID(), "code", code, "err", err)
}

// PID returns the operating system process ID.
func (c *Consumer) PID() int {
	return c.cmd.Process.Pid
}

// Write writes p to the consumer's stdin and returns once the data has been
// handed to the OS pipe buffer. A closed or broken pipe yields an error
// wrapping [ErrPipeClosed].
func (c *Consumer) Write(p []byte) error {
	if c.inputClosed.Load() {
		return ErrPipeClosed
	}
	if _, err := c.stdin.Write(p); err != nil {
		if isBrokenPipe(err) {
			return fmt.Errorf("%w: %v", ErrPipeClosed, err)
		}
		return fmt.Errorf("relay: write consumer input: %w", err)
	}
	return nil
}

// CloseInput closes the consumer's stdin. It is idempotent.
func (c *Consumer) CloseInput() error {
	if !c.inputClosed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.stdin.Close(); err != nil && !isBrokenPipe(err) {
		return fmt.Errorf("relay: close consumer input: %w", err)
	}
	return nil
}

// InputClosed reports whether [Consumer.CloseInput] has been called.
func (c *Consumer) InputClosed() bool {
	return c.inputClosed.Load()
}

// Exited reports whether the process has exited.
func (c *Consumer) Exited() bool {
	select {
	case <-c.exited:
		return true
	default:
		return false
	}
}

// ExitCode returns the exit code, or -1 while the process is running or if
// it was ended by a signal.
func (c *Consumer) ExitCode() int {
	return int(c.exitCode.Load())
}

// Wait blocks until the process exits on its own and returns its exit code.
// It returns early with ctx.Err() when ctx is done.
func (c *Consumer) Wait(ctx context.Context) (int, error) {
	select {
	case <-c.exited:
		return c.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Terminate asks the process to exit and waits up to grace for it to do so.
// If it is still running afterwards it is killed. Terminate always returns
// once the process is gone.
func (c *Consumer) Terminate(grace time.Duration) ExitStatus {
	if c.Exited() {
		return ExitStatus{Code: c.ExitCode()}
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			<-c.exited
			return ExitStatus{Code: c.ExitCode()}
		}
		// Platforms without SIGTERM go straight to kill.
		c.logger.Debug("relay: graceful termination unavailable", "pid", c.PID(), "err", err)
		grace = 0
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-c.exited:
		return ExitStatus{Code: c.ExitCode()}
	case <-timer.C:
	}

	c.logger.Warn("relay: consumer did not exit in time, killing",
		"pid", c.PID(),
		"grace", grace,
	)
	if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		c.logger.Error("relay: kill consumer", "pid", c.PID(), "err", err)
	}
	<-c.exited
	return ExitStatus{Code: c.ExitCode(), Killed: true}
}

// isBrokenPipe reports whether err means the read side of the pipe is gone
// or the pipe was closed underneath us.
func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}
