package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ExitWaiter blocks until a process exits. [*Consumer] implements it.
type ExitWaiter interface {
	Wait(ctx context.Context) (int, error)
}

// Monitor turns an exit of the consumer outside of shutdown into a stop
// request. It also pushes the end marker so the pump does not block forever
// on an empty queue.
type Monitor struct {
	proc   ExitWaiter
	queue  *FrameQueue
	stop   *StopController
	active *atomic.Bool
	logger *slog.Logger
}

// NewMonitor creates a monitor. active is the session's liveness flag; once
// it is false the monitor stays quiet.
func NewMonitor(proc ExitWaiter, q *FrameQueue, stop *StopController, active *atomic.Bool, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		proc:   proc,
		queue:  q,
		stop:   stop,
		active: active,
		logger: logger,
	}
}

// Run waits for the process to exit. It returns immediately when ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	code, err := m.proc.Wait(ctx)
	if err != nil {
		return
	}

	if !m.active.Load() || m.stop.Fired() {
		m.logger.Debug("relay: consumer exited during shutdown", "code", code)
		return
	}

	m.logger.Warn("relay: consumer exited while session active", "code", code)
	m.stop.Fire(fmt.Sprintf("consumer exited with code %d", code))
	m.queue.PutEnd()
}
