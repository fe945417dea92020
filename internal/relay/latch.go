package relay

import (
	"context"
	"log/slog"
	"sync"
)

// StopController is a one-shot stop latch. Any number of triggers may call
// [StopController.Fire]; only the first reason is kept.
//
// StopController is safe for concurrent use.
type StopController struct {
	once   sync.Once
	done   chan struct{}
	reason string
	logger *slog.Logger
}

// NewStopController returns an unfired latch. A nil logger falls back to
// slog.Default().
func NewStopController(logger *slog.Logger) *StopController {
	if logger == nil {
		logger = slog.Default()
	}
	return &StopController{
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Fire sets the latch and records reason. It reports whether this call was
// the one that fired the latch; later calls are no-ops and return false.
func (s *StopController) Fire(reason string) bool {
	fired := false
	s.once.Do(func() {
		s.reason = reason
		fired = true
		close(s.done)
	})
	if fired {
		s.logger.Info("relay: stop requested", "reason", reason)
	}
	return fired
}

// Done returns a channel that is closed once the latch has fired.
func (s *StopController) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether the latch has been set.
func (s *StopController) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Reason returns the recorded reason, or "" if the latch has not fired.
func (s *StopController) Reason() string {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// Wait blocks until the latch fires or ctx is done. It returns the recorded
// reason, or ctx.Err() if ctx ended first.
func (s *StopController) Wait(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		return s.reason, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
