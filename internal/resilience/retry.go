package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig tunes [Retry]. Zero values select the defaults.
type RetryConfig struct {
	// Attempts is the total number of calls. Default: 3.
	Attempts int

	// Backoff is the wait after the first failure. It doubles after every
	// further failure up to MaxBackoff. Default: 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait. Default: 30s.
	MaxBackoff time.Duration

	// Name labels log lines.
	Name   string
	Logger *slog.Logger
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. [Retry] returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Retry calls fn until it succeeds, returns a [Permanent] error, the
// attempts are used up, or ctx is done. It returns the last error of fn, or
// ctx's error when ctx ended the wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wait := cfg.Backoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= cfg.Attempts {
			return err
		}

		cfg.Logger.Warn("resilience: attempt failed, retrying",
			"name", cfg.Name,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"backoff", wait,
			"err", err,
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, cfg.MaxBackoff)
	}
}
