package relay

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Stop reasons fired by the built-in triggers.
const (
	ReasonDurationElapsed  = "requested duration elapsed"
	ReasonCallEnded        = "voice call ended"
	ReasonContextCancelled = "context cancelled"
)

// WatchSignals fires stop with "received <SIGNAL>" when one of sigs arrives.
// Signal delivery is restored to the default once the watcher returns, which
// happens on the first signal, when ctx is done, or when stop fires for
// another reason.
func WatchSignals(ctx context.Context, stop *StopController, sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	go func() {
		defer signal.Stop(ch)
		select {
		case sig := <-ch:
			stop.Fire("received " + signalName(sig))
		case <-ctx.Done():
		case <-stop.Done():
		}
	}()
}

// StopRequestedBy is the stop reason for a manual request made by who.
func StopRequestedBy(who string) string {
	return requestedByPrefix + who
}

const requestedByPrefix = "stop requested by "

func signalName(sig os.Signal) string {
	switch sig {
	case os.Interrupt:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	default:
		return strings.ToUpper(sig.String())
	}
}

// StopKind classifies a stop reason into a low-cardinality label for
// metrics.
func StopKind(reason string) string {
	switch {
	case strings.HasPrefix(reason, "received "):
		return "signal"
	case reason == ReasonDurationElapsed:
		return "duration"
	case reason == ReasonCallEnded:
		return "call_ended"
	case reason == ReasonInputClosed:
		return "input_closed"
	case strings.HasPrefix(reason, "consumer exited"):
		return "consumer_exit"
	case strings.HasPrefix(reason, requestedByPrefix):
		return "command"
	case reason == ReasonContextCancelled:
		return "context"
	default:
		return "other"
	}
}
