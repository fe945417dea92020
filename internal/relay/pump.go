package relay

import (
	"errors"
	"log/slog"
	"sync/atomic"
)

// ReasonInputClosed is the stop reason fired by the [Pump] when the consumer
// input stops accepting writes.
const ReasonInputClosed = "consumer input closed unexpectedly"

// PumpState is the lifecycle state of a [Pump].
type PumpState int32

const (
	// PumpRunning means the pump is taking chunks and writing them.
	PumpRunning PumpState = iota

	// PumpDraining means the pump has stopped writing and is closing the
	// consumer input.
	PumpDraining

	// PumpStopped is terminal.
	PumpStopped
)

// String returns the human-readable name of the state.
func (s PumpState) String() string {
	switch s {
	case PumpRunning:
		return "RUNNING"
	case PumpDraining:
		return "DRAINING"
	case PumpStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// InputWriter is the consumer side of the pump. [*Consumer] implements it.
type InputWriter interface {
	Write(p []byte) error
	CloseInput() error
}

// Pump moves chunks from a [FrameQueue] to an [InputWriter]. It is the only
// writer of the consumer input, so chunks reach the consumer in acceptance
// order with no interleaving.
type Pump struct {
	queue  *FrameQueue
	out    InputWriter
	stop   *StopController
	logger *slog.Logger
	rec    Recorder

	state   atomic.Int32
	written atomic.Uint64
	done    chan struct{}
}

// NewPump returns a pump in the RUNNING state. Call [Pump.Run] to start it.
func NewPump(q *FrameQueue, out InputWriter, stop *StopController, logger *slog.Logger, rec Recorder) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Pump{
		queue:  q,
		out:    out,
		stop:   stop,
		logger: logger,
		rec:    rec,
		done:   make(chan struct{}),
	}
}

// Run drains the queue until the end marker or a write failure. It closes
// the consumer input before returning.
func (p *Pump) Run() {
	defer close(p.done)
	defer p.finish()

	for {
		chunk, ok := p.queue.Take()
		if !ok {
			p.logger.Debug("relay: pump reached end of stream", "bytes_written", p.written.Load())
			return
		}
		if err := p.out.Write(chunk); err != nil {
			if errors.Is(err, ErrPipeClosed) {
				p.logger.Warn("relay: consumer input closed", "err", err)
			} else {
				p.logger.Error("relay: write to consumer failed", "err", err)
			}
			p.stop.Fire(ReasonInputClosed)
			return
		}
		p.written.Add(uint64(len(chunk)))
		p.rec.BytesWritten(len(chunk))
	}
}

func (p *Pump) finish() {
	p.state.Store(int32(PumpDraining))
	if err := p.out.CloseInput(); err != nil {
		p.logger.Warn("relay: close consumer input", "err", err)
	}
	p.state.Store(int32(PumpStopped))
}

// State returns the current lifecycle state.
func (p *Pump) State() PumpState {
	return PumpState(p.state.Load())
}

// BytesWritten returns the number of bytes successfully written.
func (p *Pump) BytesWritten() uint64 {
	return p.written.Load()
}

// Done returns a channel closed when [Pump.Run] returns.
func (p *Pump) Done() <-chan struct{} {
	return p.done
}
