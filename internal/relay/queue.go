package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueCapacity is the number of chunks a [FrameQueue] holds when no
// explicit capacity is configured. At 20 ms per frame this is ~5 s of audio.
const DefaultQueueCapacity = 256

// FrameQueue is a bounded queue of PCM chunks with an end marker.
//
// Offer never blocks: when the queue is full the chunk is dropped. The first
// drop of an overload episode logs a warning; the episode ends (and the
// warning re-arms) once depth falls below half of capacity.
//
// The end marker is a latch rather than a queue slot, so [FrameQueue.PutEnd]
// never blocks on a full queue and may be called any number of times. Chunks
// accepted before the end marker are still delivered by [FrameQueue.Take].
//
// FrameQueue is safe for concurrent use by any number of producers and a
// single consumer.
type FrameQueue struct {
	items   chan []byte
	end     chan struct{}
	endOnce sync.Once

	// warned is the hysteresis flag for the drop warning.
	warned atomic.Bool

	accepted atomic.Uint64
	dropped  atomic.Uint64

	logger *slog.Logger
	rec    Recorder
}

// QueueOption configures a [FrameQueue].
type QueueOption func(*FrameQueue)

// WithQueueLogger sets the logger used for drop warnings and recovery notices.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *FrameQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithQueueRecorder sets the metrics sink notified on every accept and drop.
func WithQueueRecorder(r Recorder) QueueOption {
	return func(q *FrameQueue) {
		if r != nil {
			q.rec = r
		}
	}
}

// NewFrameQueue creates a queue holding at most capacity chunks. Capacities
// below 1 are clamped to 1.
func NewFrameQueue(capacity int, opts ...QueueOption) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	q := &FrameQueue{
		items:  make(chan []byte, capacity),
		end:    make(chan struct{}),
		logger: slog.Default(),
		rec:    nopRecorder{},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Offer enqueues chunk if there is room and reports whether it was accepted.
// A rejected chunk is discarded.
func (q *FrameQueue) Offer(chunk []byte) bool {
	select {
	case q.items <- chunk:
		q.accepted.Add(1)
		q.rec.FrameAccepted()
		return true
	default:
	}

	q.dropped.Add(1)
	q.rec.FrameDropped()
	if q.warned.CompareAndSwap(false, true) {
		q.logger.Warn("relay: dropping audio frames, consumer too slow",
			"capacity", cap(q.items),
			"dropped_total", q.dropped.Load(),
		)
	}
	return false
}

// PutEnd marks the end of the stream. It never blocks and is idempotent.
func (q *FrameQueue) PutEnd() {
	q.endOnce.Do(func() { close(q.end) })
}

// Take blocks until a chunk is available and returns it with ok == true.
// Once the end marker is set and every queued chunk has been taken, Take
// returns ok == false without blocking.
func (q *FrameQueue) Take() (chunk []byte, ok bool) {
	select {
	case chunk = <-q.items:
		q.afterTake()
		return chunk, true
	default:
	}

	select {
	case chunk = <-q.items:
		q.afterTake()
		return chunk, true
	case <-q.end:
		// A chunk may have been accepted while we were waiting.
		select {
		case chunk = <-q.items:
			q.afterTake()
			return chunk, true
		default:
			return nil, false
		}
	}
}

// afterTake ends an overload episode once depth is back under half capacity.
func (q *FrameQueue) afterTake() {
	if 2*len(q.items) >= cap(q.items) {
		return
	}
	if q.warned.CompareAndSwap(true, false) {
		q.logger.Info("relay: consumer caught up, no longer dropping frames",
			"depth", len(q.items),
			"dropped_total", q.dropped.Load(),
		)
	}
}

// Len returns the number of queued chunks.
func (q *FrameQueue) Len() int { return len(q.items) }

// Cap returns the queue capacity.
func (q *FrameQueue) Cap() int { return cap(q.items) }

// Accepted returns the number of chunks accepted so far.
func (q *FrameQueue) Accepted() uint64 { return q.accepted.Load() }

// Dropped returns the number of chunks dropped so far.
func (q *FrameQueue) Dropped() uint64 { return q.dropped.Load() }
