package relay

import "time"

// Recorder receives pipeline events for metrics. Implementations must be safe
// for concurrent use and must not block.
type Recorder interface {
	FrameAccepted()
	FrameDropped()
	BytesWritten(n int)
	ConsumerExited(code int)
	StopTriggered(kind string)
	ShutdownCompleted(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) FrameAccepted() {}
func (nopRecorder) FrameDropped() {}
func (nopRecorder) BytesWritten(int) {}
func (nopRecorder) ConsumerExited(int) {}
func (nopRecorder) StopTriggered(string) {}
func (nopRecorder) ShutdownCompleted(time.Duration) {}
