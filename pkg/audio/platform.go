// Package audio defines the receive-side voice abstractions of voicerelay.
//
//   - [Platform] joins a voice channel and returns a [Connection].
//   - [Connection] delivers per-participant PCM input streams and lifecycle
//     [Event]s until the call ends or [Connection.Disconnect] is called.
//
// Adapters live in sub-packages (audio/discord, audio/wsaudio). The relay
// never sends audio into the call, so there is no output side.
package audio

import "context"

// EventType classifies events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a participant enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a participant leaves the voice channel.
	EventLeave

	// EventCallEnded is emitted once when the connection is lost or the
	// relay was removed from the channel. No frames follow it.
	EventCallEnded
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	case EventCallEnded:
		return "CALL_ENDED"
	default:
		return "UNKNOWN"
	}
}

// Event describes a change on a voice channel.
type Event struct {
	Type EventType

	// UserID is the platform identifier of the participant. Empty for
	// [EventCallEnded].
	UserID string

	// Username is the display name, when known.
	Username string
}

// Connection is an active, receive-only session on a voice channel.
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// InputStreams returns a snapshot of the per-participant PCM channels
	// keyed by participant ID. A channel is closed when its participant
	// leaves or the connection ends. Call it again after [EventJoin] to pick
	// up new participants.
	InputStreams() map[string]<-chan AudioFrame

	// OnEvent registers the event callback, replacing any previous one. It
	// is invoked on an internal goroutine and must not block.
	OnEvent(cb func(Event))

	// Disconnect leaves the channel and closes all input streams. Further
	// calls are no-ops returning nil.
	Disconnect() error
}

// Platform joins voice channels.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Connect joins channelID. ctx bounds the join attempt only.
	Connect(ctx context.Context, channelID string) (Connection, error)
}

// Recorder receives per-packet counters from a platform adapter.
// Implementations must not block.
type Recorder interface {
	// PacketReceived counts one media packet read from the call.
	PacketReceived()

	// DecodeFailed counts one packet that could not be turned into PCM.
	DecodeFailed()
}

// NopRecorder discards all counts.
type NopRecorder struct{}

func (NopRecorder) PacketReceived() {}
func (NopRecorder) DecodeFailed()   {}
