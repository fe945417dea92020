package audio

import (
	"strconv"
	"time"
)

// AudioFrame is one chunk of signed 16-bit little-endian interleaved PCM.
type AudioFrame struct {
	Data []byte

	// SampleRate in Hz (48000 for decoded Discord Opus).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp is the capture time relative to the start of the stream.
	Timestamp time.Duration
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// FrameBytes returns the size in bytes of d worth of PCM in format f.
func (f Format) FrameBytes(d time.Duration) int {
	samples := int(int64(f.SampleRate) * int64(d) / int64(time.Second))
	return samples * f.Channels * 2
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	switch f.Channels {
	case 1:
		return strconv.Itoa(f.SampleRate) + "Hz mono"
	case 2:
		return strconv.Itoa(f.SampleRate) + "Hz stereo"
	default:
		return strconv.Itoa(f.SampleRate) + "Hz " + strconv.Itoa(f.Channels) + "ch"
	}
}
