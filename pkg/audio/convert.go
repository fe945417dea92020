package audio

import (
	"log/slog"
	"math"
)

// sample reads the i-th int16 sample of little-endian PCM.
func sample(pcm []byte, i int) int16 {
	return int16(pcm[2*i]) | int16(pcm[2*i+1])<<8
}

func putSample(pcm []byte, i int, v int16) {
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// clamp16 saturates v to the int16 range.
func clamp16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}

// Remix converts interleaved PCM from one channel count to another.
// Reducing channels averages them; adding channels copies the first one.
// Trailing bytes that do not form a whole frame are dropped.
func Remix(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	frames := len(pcm) / (2 * from)
	out := make([]byte, frames*2*to)
	for f := range frames {
		var v int16
		if to < from {
			var sum int32
			for c := range from {
				sum += int32(sample(pcm, f*from+c))
			}
			v = clamp16(sum / int32(from))
		} else {
			v = sample(pcm, f*from)
		}
		for c := range to {
			putSample(out, f*to+c, v)
		}
	}
	return out
}

// Resampler changes the sample rate of an interleaved PCM stream using linear
// interpolation. It keeps the last input frame and the fractional read
// position between calls, so a stream fed in arbitrary chunks is resampled
// without discontinuities at chunk boundaries.
//
// A Resampler is not safe for concurrent use.
type Resampler struct {
	src, dst int
	channels int

	pos   float64 // read position in input frames, relative to carry
	carry []int16 // last input frame of the previous call
}

// NewResampler returns a resampler from src Hz to dst Hz for the given
// channel count.
func NewResampler(src, dst, channels int) *Resampler {
	return &Resampler{src: src, dst: dst, channels: channels}
}

// Process resamples pcm and returns the output produced so far.
func (r *Resampler) Process(pcm []byte) []byte {
	if r.src <= 0 || r.dst <= 0 || r.channels <= 0 || r.src == r.dst {
		return pcm
	}
	ch := r.channels
	inFrames := len(pcm) / (2 * ch)
	if inFrames == 0 {
		return nil
	}

	// Logical input: carry (if any) followed by pcm.
	offset := 0
	if r.carry != nil {
		offset = 1
	}
	total := inFrames + offset
	at := func(frame, c int) float64 {
		if frame < offset {
			return float64(r.carry[c])
		}
		return float64(sample(pcm, (frame-offset)*ch+c))
	}

	step := float64(r.src) / float64(r.dst)
	estimate := int(float64(total)/step) + 1
	out := make([]byte, 0, estimate*2*ch)
	for {
		i := int(r.pos)
		if i+1 >= total {
			break
		}
		frac := r.pos - float64(i)
		for c := range ch {
			v := at(i, c)*(1-frac) + at(i+1, c)*frac
			s := int16(math.Round(v))
			out = append(out, byte(s), byte(s>>8))
		}
		r.pos += step
	}

	r.pos -= float64(total - 1)
	if r.carry == nil {
		r.carry = make([]int16, ch)
	}
	for c := range ch {
		r.carry[c] = int16(at(total-1, c))
	}
	return out
}

// FormatConverter converts a stream of frames to a target format. It logs
// once when the source format differs from the target and drops frames whose
// byte count is not a whole number of samples.
//
// Create one per stream; a FormatConverter is not safe for concurrent use.
type FormatConverter struct {
	Target Format
	Logger *slog.Logger

	source    Format
	resampler *Resampler
	warned    bool
	corrupt   bool
}

// Convert returns frame in the target format. Frames already in the target
// format are returned unchanged. Channels are reduced before and added after
// resampling so the resampler works on as few channels as possible.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		if !c.corrupt {
			c.corrupt = true
			c.logger().Warn("audio: odd byte count in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"format", Format{SampleRate: frame.SampleRate, Channels: frame.Channels}.String(),
			)
		}
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}

	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	if src == c.Target {
		return frame
	}
	if !c.warned {
		c.warned = true
		c.logger().Debug("audio: converting stream", "from", src.String(), "to", c.Target.String())
	}

	pcm := frame.Data
	channels := src.Channels
	if c.Target.Channels < channels {
		pcm = Remix(pcm, channels, c.Target.Channels)
		channels = c.Target.Channels
	}
	if src.SampleRate != c.Target.SampleRate {
		if c.resampler == nil || c.source != src {
			c.resampler = NewResampler(src.SampleRate, c.Target.SampleRate, channels)
		}
		pcm = c.resampler.Process(pcm)
	}
	if c.Target.Channels > channels {
		pcm = Remix(pcm, channels, c.Target.Channels)
	}
	c.source = src

	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
