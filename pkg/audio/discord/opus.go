package discord

import (
	"fmt"

	"layeh.com/gopus"
)

// Discord voice is 48 kHz stereo Opus.
const (
	opusSampleRate = 48000
	opusChannels   = 2

	// maxFrameSize is the largest Opus frame (120 ms) in samples per
	// channel. Discord sends 20 ms frames but the decoder needs room for
	// whatever the packet's TOC byte announces.
	maxFrameSize = opusSampleRate * 120 / 1000
)

// opusDecoder holds the decoder state of one SSRC.
type opusDecoder struct {
	dec *gopus.Decoder
}

func newOpusDecoder() (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("discord: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec}, nil
}

// decode returns one packet as interleaved little-endian s16 PCM.
func (d *opusDecoder) decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, maxFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
