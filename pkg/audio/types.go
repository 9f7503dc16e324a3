package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one encoded block of captured microphone audio on its way to
// the remote model. Frames are produced by the capture pump and consumed
// exactly once by the live stream. A frame must not be mutated after it has
// been handed to a consumer.
type AudioFrame struct {
	// Data is little-endian signed 16-bit PCM, channels interleaved.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for model input).
	SampleRate int

	// Channels is the number of interleaved channels in Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration

	// Seq is the capture sequence number, starting at 1 for the first frame
	// of a capture run. It is informational; ordering is guaranteed by the
	// transport, not by Seq.
	Seq uint64
}

// Mono returns f with its channels averaged into one. Frames that are
// already mono, or carry no channel count, are returned unchanged.
func (f AudioFrame) Mono() (AudioFrame, error) {
	if f.Channels <= 1 {
		return f, nil
	}
	chans, err := DecodePCM16(f.Data, f.Channels)
	if err != nil {
		return AudioFrame{}, err
	}
	f.Data = EncodePCM16(Downmix(chans))
	f.Channels = 1
	return f, nil
}

// DecodedChunk is one block of synthesised audio ready for playback. Samples
// holds one slice per channel, all of equal length, already resampled to the
// output device rate.
type DecodedChunk struct {
	Samples    [][]float32
	SampleRate int
}

// Channels returns the number of channels in the chunk.
func (c DecodedChunk) Channels() int { return len(c.Samples) }

// Frames returns the number of samples per channel.
func (c DecodedChunk) Frames() int {
	if len(c.Samples) == 0 {
		return 0
	}
	return len(c.Samples[0])
}

// Duration returns the playback length of the chunk in seconds.
func (c DecodedChunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(c.Frames()) / float64(c.SampleRate)
}

// Validate reports whether the chunk can be scheduled. An invalid chunk wraps
// [ErrMalformedFrame].
func (c DecodedChunk) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrMalformedFrame, c.SampleRate)
	}
	if len(c.Samples) == 0 || len(c.Samples[0]) == 0 {
		return fmt.Errorf("%w: empty chunk", ErrMalformedFrame)
	}
	n := len(c.Samples[0])
	for i, ch := range c.Samples[1:] {
		if len(ch) != n {
			return fmt.Errorf("%w: channel %d has %d samples, want %d", ErrMalformedFrame, i+1, len(ch), n)
		}
	}
	return nil
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
