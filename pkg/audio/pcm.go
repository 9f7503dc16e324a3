package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedFrame is returned when a block of PCM data cannot be decoded,
// typically because its length is not a whole number of sample frames.
var ErrMalformedFrame = errors.New("audio: malformed frame")

// pcmScale maps a float sample in [-1, 1] onto the signed 16-bit range.
const pcmScale = 32768.0

// EncodePCM16 converts float samples in [-1.0, 1.0] to little-endian signed
// 16-bit PCM. Each sample is scaled by 32768 and truncated toward zero.
// Samples are not clamped: callers must supply values already in range. The
// single exception is full scale (+1.0), which saturates to 32767 rather than
// wrapping to the negative extreme.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(float64(s) * pcmScale)
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts little-endian signed 16-bit PCM back to float samples,
// de-interleaving into one slice per channel. It returns an error wrapping
// [ErrMalformedFrame] if channels is not positive or len(data) is not a
// multiple of 2*channels.
func DecodePCM16(data []byte, channels int) ([][]float32, error) {
	if channels < 1 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedFrame, channels)
	}
	stride := 2 * channels
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedFrame, len(data), stride)
	}
	frames := len(data) / stride
	out := make([][]float32, channels)
	for c := range out {
		out[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := i*stride + c*2
			v := int16(binary.LittleEndian.Uint16(data[off:]))
			out[c][i] = float32(float64(v) / pcmScale)
		}
	}
	return out, nil
}

// Downmix averages per-channel samples into one channel. Shorter channels
// count as silence past their end.
func Downmix(channels [][]float32) []float32 {
	switch len(channels) {
	case 0:
		return nil
	case 1:
		return channels[0]
	}
	n := 0
	for _, ch := range channels {
		n = max(n, len(ch))
	}
	out := make([]float32, n)
	for _, ch := range channels {
		for i, v := range ch {
			out[i] += v
		}
	}
	scale := 1 / float32(len(channels))
	for i := range out {
		out[i] *= scale
	}
	return out
}

// Resample converts mono float samples from srcRate to dstRate using linear
// interpolation. If the rates match, or either is not positive, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = float32(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// MIMEType returns the wire descriptor for 16-bit PCM at the given rate,
// e.g. "audio/pcm;rate=16000".
func MIMEType(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
