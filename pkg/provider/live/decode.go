package live

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// DecodeAudio turns one block of little-endian PCM16 received from a backend
// into a chunk at dstRate. srcRate is the rate the backend produced; when it
// differs from dstRate every channel is resampled. A zero dstRate keeps the
// source rate.
//
// Errors wrap [audio.ErrMalformedFrame]. Callers log and skip such chunks.
func DecodeAudio(data []byte, channels, srcRate, dstRate int) (audio.DecodedChunk, error) {
	if srcRate <= 0 {
		return audio.DecodedChunk{}, fmt.Errorf("%w: source rate %d", audio.ErrMalformedFrame, srcRate)
	}
	if len(data) == 0 {
		return audio.DecodedChunk{}, fmt.Errorf("%w: empty payload", audio.ErrMalformedFrame)
	}
	samples, err := audio.DecodePCM16(data, channels)
	if err != nil {
		return audio.DecodedChunk{}, err
	}
	if dstRate <= 0 {
		dstRate = srcRate
	}
	if dstRate != srcRate {
		for c := range samples {
			samples[c] = audio.Resample(samples[c], srcRate, dstRate)
		}
	}
	return audio.DecodedChunk{Samples: samples, SampleRate: dstRate}, nil
}

// RateFromMIME extracts the rate parameter of a descriptor such as
// "audio/pcm;rate=24000". It returns def if the descriptor has none.
func RateFromMIME(mime string, def int) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
