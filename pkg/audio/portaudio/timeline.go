package portaudio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// placed is a chunk positioned on the timeline. samples is interleaved in the
// timeline's channel layout.
type placed struct {
	start   int64
	samples []float32
}

func (p placed) end(channels int) int64 {
	return p.start + int64(len(p.samples)/channels)
}

// Timeline is the clock and mixer behind an output stream. The device
// callback pulls rendered frames with [Timeline.Render]; the position only
// advances there, so [Timeline.Now] follows the hardware clock.
//
// Timeline is safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu      sync.Mutex
	cursor  int64
	pending []placed
}

// NewTimeline returns a timeline at position zero.
func NewTimeline(format audio.Format) *Timeline {
	return &Timeline{format: format}
}

// Format returns the output format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the number of seconds rendered so far.
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.cursor) / float64(t.format.SampleRate)
}

// Schedule places chunk at startAt seconds. Audio whose start is already in
// the past is trimmed so that its tail plays at the right position. Mono
// chunks are duplicated onto every output channel.
func (t *Timeline) Schedule(startAt float64, chunk audio.DecodedChunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	if chunk.SampleRate != t.format.SampleRate {
		return fmt.Errorf("portaudio: chunk rate %d Hz, output runs at %d Hz", chunk.SampleRate, t.format.SampleRate)
	}
	if chunk.Channels() != 1 && chunk.Channels() != t.format.Channels {
		return fmt.Errorf("portaudio: chunk has %d channels, output has %d", chunk.Channels(), t.format.Channels)
	}

	ch := t.format.Channels
	frames := chunk.Frames()
	samples := make([]float32, frames*ch)
	for i := range frames {
		for c := range ch {
			src := chunk.Samples[0]
			if chunk.Channels() > 1 {
				src = chunk.Samples[c]
			}
			samples[i*ch+c] = src[i]
		}
	}
	p := placed{
		start:   int64(startAt*float64(t.format.SampleRate) + 0.5),
		samples: samples,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if late := t.cursor - p.start; late > 0 {
		if late >= int64(frames) {
			return nil
		}
		p.samples = p.samples[late*int64(ch):]
		p.start = t.cursor
	}
	i := sort.Search(len(t.pending), func(i int) bool { return t.pending[i].start > p.start })
	t.pending = append(t.pending, placed{})
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = p
	return nil
}

// Render fills out (interleaved) with the mix of every chunk overlapping the
// next len(out)/channels frames and advances the clock. Silence fills gaps.
// Mixed samples are clamped to [-1, 1].
func (t *Timeline) Render(out []float32) {
	clear(out)
	ch := t.format.Channels
	n := int64(len(out) / ch)

	t.mu.Lock()
	defer t.mu.Unlock()
	from, to := t.cursor, t.cursor+n

	keep := t.pending[:0]
	for _, p := range t.pending {
		if p.start < to {
			lo := max(from, p.start)
			hi := min(to, p.end(ch))
			for f := lo; f < hi; f++ {
				src := (f - p.start) * int64(ch)
				dst := (f - from) * int64(ch)
				for c := range int64(ch) {
					out[dst+c] += p.samples[src+c]
				}
			}
		}
		if p.end(ch) > to {
			keep = append(keep, p)
		}
	}
	clear(t.pending[len(keep):])
	t.pending = keep
	t.cursor = to

	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
}

// Pending returns the number of chunks that have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Reset drops every scheduled chunk. The clock keeps running.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.pending)
	t.pending = t.pending[:0]
}
