package portaudio

import (
	"testing"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

func mono(rate int, samples ...float32) audio.DecodedChunk {
	return audio.DecodedChunk{Samples: [][]float32{samples}, SampleRate: rate}
}

func TestTimeline_RendersAtScheduledPosition(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 4, Channels: 1})
	if err := tl.Schedule(0.5, mono(4, 0.1, 0.2)); err != nil {
		t.Fatal(err)
	}

	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0, 0, 0.1, 0.2}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
	if got := tl.Now(); got != 1 {
		t.Errorf("Now = %v, want 1", got)
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", tl.Pending())
	}
}

func TestTimeline_SpansRenderCalls(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 4, Channels: 1})
	if err := tl.Schedule(0.25, mono(4, 0.1, 0.2, 0.3)); err != nil {
		t.Fatal(err)
	}

	a := make([]float32, 2)
	tl.Render(a)
	b := make([]float32, 2)
	tl.Render(b)

	if a[0] != 0 || a[1] != 0.1 || b[0] != 0.2 || b[1] != 0.3 {
		t.Errorf("rendered %v %v", a, b)
	}
}

func TestTimeline_LateChunkIsTrimmed(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 4, Channels: 1})
	tl.Render(make([]float32, 2))

	if err := tl.Schedule(0, mono(4, 0.1, 0.2, 0.3)); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 0.3 || out[1] != 0 {
		t.Errorf("out = %v, want [0.3 0]", out)
	}

	if err := tl.Schedule(0, mono(4, 0.5)); err != nil {
		t.Fatal(err)
	}
	if tl.Pending() != 0 {
		t.Error("fully elapsed chunk was kept")
	}
}

func TestTimeline_MixesOverlapAndClamps(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 2, Channels: 1})
	_ = tl.Schedule(0, mono(2, 0.25, 0.75))
	_ = tl.Schedule(0, mono(2, 0.25, 0.75))

	out := make([]float32, 2)
	tl.Render(out)
	if out[0] != 0.5 || out[1] != 1 {
		t.Errorf("out = %v, want [0.5 1]", out)
	}
}

func TestTimeline_MonoToStereo(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 2, Channels: 2})
	if err := tl.Schedule(0, mono(2, 0.1, 0.2)); err != nil {
		t.Fatal(err)
	}
	out := make([]float32, 4)
	tl.Render(out)
	want := []float32{0.1, 0.1, 0.2, 0.2}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("out = %v, want %v", out, want)
		}
	}
}

func TestTimeline_RejectsMismatchedFormat(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 24000, Channels: 1})
	if err := tl.Schedule(0, mono(16000, 0.1)); err == nil {
		t.Error("expected error for rate mismatch")
	}
	stereo := audio.DecodedChunk{Samples: [][]float32{{0.1}, {0.1}}, SampleRate: 24000}
	if err := tl.Schedule(0, stereo); err == nil {
		t.Error("expected error for channel mismatch")
	}
}

func TestTimeline_Reset(t *testing.T) {
	tl := NewTimeline(audio.Format{SampleRate: 4, Channels: 1})
	_ = tl.Schedule(1, mono(4, 0.5))
	tl.Reset()

	out := make([]float32, 8)
	tl.Render(out)
	for _, v := range out {
		if v != 0 {
			t.Fatalf("out = %v after Reset, want silence", out)
		}
	}
}
