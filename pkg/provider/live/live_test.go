package live_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// drain reads every event until the channel closes or the timeout elapses.
func drain(t *testing.T, ch <-chan live.Event) []live.Event {
	t.Helper()
	var got []live.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timeout after %d events", len(got))
		}
	}
}

// ── EventQueue ─────────────────────────────────────────────────────────────────

func TestEventQueue_OrderAndSingleTerminal(t *testing.T) {
	t.Parallel()
	q := live.NewEventQueue()

	q.Push(live.Event{Kind: live.EventOpened})
	for i := range 100 {
		q.Push(live.Event{Kind: live.EventToolCall, Call: live.ToolInvocation{ID: fmt.Sprint(i)}})
	}
	if !q.Push(live.Event{Kind: live.EventError, Err: live.ErrStream}) {
		t.Fatal("terminal push rejected")
	}
	if q.Push(live.Event{Kind: live.EventClosed}) {
		t.Error("second terminal event accepted")
	}
	if q.Push(live.Event{Kind: live.EventAudio}) {
		t.Error("event after terminal accepted")
	}
	if !q.Finished() {
		t.Error("Finished() = false")
	}

	got := drain(t, q.Events())
	if len(got) != 102 {
		t.Fatalf("got %d events, want 102", len(got))
	}
	if got[0].Kind != live.EventOpened {
		t.Errorf("first event = %v", got[0].Kind)
	}
	for i := range 100 {
		if id := got[i+1].Call.ID; id != fmt.Sprint(i) {
			t.Fatalf("event %d has id %q", i+1, id)
		}
	}
	if last := got[101]; last.Kind != live.EventError || !errors.Is(last.Err, live.ErrStream) {
		t.Errorf("last event = %+v", last)
	}
}

func TestEventQueue_ConcurrentProducers(t *testing.T) {
	t.Parallel()
	q := live.NewEventQueue()

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 50 {
				q.Push(live.Event{Kind: live.EventAudio})
			}
		})
	}
	wg.Wait()
	q.Push(live.Event{Kind: live.EventClosed})

	got := drain(t, q.Events())
	if len(got) != 201 {
		t.Fatalf("got %d events, want 201", len(got))
	}
	if got[200].Kind != live.EventClosed {
		t.Errorf("last event = %v", got[200].Kind)
	}
}

// ── Outbox ─────────────────────────────────────────────────────────────────────

func TestOutbox_DropsAudioWhenFull(t *testing.T) {
	t.Parallel()
	o := live.NewOutbox(2)

	for i := range 3 {
		accepted := o.Offer([]byte{byte(i)})
		if want := i < 2; accepted != want {
			t.Errorf("Offer %d = %v, want %v", i, accepted, want)
		}
	}
	if st := o.Stats(); st.Dropped != 1 || st.Sent != 0 {
		t.Errorf("stats = %+v", st)
	}
	// Control messages are never dropped for capacity.
	for range 10 {
		if !o.Post([]byte("ctl")) {
			t.Fatal("Post rejected")
		}
	}
}

func TestOutbox_ControlFirstThenAudioInOrder(t *testing.T) {
	t.Parallel()
	o := live.NewOutbox(8)
	o.Offer([]byte("a1"))
	o.Offer([]byte("a2"))
	o.Post([]byte("c1"))

	var mu sync.Mutex
	var written []string
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(done)
		_ = o.Run(ctx, func(_ context.Context, msg []byte) error {
			mu.Lock()
			written = append(written, string(msg))
			n := len(written)
			mu.Unlock()
			if n == 3 {
				cancel()
			}
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"c1", "a1", "a2"}
	for i, w := range want {
		if i >= len(written) || written[i] != w {
			t.Fatalf("written = %v, want %v", written, want)
		}
	}
	if st := o.Stats(); st.Sent != 2 {
		t.Errorf("sent = %d, want 2", st.Sent)
	}
}

func TestOutbox_WriteErrorEndsRun(t *testing.T) {
	t.Parallel()
	o := live.NewOutbox(1)
	o.Offer([]byte("x"))
	boom := errors.New("broken pipe")

	err := o.Run(context.Background(), func(context.Context, []byte) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("Run = %v, want %v", err, boom)
	}
}

func TestOutbox_ClosedRejects(t *testing.T) {
	t.Parallel()
	o := live.NewOutbox(4)
	o.Close()
	if o.Offer([]byte("a")) {
		t.Error("Offer accepted after Close")
	}
	if o.Post([]byte("c")) {
		t.Error("Post accepted after Close")
	}
	if st := o.Stats(); st.Dropped != 0 {
		t.Errorf("closed offers counted as drops: %+v", st)
	}
}

// ── Decoding ───────────────────────────────────────────────────────────────────

func TestDecodeAudio(t *testing.T) {
	t.Parallel()
	pcm := audio.EncodePCM16(make([]float32, 240))

	tests := []struct {
		name      string
		data      []byte
		channels  int
		src, dst  int
		wantRate  int
		wantLen   int
		wantError bool
	}{
		{name: "same rate", data: pcm, channels: 1, src: 24000, dst: 24000, wantRate: 24000, wantLen: 240},
		{name: "upsample", data: pcm, channels: 1, src: 24000, dst: 48000, wantRate: 48000, wantLen: 480},
		{name: "stereo", data: pcm, channels: 2, src: 24000, dst: 0, wantRate: 24000, wantLen: 120},
		{name: "odd length", data: pcm[:5], channels: 1, src: 24000, dst: 48000, wantError: true},
		{name: "empty", data: nil, channels: 1, src: 24000, dst: 48000, wantError: true},
		{name: "no rate", data: pcm, channels: 1, src: 0, dst: 48000, wantError: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunk, err := live.DecodeAudio(tt.data, tt.channels, tt.src, tt.dst)
			if tt.wantError {
				if !errors.Is(err, audio.ErrMalformedFrame) {
					t.Fatalf("err = %v, want ErrMalformedFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeAudio: %v", err)
			}
			if chunk.SampleRate != tt.wantRate {
				t.Errorf("rate = %d, want %d", chunk.SampleRate, tt.wantRate)
			}
			if chunk.Frames() != tt.wantLen {
				t.Errorf("frames = %d, want %d", chunk.Frames(), tt.wantLen)
			}
			if chunk.Channels() != tt.channels {
				t.Errorf("channels = %d, want %d", chunk.Channels(), tt.channels)
			}
		})
	}
}

func TestRateFromMIME(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"audio/pcm;rate=24000":        24000,
		"audio/pcm; rate=16000":       16000,
		"audio/pcm":                   99,
		"audio/pcm;rate=abc":          99,
		"audio/pcm;codec=x;RATE=8000": 8000,
	}
	for mime, want := range tests {
		if got := live.RateFromMIME(mime, 99); got != want {
			t.Errorf("RateFromMIME(%q) = %d, want %d", mime, got, want)
		}
	}
}

func TestOpenError(t *testing.T) {
	t.Parallel()
	cause := context.Canceled
	var err error = &live.OpenError{Kind: live.OpenUnreachable, Err: cause}
	if !errors.Is(err, context.Canceled) {
		t.Error("OpenError does not unwrap to its cause")
	}
	var oe *live.OpenError
	if !errors.As(fmt.Errorf("session: %w", err), &oe) || oe.Kind != live.OpenUnreachable {
		t.Errorf("errors.As failed: %v", err)
	}
	if got := live.OpenAuth.String(); got != "auth" {
		t.Errorf("OpenAuth.String() = %q", got)
	}
}
