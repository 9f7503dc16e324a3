package capture_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/audio/capture"
	"github.com/MrWong99/deckvoice/pkg/audio/mock"
)

// openInput returns a mock microphone and 16 kHz mono input context.
func openInput(t *testing.T) (*mock.Devices, audio.Microphone, *mock.InputContext) {
	t.Helper()
	devs := &mock.Devices{}
	ctx := context.Background()
	mic, err := devs.OpenMicrophone(ctx)
	if err != nil {
		t.Fatalf("OpenMicrophone: %v", err)
	}
	if _, err := devs.OpenInput(ctx, audio.Format{SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	return devs, mic, devs.Input()
}

func TestPump_ForwardsFramesInOrder(t *testing.T) {
	t.Parallel()
	_, mic, in := openInput(t)

	got := make(chan audio.AudioFrame, 8)
	p := capture.New(capture.WithBlockSize(4))
	if err := p.Start(in, mic, func(f audio.AudioFrame) { got <- f }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	if bs := in.BlockSize(); bs != 4 {
		t.Errorf("block size = %d, want 4", bs)
	}

	for i := range 3 {
		if err := in.Feed([]float32{float32(i) / 4, 0, 0, 0}); err != nil {
			t.Fatalf("Feed: %v", err)
		}
		select {
		case f := <-got:
			if f.Seq != uint64(i+1) {
				t.Errorf("frame %d: seq = %d", i, f.Seq)
			}
			if f.SampleRate != 16000 || f.Channels != 1 {
				t.Errorf("frame %d: format = %d/%d", i, f.SampleRate, f.Channels)
			}
			if len(f.Data) != 8 {
				t.Errorf("frame %d: %d bytes, want 8", i, len(f.Data))
			}
			wantTS := time.Duration(i) * 4 * time.Second / 16000
			if f.Timestamp != wantTS {
				t.Errorf("frame %d: timestamp = %v, want %v", i, f.Timestamp, wantTS)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for frame %d", i)
		}
	}
}

func TestPump_DropsWhenConsumerBusy(t *testing.T) {
	t.Parallel()
	_, mic, in := openInput(t)

	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var mu sync.Mutex
	var seqs []uint64

	drops := 0
	p := capture.New(capture.WithBlockSize(1), capture.WithDropHook(func() { drops++ }))
	err := p.Start(in, mic, func(f audio.AudioFrame) {
		mu.Lock()
		seqs = append(seqs, f.Seq)
		mu.Unlock()
		entered <- struct{}{}
		<-release
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	_ = in.Feed([]float32{0.1}) // taken by the forwarder, which then blocks
	<-entered
	_ = in.Feed([]float32{0.2}) // waits in the slot
	_ = in.Feed([]float32{0.3}) // slot full: dropped

	close(release)
	<-entered

	p.Stop()

	st := p.Stats()
	if st.Captured != 3 {
		t.Errorf("captured = %d, want 3", st.Captured)
	}
	if st.Dropped != 1 || drops != 1 {
		t.Errorf("dropped = %d (hook %d), want 1", st.Dropped, drops)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Errorf("delivered seqs = %v, want [1 2]", seqs)
	}
}

func TestPump_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	_, mic, in := openInput(t)

	p := capture.New()
	if err := p.Start(in, mic, func(audio.AudioFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.Stop()
	p.Stop()

	_, stops, _ := in.Counts()
	if stops != 1 {
		t.Errorf("capture stream stopped %d times, want 1", stops)
	}
	if p.Running() {
		t.Error("pump still running after Stop")
	}
	if err := in.Feed([]float32{0}); !errors.Is(err, mock.ErrNoCapture) {
		t.Errorf("Feed after Stop = %v, want ErrNoCapture", err)
	}
}

func TestPump_StopWithoutStart(t *testing.T) {
	t.Parallel()
	p := capture.New()
	p.Stop()
	if p.BlockSize() != capture.DefaultBlockSize {
		t.Errorf("block size = %d, want %d", p.BlockSize(), capture.DefaultBlockSize)
	}
}

func TestPump_StartTwice(t *testing.T) {
	t.Parallel()
	_, mic, in := openInput(t)

	p := capture.New()
	if err := p.Start(in, mic, func(audio.AudioFrame) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()
	if err := p.Start(in, mic, func(audio.AudioFrame) {}); !errors.Is(err, capture.ErrRunning) {
		t.Errorf("second Start = %v, want ErrRunning", err)
	}
	if captures, _, _ := in.Counts(); captures != 1 {
		t.Errorf("captures = %d, want 1", captures)
	}
}

func TestPump_CaptureError(t *testing.T) {
	t.Parallel()
	_, mic, in := openInput(t)
	in.CaptureErr = errors.New("device busy")

	p := capture.New()
	if err := p.Start(in, mic, func(audio.AudioFrame) {}); err == nil {
		t.Fatal("expected error")
	}
	if p.Running() {
		t.Error("pump running after failed Start")
	}
}
