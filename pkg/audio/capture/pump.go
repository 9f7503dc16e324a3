// Package capture turns hardware-clocked microphone callbacks into a stream of
// encoded [audio.AudioFrame] values.
//
// The [Pump] never blocks the device callback. Each block is encoded on the
// callback and offered to a single-slot hand-off; one forwarding goroutine
// drains the slot and calls the consumer. If the consumer is still busy with
// the previous frame when a new one arrives, the new frame is dropped and
// counted. Frames that are delivered are delivered in capture order.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// DefaultBlockSize is the number of sample frames per capture callback.
const DefaultBlockSize = 4096

// dropLogInterval throttles the "dropping frames" warning.
const dropLogInterval = time.Second

// ErrRunning is returned by [Pump.Start] when the pump is already capturing.
var ErrRunning = errors.New("capture: pump already running")

// Option configures a [Pump].
type Option func(*Pump)

// WithBlockSize sets the number of sample frames per callback. Non-positive
// values are ignored.
func WithBlockSize(n int) Option {
	return func(p *Pump) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithDropHook registers fn to be called from the device callback every time
// a frame is dropped. fn must not block.
func WithDropHook(fn func()) Option {
	return func(p *Pump) { p.onDrop = fn }
}

// Stats is a snapshot of pump counters for the current (or last) run.
type Stats struct {
	// Captured counts blocks received from the device.
	Captured uint64

	// Dropped counts blocks discarded because the consumer was busy.
	Dropped uint64
}

// Pump owns a capture callback on a borrowed [audio.InputContext] and forwards
// encoded frames to a consumer. The zero value is not usable; call [New].
//
// Start and Stop are safe for concurrent use.
type Pump struct {
	blockSize int
	onDrop    func()

	mu      sync.Mutex
	running bool
	stream  audio.CaptureStream
	done    chan struct{}
	wg      sync.WaitGroup

	captured    atomic.Uint64
	dropped     atomic.Uint64
	lastDropLog atomic.Int64
}

// New creates a stopped Pump.
func New(opts ...Option) *Pump {
	p := &Pump{blockSize: DefaultBlockSize}
	for _, o := range opts {
		o(p)
	}
	return p
}

// BlockSize returns the configured callback block size.
func (p *Pump) BlockSize() int { return p.blockSize }

// Start registers the capture callback on in for mic and begins forwarding
// frames to onFrame. onFrame is called from a single goroutine, one frame at a
// time, in capture order. in and mic are borrowed: the pump never closes them.
func (p *Pump) Start(in audio.InputContext, mic audio.Microphone, onFrame func(audio.AudioFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrRunning
	}

	format := in.Format()
	slot := make(chan audio.AudioFrame, 1)
	done := make(chan struct{})

	p.captured.Store(0)
	p.dropped.Store(0)
	p.lastDropLog.Store(0)

	cb := func(samples []float32) {
		seq := p.captured.Add(1)
		frame := audio.AudioFrame{
			Data:       audio.EncodePCM16(samples),
			SampleRate: format.SampleRate,
			Channels:   format.Channels,
			Timestamp:  blockOffset(seq-1, p.blockSize, format.SampleRate),
			Seq:        seq,
		}
		select {
		case slot <- frame:
		default:
			p.drop()
		}
	}

	stream, err := in.Capture(mic, p.blockSize, cb)
	if err != nil {
		return fmt.Errorf("capture: register callback: %w", err)
	}

	p.wg.Go(func() {
		for {
			select {
			case <-done:
				return
			case frame := <-slot:
				onFrame(frame)
			}
		}
	})

	p.stream = stream
	p.done = done
	p.running = true

	slog.Debug("capture started",
		"device", mic.Name(),
		"format", format.String(),
		"block_size", p.blockSize,
	)
	return nil
}

// Stop unregisters the capture callback and waits for the forwarding
// goroutine to exit. A frame that was waiting in the hand-off slot is
// discarded. Calling Stop on a stopped pump is a no-op.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	p.running = false

	if err := p.stream.Stop(); err != nil {
		slog.Warn("capture: stop stream", "err", err)
	}
	close(p.done)
	p.wg.Wait()
	p.stream = nil

	st := p.Stats()
	slog.Debug("capture stopped", "captured", st.Captured, "dropped", st.Dropped)
}

// Running reports whether the pump currently holds a capture callback.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns the counters of the current or most recent run.
func (p *Pump) Stats() Stats {
	return Stats{Captured: p.captured.Load(), Dropped: p.dropped.Load()}
}

// drop counts a discarded frame and logs at most once per dropLogInterval.
// It runs on the device callback and must not block.
func (p *Pump) drop() {
	n := p.dropped.Add(1)
	if p.onDrop != nil {
		p.onDrop()
	}
	now := time.Now().UnixNano()
	last := p.lastDropLog.Load()
	if now-last < int64(dropLogInterval) {
		return
	}
	if p.lastDropLog.CompareAndSwap(last, now) {
		slog.Warn("capture: consumer busy, dropping frames",
			"dropped", n,
			"captured", p.captured.Load(),
		)
	}
}

// blockOffset returns the capture time of block index i.
func blockOffset(i uint64, blockSize, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(i) * time.Duration(blockSize) * time.Second / time.Duration(sampleRate)
}
