//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// DefaultOutputBuffer is the output callback size in frames.
const DefaultOutputBuffer = 480

var (
	_ audio.Devices       = (*Devices)(nil)
	_ audio.Microphone    = (*microphone)(nil)
	_ audio.InputContext  = (*inputContext)(nil)
	_ audio.OutputContext = (*outputContext)(nil)
)

// Devices opens the system default input and output devices. Call
// [Devices.Close] once every resource it handed out has been released.
type Devices struct {
	outputBuffer int
}

// Option configures [Devices].
type Option func(*Devices)

// WithOutputBuffer sets the output callback size in frames.
func WithOutputBuffer(frames int) Option {
	return func(d *Devices) {
		if frames > 0 {
			d.outputBuffer = frames
		}
	}
}

// Open initialises PortAudio.
func Open(opts ...Option) (*Devices, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	d := &Devices{outputBuffer: DefaultOutputBuffer}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Close terminates PortAudio.
func (d *Devices) Close() error {
	return pa.Terminate()
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default input device: %w", err)
	}
	if info.MaxInputChannels < 1 {
		return nil, fmt.Errorf("portaudio: %q has no input channels", info.Name)
	}
	return &microphone{info: info}, nil
}

// OpenInput implements [audio.Devices].
func (d *Devices) OpenInput(ctx context.Context, format audio.Format) (audio.InputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &inputContext{format: format}, nil
}

// OpenOutput implements [audio.Devices]. The output stream starts running
// immediately and plays silence until chunks are scheduled.
func (d *Devices) OpenOutput(ctx context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := pa.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default output device: %w", err)
	}

	tl := NewTimeline(format)
	stream, err := pa.OpenStream(pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   info,
			Channels: format.Channels,
			Latency:  info.DefaultLowOutputLatency,
		},
		SampleRate:      float64(format.SampleRate),
		FramesPerBuffer: d.outputBuffer,
	}, tl.Render)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", info.Name, err)
	}
	slog.Debug("portaudio: output opened", "device", info.Name, "format", format.String())
	return &outputContext{Timeline: tl, stream: stream}, nil
}

// ─── Microphone ──────────────────────────────────────────────────────────────

type microphone struct {
	info *pa.DeviceInfo

	mu     sync.Mutex
	closed bool
}

func (m *microphone) Name() string { return m.info.Name }

func (m *microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *microphone) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ─── Input ───────────────────────────────────────────────────────────────────

type inputContext struct {
	format audio.Format

	mu      sync.Mutex
	streams []*captureStream
}

func (c *inputContext) Format() audio.Format { return c.format }

func (c *inputContext) Capture(mic audio.Microphone, blockSize int, cb func([]float32)) (audio.CaptureStream, error) {
	m, ok := mic.(*microphone)
	if !ok {
		return nil, errors.New("portaudio: microphone was not opened by this backend")
	}
	if m.isClosed() {
		return nil, errors.New("portaudio: microphone is closed")
	}

	stream, err := pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   m.info,
			Channels: c.format.Channels,
			Latency:  m.info.DefaultLowInputLatency,
		},
		SampleRate:      float64(c.format.SampleRate),
		FramesPerBuffer: blockSize,
	}, func(in []float32) { cb(in) })
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", m.info.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", m.info.Name, err)
	}

	cs := &captureStream{stream: stream}
	c.mu.Lock()
	c.streams = append(c.streams, cs)
	c.mu.Unlock()
	return cs, nil
}

func (c *inputContext) Close() error {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.Stop())
	}
	return errors.Join(errs...)
}

type captureStream struct {
	stream *pa.Stream
	once   sync.Once
	err    error
}

func (s *captureStream) Stop() error {
	s.once.Do(func() {
		s.err = errors.Join(s.stream.Stop(), s.stream.Close())
	})
	return s.err
}

// ─── Output ──────────────────────────────────────────────────────────────────

type outputContext struct {
	*Timeline
	stream *pa.Stream
	once   sync.Once
	err    error
}

func (o *outputContext) Play(startAt float64, chunk audio.DecodedChunk) error {
	return o.Schedule(startAt, chunk)
}

func (o *outputContext) Flush() { o.Reset() }

func (o *outputContext) Close() error {
	o.once.Do(func() {
		o.Reset()
		o.err = errors.Join(o.stream.Stop(), o.stream.Close())
	})
	return o.err
}
