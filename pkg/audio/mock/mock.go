// Package mock provides in-memory implementations of the [audio.Devices],
// [audio.Microphone], [audio.InputContext], and [audio.OutputContext]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They count acquisitions and releases
// so that tests can assert that every resource is released exactly once, and
// they expose exported fields that the test can set to control return values.
//
// Typical usage:
//
//	devs := &mock.Devices{}
//	mic, _ := devs.OpenMicrophone(ctx)
//	in, _ := devs.OpenInput(ctx, audio.Format{SampleRate: 16000, Channels: 1})
//	stream, _ := in.Capture(mic, 4096, cb)
//	devs.Input().Feed(samples) // simulates one hardware callback
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Devices       = (*Devices)(nil)
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.InputContext  = (*InputContext)(nil)
	_ audio.OutputContext = (*OutputContext)(nil)
)

// ─── Devices ─────────────────────────────────────────────────────────────────

// Devices is a mock implementation of [audio.Devices]. Each Open* call returns
// a fresh mock resource which is retained for inspection.
type Devices struct {
	mu sync.Mutex

	// MicrophoneErr, InputErr and OutputErr are returned by the corresponding
	// Open* method when non-nil. No resource is created in that case.
	MicrophoneErr error
	InputErr      error
	OutputErr     error

	// OutputStart is the initial device clock of created output contexts.
	OutputStart float64

	mics    []*Microphone
	inputs  []*InputContext
	outputs []*OutputContext
}

// OpenMicrophone implements [audio.Devices].
func (d *Devices) OpenMicrophone(ctx context.Context) (audio.Microphone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.MicrophoneErr != nil {
		return nil, d.MicrophoneErr
	}
	m := &Microphone{DeviceName: "mock-mic"}
	d.mics = append(d.mics, m)
	return m, nil
}

// OpenInput implements [audio.Devices].
func (d *Devices) OpenInput(ctx context.Context, format audio.Format) (audio.InputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.InputErr != nil {
		return nil, d.InputErr
	}
	in := &InputContext{format: format}
	d.inputs = append(d.inputs, in)
	return in, nil
}

// OpenOutput implements [audio.Devices].
func (d *Devices) OpenOutput(ctx context.Context, format audio.Format) (audio.OutputContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OutputErr != nil {
		return nil, d.OutputErr
	}
	out := &OutputContext{format: format, now: d.OutputStart}
	d.outputs = append(d.outputs, out)
	return out, nil
}

// Microphones returns every microphone opened so far, in order.
func (d *Devices) Microphones() []*Microphone {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Microphone(nil), d.mics...)
}

// Inputs returns every input context opened so far, in order.
func (d *Devices) Inputs() []*InputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*InputContext(nil), d.inputs...)
}

// Outputs returns every output context opened so far, in order.
func (d *Devices) Outputs() []*OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*OutputContext(nil), d.outputs...)
}

// Input returns the most recently opened input context, or nil.
func (d *Devices) Input() *InputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.inputs) == 0 {
		return nil
	}
	return d.inputs[len(d.inputs)-1]
}

// Output returns the most recently opened output context, or nil.
func (d *Devices) Output() *OutputContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.outputs) == 0 {
		return nil
	}
	return d.outputs[len(d.outputs)-1]
}

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// DeviceName is returned by Name.
	DeviceName string

	// CloseErr is returned by Close.
	CloseErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Name implements [audio.Microphone].
func (m *Microphone) Name() string { return m.DeviceName }

// Close implements [audio.Microphone].
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	return m.CloseErr
}

// Closes returns the number of Close calls.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCountClose
}

// ─── InputContext ────────────────────────────────────────────────────────────

// ErrNoCapture is returned by [InputContext.Feed] when no callback is registered.
var ErrNoCapture = errors.New("mock: no capture callback registered")

// InputContext is a mock implementation of [audio.InputContext]. Tests drive
// the capture callback with [InputContext.Feed].
type InputContext struct {
	mu     sync.Mutex
	format audio.Format

	// CaptureErr is returned by Capture when non-nil.
	CaptureErr error

	// CloseErr is returned by Close.
	CloseErr error

	cb        func([]float32)
	blockSize int

	// CallCountCapture records how many times Capture succeeded.
	CallCountCapture int

	// CallCountStop records how many times a capture stream was stopped.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Format implements [audio.InputContext].
func (c *InputContext) Format() audio.Format { return c.format }

// Capture implements [audio.InputContext].
func (c *InputContext) Capture(_ audio.Microphone, blockSize int, cb func([]float32)) (audio.CaptureStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.CaptureErr != nil {
		return nil, c.CaptureErr
	}
	c.cb = cb
	c.blockSize = blockSize
	c.CallCountCapture++
	return &captureStream{ctx: c}, nil
}

// Close implements [audio.InputContext].
func (c *InputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.cb = nil
	return c.CloseErr
}

// Feed invokes the registered capture callback once with samples, the way a
// hardware clock tick would. It returns [ErrNoCapture] if nothing is registered.
func (c *InputContext) Feed(samples []float32) error {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb == nil {
		return ErrNoCapture
	}
	cb(samples)
	return nil
}

// BlockSize returns the block size passed to the last Capture call.
func (c *InputContext) BlockSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockSize
}

// Counts returns the Capture, Stop and Close call counts.
func (c *InputContext) Counts() (captures, stops, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountCapture, c.CallCountStop, c.CallCountClose
}

type captureStream struct {
	ctx  *InputContext
	once sync.Once
}

func (s *captureStream) Stop() error {
	s.once.Do(func() {
		s.ctx.mu.Lock()
		s.ctx.cb = nil
		s.ctx.CallCountStop++
		s.ctx.mu.Unlock()
	})
	return nil
}

// ─── OutputContext ───────────────────────────────────────────────────────────

// PlayCall records one invocation of [OutputContext.Play].
type PlayCall struct {
	StartAt float64
	Chunk   audio.DecodedChunk
}

// OutputContext is a mock implementation of [audio.OutputContext]. Its clock
// only moves when the test calls [OutputContext.SetNow] or [OutputContext.Advance].
type OutputContext struct {
	mu     sync.Mutex
	format audio.Format
	now    float64

	// PlayErr is returned by Play when non-nil.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	// PlayCalls records every successful Play call in order.
	PlayCalls []PlayCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int
}

// Format implements [audio.OutputContext].
func (c *OutputContext) Format() audio.Format { return c.format }

// Now implements [audio.OutputContext].
func (c *OutputContext) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// SetNow moves the device clock to t. Moving backwards is ignored.
func (c *OutputContext) SetNow(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t > c.now {
		c.now = t
	}
}

// Advance moves the device clock forward by d seconds.
func (c *OutputContext) Advance(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now += d
	}
}

// Play implements [audio.OutputContext].
func (c *OutputContext) Play(startAt float64, chunk audio.DecodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PlayErr != nil {
		return c.PlayErr
	}
	c.PlayCalls = append(c.PlayCalls, PlayCall{StartAt: startAt, Chunk: chunk})
	return nil
}

// Flush implements [audio.OutputContext]. Recorded Play calls are kept.
func (c *OutputContext) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFlush++
}

// Flushes returns the number of Flush calls.
func (c *OutputContext) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountFlush
}

// Close implements [audio.OutputContext].
func (c *OutputContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return c.CloseErr
}

// Plays returns a copy of the recorded Play calls.
func (c *OutputContext) Plays() []PlayCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PlayCall(nil), c.PlayCalls...)
}

// Closes returns the number of Close calls.
func (c *OutputContext) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}
