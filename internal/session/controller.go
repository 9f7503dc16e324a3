// Package session implements the live voice session controller: it owns the
// audio devices, the live stream, the capture pump, the playback scheduler
// and the tool dispatcher of one conversation, and guarantees that each of
// them is released exactly once no matter how the session ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/deckvoice/internal/observe"
	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/audio/capture"
	"github.com/MrWong99/deckvoice/pkg/audio/playback"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// State is the lifecycle state of a [Controller].
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StateStopping
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Default device formats.
var (
	DefaultInputFormat  = audio.Format{SampleRate: 16000, Channels: 1}
	DefaultOutputFormat = audio.Format{SampleRate: 24000, Channels: 1}
)

// Config holds the dependencies of a [Controller].
type Config struct {
	// Devices opens the microphone and both audio contexts. Required.
	Devices audio.Devices

	// Provider opens the live stream. Required.
	Provider live.Provider

	// ProviderName labels stream error metrics. Default: "live".
	ProviderName string

	// Tools handles tool invocations. Its declarations are announced to the
	// model when the stream opens. Optional; without it every invocation is
	// answered with an unknown-tool error.
	Tools *tools.Registry

	// Session is the stream configuration template. Tools and sample rates
	// are filled in by the controller.
	Session live.SessionConfig

	// InputFormat and OutputFormat are requested from Devices.
	// Defaults: [DefaultInputFormat] and [DefaultOutputFormat].
	InputFormat  audio.Format
	OutputFormat audio.Format
}

// Option configures a [Controller].
type Option func(*Controller)

// WithOnStop registers fn to be called once each time an active session ends.
// reason is nil for an explicit [Controller.Stop], [ErrStreamClosed] when the
// remote side closed the stream, and the stream error otherwise. fn runs on
// the goroutine performing the teardown and must not call Start.
func WithOnStop(fn func(reason error)) Option {
	return func(c *Controller) { c.onStop = fn }
}

// WithMetrics records session metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithBlockSize sets the capture block size in samples.
// Default: [capture.DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.blockSize = n
		}
	}
}

// WithToolConcurrency bounds the number of tool handlers running at once per
// session.
func WithToolConcurrency(n int) Option {
	return func(c *Controller) { c.toolConcurrency = n }
}

// Stats is a snapshot of the current or most recent session.
type Stats struct {
	State          State   `json:"state"`
	SessionID      string  `json:"session_id,omitempty"`
	FramesSent     uint64  `json:"frames_sent"`
	CaptureDropped uint64  `json:"capture_dropped"`
	StreamSent     uint64  `json:"stream_sent"`
	StreamDropped  uint64  `json:"stream_dropped"`
	PlaybackCursor float64 `json:"playback_cursor"`
}

// active holds the resources of one session.
type active struct {
	id         string
	mic        audio.Microphone
	in         audio.InputContext
	out        audio.OutputContext
	stream     live.Stream
	pump       *capture.Pump
	dispatcher *tools.Dispatcher
	loopDone   chan struct{}
	ctx        context.Context
}

// Controller drives one live voice session at a time. It is reusable: after a
// session ends it returns to [StateIdle] and can be started again.
//
// All exported methods are safe for concurrent use.
type Controller struct {
	cfg             Config
	onStop          func(error)
	metrics         *observe.Metrics
	blockSize       int
	toolConcurrency int

	state      atomic.Int32
	sendCursor atomic.Uint64
	scheduler  *playback.Scheduler

	mu          sync.Mutex
	cur         *active
	sessionID   string
	startCancel context.CancelFunc
	startDone   chan struct{}
	lastErr     error
	lastStats   Stats
}

// New creates an idle controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.ProviderName == "" {
		cfg.ProviderName = "live"
	}
	if cfg.InputFormat == (audio.Format{}) {
		cfg.InputFormat = DefaultInputFormat
	}
	if cfg.OutputFormat == (audio.Format{}) {
		cfg.OutputFormat = DefaultOutputFormat
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewRegistry()
	}

	c := &Controller{cfg: cfg, blockSize: capture.DefaultBlockSize}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics, _ = observe.NewMetrics(noop.NewMeterProvider())
	}
	c.scheduler = playback.New(playback.WithObserver(func(_, d float64) {
		c.metrics.PlaybackScheduled.Add(context.Background(), d)
	}))
	return c
}

// UpdateSession replaces the stream configuration template. A running session
// keeps the configuration it was opened with; the next Start uses sc.
func (c *Controller) UpdateSession(sc live.SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.Session = sc
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// SessionID returns the ID of the current or most recent session.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastError returns why the most recent session ended or failed to start, or
// nil after an explicit stop.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats returns counters of the active session, or of the most recent one
// when idle.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		st := c.lastStats
		st.State = c.State()
		st.SessionID = c.sessionID
		return st
	}
	return c.snapshot(c.cur)
}

// snapshot must be called with c.mu held.
func (c *Controller) snapshot(a *active) Stats {
	ss := a.stream.Stats()
	return Stats{
		State:          c.State(),
		SessionID:      a.id,
		FramesSent:     c.sendCursor.Load(),
		CaptureDropped: a.pump.Stats().Dropped,
		StreamSent:     ss.Sent,
		StreamDropped:  ss.Dropped,
		PlaybackCursor: c.scheduler.Cursor(),
	}
}

// Start acquires the audio devices, opens the live stream and begins
// capturing and playing audio. It is a no-op returning nil unless the
// controller is idle.
//
// Device failures are returned as *[DeviceAcquisitionError]; handshake
// failures wrap *[live.OpenError]. A [Controller.Stop] issued while Start is
// in progress cancels it. On every error path the controller is idle again
// and nothing stays acquired.
//
// ctx bounds only the start itself; the session outlives it.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		c.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	startCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sessionID = id
	c.startCancel = cancel
	c.startDone = done
	c.lastErr = nil
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.startCancel = nil
		c.startDone = nil
		c.mu.Unlock()
		close(done)
	}()

	began := time.Now()
	startCtx = observe.WithSessionID(startCtx, id)
	startCtx, span := observe.StartSpan(startCtx, "session.start")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", id))
	log := observe.Logger(startCtx)

	a, err := c.launch(startCtx, id)
	if err != nil {
		status := "open"
		var devErr *DeviceAcquisitionError
		switch {
		case startCtx.Err() != nil:
			status = "cancelled"
		case errors.As(err, &devErr):
			status = "device"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.RecordSessionStart(startCtx, status)
		log.Warn("session start failed", "status", status, "err", err)

		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.state.Store(int32(StateIdle))
		return err
	}

	c.mu.Lock()
	c.cur = a
	c.mu.Unlock()
	c.state.Store(int32(StateActive))

	go c.run(a)

	c.metrics.RecordSessionStart(startCtx, "ok")
	c.metrics.SessionStartDuration.Record(startCtx, time.Since(began).Seconds())
	c.metrics.ActiveSessions.Add(startCtx, 1)
	log.Info("session started",
		"input", a.in.Format().String(),
		"output", a.out.Format().String(),
		"tools", len(c.cfg.Tools.Declarations()),
	)
	return nil
}

// launch acquires every resource of a new session. On failure it releases
// whatever it acquired before returning.
func (c *Controller) launch(ctx context.Context, id string) (_ *active, err error) {
	a := &active{
		id:       id,
		loopDone: make(chan struct{}),
		// The session must outlive the start request.
		ctx: observe.WithSessionID(context.WithoutCancel(ctx), id),
	}
	defer func() {
		if err == nil {
			return
		}
		if a.pump != nil {
			a.pump.Stop()
		}
		if a.dispatcher != nil {
			a.dispatcher.Close()
		}
		if a.stream != nil {
			c.scheduler.Detach()
			if cerr := a.stream.Close(); cerr != nil {
				observe.Logger(ctx).Warn("session: close stream", "err", cerr)
			}
			// No event loop runs for a rolled-back stream; consume its
			// events up to the terminal one so delivery can finish.
			for range a.stream.Events() {
			}
		}
		c.release(a)
	}()

	if a.mic, err = c.cfg.Devices.OpenMicrophone(ctx); err != nil {
		return nil, &DeviceAcquisitionError{Device: "microphone", Err: err}
	}
	if a.in, err = c.cfg.Devices.OpenInput(ctx, c.cfg.InputFormat); err != nil {
		return nil, &DeviceAcquisitionError{Device: "input", Err: err}
	}
	if a.out, err = c.cfg.Devices.OpenOutput(ctx, c.cfg.OutputFormat); err != nil {
		return nil, &DeviceAcquisitionError{Device: "output", Err: err}
	}

	c.mu.Lock()
	sc := c.cfg.Session
	c.mu.Unlock()
	sc.Tools = c.cfg.Tools.Declarations()
	sc.InputSampleRate = a.in.Format().SampleRate
	sc.OutputSampleRate = a.out.Format().SampleRate
	if a.stream, err = c.cfg.Provider.Open(ctx, sc); err != nil {
		return nil, fmt.Errorf("session: open stream: %w", err)
	}
	// Stop may have cancelled the start after the handshake completed.
	if err = ctx.Err(); err != nil {
		return nil, fmt.Errorf("session: start cancelled: %w", err)
	}

	c.scheduler.Attach(a.out)
	a.dispatcher = tools.NewDispatcher(a.ctx, c.cfg.Tools, a.stream.SendToolResult,
		tools.WithConcurrency(c.toolConcurrency))

	c.sendCursor.Store(0)
	a.pump = capture.New(
		capture.WithBlockSize(c.blockSize),
		capture.WithDropHook(func() { c.metrics.CaptureDrops.Add(a.ctx, 1) }),
	)
	stream := a.stream
	if err = a.pump.Start(a.in, a.mic, func(f audio.AudioFrame) {
		c.sendCursor.Add(1)
		stream.Send(f)
	}); err != nil {
		return nil, &DeviceAcquisitionError{Device: "capture", Err: err}
	}
	return a, nil
}

// run consumes stream events in delivery order until the stream ends.
func (c *Controller) run(a *active) {
	defer close(a.loopDone)
	log := observe.Logger(a.ctx)

	for ev := range a.stream.Events() {
		switch ev.Kind {
		case live.EventOpened:
			log.Debug("stream opened")
		case live.EventAudio:
			// Malformed chunks and device errors are logged by the scheduler.
			_, _ = c.scheduler.Schedule(ev.Chunk)
		case live.EventInterrupted:
			c.scheduler.Interrupt()
			log.Debug("playback interrupted")
		case live.EventToolCall:
			log.Debug("tool call received", "tool", ev.Call.Name, "call_id", ev.Call.ID)
			a.dispatcher.Submit(ev.Call)
		case live.EventError:
			c.metrics.RecordStreamError(a.ctx, c.cfg.ProviderName)
			log.Error("stream failed", "err", ev.Err)
			c.end(a, ev.Err, true)
			return
		case live.EventClosed:
			c.end(a, ErrStreamClosed, true)
			return
		}
	}
}

// Stop ends the session. It is a no-op when idle or already stopping, and
// cancels a start that is still in progress. Resources are released exactly
// once however many goroutines call Stop concurrently.
func (c *Controller) Stop() {
	for {
		switch c.State() {
		case StateIdle, StateStopping:
			return
		case StateStarting:
			c.mu.Lock()
			cancel, done := c.startCancel, c.startDone
			c.mu.Unlock()
			if done == nil {
				// Start finished between the state read and the lock.
				continue
			}
			cancel()
			<-done
		case StateActive:
			c.mu.Lock()
			a := c.cur
			c.mu.Unlock()
			if a != nil {
				c.end(a, nil, false)
				return
			}
		}
	}
}

// end tears a down if it is still the active session. fromLoop is true when
// called by the event loop itself, which must not wait for its own exit.
func (c *Controller) end(a *active, reason error, fromLoop bool) {
	if !c.state.CompareAndSwap(int32(StateActive), int32(StateStopping)) {
		return
	}
	log := observe.Logger(a.ctx)

	a.pump.Stop()
	if err := a.stream.Close(); err != nil {
		log.Warn("session: close stream", "err", err)
	}
	a.dispatcher.Close()
	if !fromLoop {
		<-a.loopDone
	}

	c.mu.Lock()
	c.lastStats = c.snapshot(a)
	c.mu.Unlock()

	c.scheduler.Detach()
	c.scheduler.Reset()
	c.release(a)
	c.metrics.ActiveSessions.Add(a.ctx, -1)

	c.mu.Lock()
	c.cur = nil
	c.lastErr = reason
	c.mu.Unlock()
	c.state.Store(int32(StateIdle))

	if reason != nil {
		log.Warn("session stopped", "reason", reason)
	} else {
		log.Info("session stopped")
	}
	if c.onStop != nil {
		c.onStop(reason)
	}
}

// release closes the devices of a: output, input, then the microphone.
func (c *Controller) release(a *active) {
	log := observe.Logger(a.ctx)
	if a.out != nil {
		if err := a.out.Close(); err != nil {
			log.Warn("session: close output", "err", err)
		}
	}
	if a.in != nil {
		if err := a.in.Close(); err != nil {
			log.Warn("session: close input", "err", err)
		}
	}
	if a.mic != nil {
		if err := a.mic.Close(); err != nil {
			log.Warn("session: close microphone", "err", err)
		}
	}
}
