// Package mock provides a scripted, in-memory implementation of
// [live.Provider] and [live.Stream] for unit tests.
//
// A [Stream] records every frame and tool result sent to it, in order, and
// lets the test inject inbound events with [Stream.Emit] and its helpers.
//
// Typical usage:
//
//	p := &mock.Provider{}
//	s, _ := p.Open(ctx, cfg)
//	stream := p.Stream()
//	stream.EmitToolCall(live.ToolInvocation{ID: "1", Name: "update_slides"})
//	stream.WaitForResults(1, time.Second)
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/deckvoice/pkg/audio"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Stream   = (*Stream)(nil)
)

// ─── Provider ────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [live.Provider].
type Provider struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Gate, when non-nil, makes Open wait until it is closed or ctx is done.
	// A cancelled wait returns an unreachable *live.OpenError.
	Gate chan struct{}

	// Opened, when non-nil, receives a value each time Open starts waiting
	// on Gate.
	Opened chan struct{}

	configs []live.SessionConfig
	streams []*Stream
}

// Open implements [live.Provider].
func (p *Provider) Open(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	gate, opened, openErr := p.Gate, p.Opened, p.OpenErr
	p.mu.Unlock()

	if gate != nil {
		if opened != nil {
			opened <- struct{}{}
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &live.OpenError{Kind: live.OpenUnreachable, Err: ctx.Err()}
		}
	}
	if openErr != nil {
		return nil, openErr
	}

	s := NewStream()
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

// Configs returns every SessionConfig passed to Open, in order.
func (p *Provider) Configs() []live.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]live.SessionConfig(nil), p.configs...)
}

// Streams returns every stream opened so far, in order.
func (p *Provider) Streams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Stream(nil), p.streams...)
}

// Stream returns the most recently opened stream, or nil.
func (p *Provider) Stream() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	return p.streams[len(p.streams)-1]
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [live.Stream]. Its first event is
// [live.EventOpened].
type Stream struct {
	events *live.EventQueue

	mu      sync.Mutex
	frames  []audio.AudioFrame
	results []live.ToolResult
	ended   bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a stream that has already emitted EventOpened.
func NewStream() *Stream {
	s := &Stream{events: live.NewEventQueue()}
	s.events.Push(live.Event{Kind: live.EventOpened})
	return s
}

// Send implements [live.Stream]. Frames sent after the stream ended are
// ignored.
func (s *Stream) Send(frame audio.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.frames = append(s.frames, frame)
}

// SendToolResult implements [live.Stream].
func (s *Stream) SendToolResult(res live.ToolResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.results = append(s.results, res)
}

// Events implements [live.Stream].
func (s *Stream) Events() <-chan live.Event { return s.events.Events() }

// Stats implements [live.Stream].
func (s *Stream) Stats() live.StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return live.StreamStats{Sent: uint64(len(s.frames))}
}

// Close implements [live.Stream]. The first Close of a live stream emits
// EventClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CallCountClose++
	s.ended = true
	s.mu.Unlock()
	s.events.Push(live.Event{Kind: live.EventClosed})
	return nil
}

// Emit injects an inbound event. It reports false if the stream already
// ended. A terminal event ends the stream.
func (s *Stream) Emit(ev live.Event) bool {
	if ev.Terminal() {
		s.mu.Lock()
		s.ended = true
		s.mu.Unlock()
	}
	return s.events.Push(ev)
}

// EmitAudio injects an EventAudio carrying chunk.
func (s *Stream) EmitAudio(chunk audio.DecodedChunk) bool {
	return s.Emit(live.Event{Kind: live.EventAudio, Chunk: chunk})
}

// EmitToolCall injects an EventToolCall carrying inv.
func (s *Stream) EmitToolCall(inv live.ToolInvocation) bool {
	return s.Emit(live.Event{Kind: live.EventToolCall, Call: inv})
}

// Fail injects a terminal EventError wrapping err in [live.ErrStream].
func (s *Stream) Fail(err error) bool {
	return s.Emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("mock: %w: %w", live.ErrStream, err)})
}

// Frames returns a copy of the frames sent so far.
func (s *Stream) Frames() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.frames...)
}

// Results returns a copy of the tool results sent so far.
func (s *Stream) Results() []live.ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]live.ToolResult(nil), s.results...)
}

// Closes returns the number of Close calls.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// WaitForFrames polls until at least n frames were sent or d elapses. It
// reports whether the count was reached.
func (s *Stream) WaitForFrames(n int, d time.Duration) bool {
	return poll(d, func() bool { return len(s.Frames()) >= n })
}

// WaitForResults polls until at least n tool results were sent or d elapses.
func (s *Stream) WaitForResults(n int, d time.Duration) bool {
	return poll(d, func() bool { return len(s.Results()) >= n })
}

func poll(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
