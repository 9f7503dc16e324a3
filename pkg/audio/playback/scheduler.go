// Package playback lays decoded audio chunks end to end on an output device
// timeline.
//
// The [Scheduler] keeps a single "next free start time" cursor. Each chunk is
// placed at max(cursor, device now) and the cursor advances by the chunk's
// duration, so chunks play back to back without gaps or overlap no matter how
// unevenly they arrive. When the scheduler falls behind the device clock (the
// stream stalled), the next chunk simply starts "now".
package playback

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// ErrDetached is returned by [Scheduler.Schedule] when no output is attached.
var ErrDetached = errors.New("playback: no output attached")

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithObserver registers fn to be called after every successfully scheduled
// chunk with its start time and duration in seconds.
func WithObserver(fn func(startAt, duration float64)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// Scheduler owns the playback cursor of one session. It is designed for a
// single writer (the session event loop); the mutex only guards against
// concurrent Attach/Detach/Reset from the controller.
type Scheduler struct {
	observer func(startAt, duration float64)

	mu     sync.Mutex
	out    audio.OutputContext
	cursor float64
}

// New creates a detached Scheduler with its cursor at 0.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Attach lends out to the scheduler. The scheduler never closes it.
func (s *Scheduler) Attach(out audio.OutputContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = out
}

// Detach drops the borrowed output reference. Subsequent Schedule calls
// return [ErrDetached].
func (s *Scheduler) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
}

// Schedule places chunk on the output timeline at
// max(cursor, device now) and advances the cursor past it. It returns the
// start time used.
//
// A malformed chunk is logged and skipped: the cursor does not move and the
// returned error wraps [audio.ErrMalformedFrame]. If the device rejects the
// chunk the cursor does not move either.
func (s *Scheduler) Schedule(chunk audio.DecodedChunk) (float64, error) {
	if err := chunk.Validate(); err != nil {
		slog.Warn("playback: skipping malformed chunk", "err", err)
		return 0, err
	}

	s.mu.Lock()
	out := s.out
	if out == nil {
		s.mu.Unlock()
		return 0, ErrDetached
	}
	startAt := max(s.cursor, out.Now())
	if err := out.Play(startAt, chunk); err != nil {
		s.mu.Unlock()
		slog.Warn("playback: device rejected chunk", "start_at", startAt, "err", err)
		return 0, fmt.Errorf("playback: play: %w", err)
	}
	dur := chunk.Duration()
	s.cursor = startAt + dur
	s.mu.Unlock()

	if s.observer != nil {
		s.observer(startAt, dur)
	}
	return startAt, nil
}

// Cursor returns the next free start time in seconds.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Interrupt discards the audio already handed to the output and moves the
// cursor to the device's current time, so the next chunk plays immediately.
// It is a no-op when detached.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	s.out.Flush()
	s.cursor = s.out.Now()
}

// Reset moves the cursor back to 0 so that a future session starts clean.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = 0
}
