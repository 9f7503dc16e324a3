// Package audio defines the sample formats, PCM wire codec, and device
// abstractions used by the deckvoice live session pipeline.
//
// The device abstractions split hardware access into three separately owned
// resources so that a session can acquire them one at a time and release
// exactly what it acquired:
//
//   - [Microphone]: the permission-bearing handle to a capture device.
//   - [InputContext]: the clocked input engine that drives capture callbacks.
//   - [OutputContext]: the clocked output engine that plays scheduled chunks.
//
// [Devices] is the factory for all three. Hardware-backed implementations live
// in sub-packages (audio/portaudio); audio/mock provides counting test doubles.
package audio

import "context"

// Microphone is an acquired capture device handle. It is owned by whoever
// opened it and lent to an [InputContext] for the duration of a capture.
type Microphone interface {
	// Name is a human-readable device label used in logs.
	Name() string

	// Close releases the device. Implementations must tolerate repeated calls.
	Close() error
}

// CaptureStream is a registered capture callback on an [InputContext].
type CaptureStream interface {
	// Stop unregisters the callback. After Stop returns the callback is not
	// invoked again. Calling Stop more than once is safe.
	Stop() error
}

// InputContext is a clocked audio input engine. Its capture callback is driven
// by the device's hardware clock, not by a timer the caller controls.
type InputContext interface {
	// Format returns the sample rate and channel count delivered to callbacks.
	Format() Format

	// Capture registers cb to be invoked once per hardware block of blockSize
	// sample frames read from mic. Samples are interleaved floats in [-1, 1].
	// The slice passed to cb is reused between invocations; cb must copy what
	// it keeps and must return quickly.
	Capture(mic Microphone, blockSize int, cb func(samples []float32)) (CaptureStream, error)

	// Close shuts the engine down and releases its resources.
	Close() error
}

// OutputContext is a clocked audio output engine that plays chunks at
// absolute positions on its own timeline.
type OutputContext interface {
	// Format returns the sample rate and channel count of the output device.
	Format() Format

	// Now returns the device's current playback time in seconds since the
	// context was opened. It never decreases.
	Now() float64

	// Play schedules chunk to start at startAt seconds on the device timeline.
	// Play must not block on playback; it only enqueues.
	Play(startAt float64, chunk DecodedChunk) error

	// Flush drops every scheduled chunk that has not finished playing. The
	// clock keeps running.
	Flush()

	// Close stops output and releases the device.
	Close() error
}

// Devices opens the audio resources needed by a live session.
// Implementations must be safe for concurrent use.
type Devices interface {
	// OpenMicrophone acquires the default capture device. Permission or
	// availability failures are returned as errors.
	OpenMicrophone(ctx context.Context) (Microphone, error)

	// OpenInput creates an input engine delivering the requested format.
	OpenInput(ctx context.Context, format Format) (InputContext, error)

	// OpenOutput creates an output engine playing the requested format.
	OpenOutput(ctx context.Context, format Format) (OutputContext, error)
}
