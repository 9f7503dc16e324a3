// Package live defines the Provider and Stream interfaces for remote
// speech-capable inference services that hold one long-lived, bidirectional
// session per user.
//
// A [Stream] carries microphone audio out and returns a single ordered
// sequence of [Event] values: an opening acknowledgement, synthesised audio
// chunks, tool invocation requests, barge-in notices, and exactly one terminal event (closed or
// error). Sending never blocks the caller. There is no reconnection: a failed
// stream ends and the session above it decides what to do.
//
// Implementations live in sub-packages (live/gemini, live/openai). live/mock
// provides a scripted test double.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/deckvoice/pkg/audio"
)

// ErrStream marks an unrecoverable transport failure on an open stream. The
// Err of an [EventError] always wraps it.
var ErrStream = errors.New("live: stream failed")

// ── Events ─────────────────────────────────────────────────────────────────────

// EventKind discriminates the payload of an [Event].
type EventKind int

const (
	// EventOpened is the first event of every stream.
	EventOpened EventKind = iota + 1

	// EventAudio carries a decoded chunk of synthesised speech in Chunk.
	EventAudio

	// EventToolCall carries a tool invocation request in Call.
	EventToolCall

	// EventError is terminal. Err describes the failure.
	EventError

	// EventClosed is terminal. The stream ended without error.
	EventClosed

	// EventInterrupted reports that the user started speaking over the
	// model. Audio delivered before it belongs to a cancelled reply.
	EventInterrupted
)

// String returns the lower-case name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventAudio:
		return "audio"
	case EventToolCall:
		return "tool_call"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one item of a stream's inbound sequence. Only the field matching
// Kind is populated.
type Event struct {
	Kind  EventKind
	Chunk audio.DecodedChunk
	Call  ToolInvocation
	Err   error
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventError || e.Kind == EventClosed
}

// ── Tools ──────────────────────────────────────────────────────────────────────

// ToolDeclaration describes a tool the remote model may invoke.
type ToolDeclaration struct {
	// Name is the unique tool name used in invocations.
	Name string

	// Description is shown to the model.
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// ToolInvocation is a request from the remote model to run a named tool.
type ToolInvocation struct {
	// ID correlates the invocation with its [ToolResult]. It is unique within
	// a session.
	ID string

	// Name selects the tool.
	Name string

	// Arguments is the raw JSON argument object as sent by the model.
	Arguments json.RawMessage
}

// ToolResult answers exactly one [ToolInvocation].
type ToolResult struct {
	// ID equals the ID of the invocation being answered.
	ID string

	// Name echoes the invoked tool name. Some backends require it.
	Name string

	// Payload is the JSON-serialisable result object. Failures are reported
	// as {"error": "..."}.
	Payload map[string]any
}

// ── Session configuration ─────────────────────────────────────────────────────

// SessionConfig is the fixed configuration of a new stream.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Instructions is the system prompt for the session.
	Instructions string

	// Voice selects a prebuilt voice when the backend supports it.
	Voice string

	// Tools is the set of tools the model may invoke.
	Tools []ToolDeclaration

	// InputSampleRate is the rate of frames passed to Send, in Hz.
	InputSampleRate int

	// OutputSampleRate is the rate decoded chunks are delivered at, in Hz.
	// Audio from the backend is resampled to it.
	OutputSampleRate int
}

// ── Errors ─────────────────────────────────────────────────────────────────────

// OpenErrorKind classifies why a stream could not be opened.
type OpenErrorKind int

const (
	// OpenUnreachable means the service could not be reached or the open was
	// aborted before the handshake completed.
	OpenUnreachable OpenErrorKind = iota + 1

	// OpenAuth means the credential was rejected.
	OpenAuth

	// OpenConfig means the service rejected the session configuration.
	OpenConfig
)

// String returns the lower-case name of the kind.
func (k OpenErrorKind) String() string {
	switch k {
	case OpenUnreachable:
		return "unreachable"
	case OpenAuth:
		return "auth"
	case OpenConfig:
		return "config"
	default:
		return fmt.Sprintf("OpenErrorKind(%d)", int(k))
	}
}

// OpenError is returned by [Provider.Open]. It is never retried internally.
type OpenError struct {
	Kind OpenErrorKind
	Err  error
}

// Error implements error.
func (e *OpenError) Error() string {
	return fmt.Sprintf("live: open (%s): %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *OpenError) Unwrap() error { return e.Err }

// ── Interfaces ─────────────────────────────────────────────────────────────────

// StreamStats is a snapshot of outbound counters.
type StreamStats struct {
	// Sent counts audio frames written to the transport.
	Sent uint64

	// Dropped counts audio frames discarded because the outbound queue was full.
	Dropped uint64
}

// Stream is an open session with a remote inference service.
//
// Send and SendToolResult are fire-and-forget and safe for concurrent use.
// Events has a single consumer, which must keep reading until the channel is
// closed.
type Stream interface {
	// Send enqueues one captured frame. If the outbound queue is full the
	// frame is dropped and counted. After the stream has ended Send is a no-op.
	Send(frame audio.AudioFrame)

	// SendToolResult enqueues a tool result. Results are never dropped for
	// capacity. After the stream has ended it is a no-op.
	SendToolResult(res ToolResult)

	// Events returns the inbound event channel. The first event is
	// [EventOpened]; the last is exactly one terminal event, after which the
	// channel is closed.
	Events() <-chan Event

	// Close ends the stream. A stream closed this way terminates with
	// [EventClosed]. Close is idempotent and safe after a terminal event.
	Close() error

	// Stats returns outbound counters.
	Stats() StreamStats
}

// Provider opens streams against one backend.
type Provider interface {
	// Open dials the service, performs the session handshake and returns a
	// stream whose first event is [EventOpened]. Failures are returned as
	// *[OpenError]. Cancelling ctx aborts an in-flight open; ctx does not
	// bound the lifetime of the returned stream.
	Open(ctx context.Context, cfg SessionConfig) (Stream, error)
}
