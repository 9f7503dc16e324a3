// Package tools routes tool invocations emitted by the live model to
// in-process handlers and produces the correlated [live.ToolResult] that is
// sent back on the stream.
//
// A [Registry] holds the handlers and their model-facing declarations. A
// [Dispatcher] is created per session and runs each invocation in its own
// goroutine so that the session's event loop never waits on a handler.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/deckvoice/internal/observe"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// ErrUnknownTool is reported in the result payload when an invocation names a
// tool that was never registered.
var ErrUnknownTool = errors.New("unknown tool")

// ErrDuplicateTool is returned by [Registry.Register] when the name is taken.
var ErrDuplicateTool = errors.New("tool already registered")

// Handler executes one tool invocation. args is the raw JSON object sent by
// the model ("{}" when the model sent none). A nil payload with a nil error
// is reported as an empty object.
//
// Implementations must be safe for concurrent use and must respect ctx
// cancellation.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Tool pairs a model-facing declaration with its handler, ready for
// [Registry.RegisterAll].
type Tool struct {
	Declaration live.ToolDeclaration
	Handler     Handler
}

// defaultTimeout bounds a single handler execution.
const defaultTimeout = 30 * time.Second

type entry struct {
	decl    live.ToolDeclaration
	handler Handler
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	order []string

	metrics *observe.Metrics
	timeout time.Duration
}

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMetrics records tool call counts and durations on m.
func WithMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithTimeout bounds each handler execution. Zero or negative disables the
// bound. Default: 30s.
func WithTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]entry),
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. The declaration name must be non-empty and unique and
// h must be non-nil.
func (r *Registry) Register(decl live.ToolDeclaration, h Handler) error {
	if decl.Name == "" {
		return errors.New("tools: register: tool must have a non-empty name")
	}
	if h == nil {
		return fmt.Errorf("tools: register %q: handler must not be nil", decl.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[decl.Name]; ok {
		return fmt.Errorf("tools: register %q: %w", decl.Name, ErrDuplicateTool)
	}
	r.tools[decl.Name] = entry{decl: decl, handler: h}
	r.order = append(r.order, decl.Name)
	return nil
}

// RegisterAll registers every tool in order and stops at the first error.
func (r *Registry) RegisterAll(ts ...Tool) error {
	for _, t := range ts {
		if err := r.Register(t.Declaration, t.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Declarations returns the registered declarations in registration order,
// ready for [live.SessionConfig.Tools].
func (r *Registry) Declarations() []live.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]live.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].decl)
	}
	return out
}

// Dispatch runs the handler for inv and returns the result correlated by
// inv.ID. It never returns an error: unknown names, handler failures and
// handler panics all become a result whose payload carries an "error" key.
func (r *Registry) Dispatch(ctx context.Context, inv live.ToolInvocation) live.ToolResult {
	res := live.ToolResult{ID: inv.ID, Name: inv.Name}

	r.mu.RLock()
	e, ok := r.tools[inv.Name]
	r.mu.RUnlock()
	if !ok {
		observe.Logger(ctx).Warn("tools: unknown tool requested", "tool", inv.Name, "call_id", inv.ID)
		r.record(ctx, inv.Name, "unknown", 0)
		res.Payload = errorPayload(fmt.Errorf("%w %q", ErrUnknownTool, inv.Name))
		return res
	}

	ctx, span := observe.StartSpan(ctx, "tool.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", inv.Name),
		attribute.String("tool.call_id", inv.ID),
	)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	start := time.Now()
	payload, err := invoke(ctx, e.handler, args)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observe.Logger(ctx).Warn("tools: handler failed", "tool", inv.Name, "call_id", inv.ID, "err", err)
		r.record(ctx, inv.Name, "error", elapsed)
		res.Payload = errorPayload(err)
		return res
	}
	if payload == nil {
		payload = map[string]any{}
	}
	r.record(ctx, inv.Name, "ok", elapsed)
	res.Payload = payload
	return res
}

// invoke calls h and converts a panic into an error.
func invoke(ctx context.Context, h Handler, args json.RawMessage) (payload map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tools: handler panicked: %v", p)
		}
	}()
	return h(ctx, args)
}

func (r *Registry) record(ctx context.Context, tool, status string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordToolCall(ctx, tool, status)
	if status != "unknown" {
		r.metrics.ToolExecutionDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(observe.Attr("tool", tool)))
	}
}

func errorPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
