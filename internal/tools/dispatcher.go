package tools

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// defaultConcurrency is the number of handlers a single session may run at
// once.
const defaultConcurrency = 4

// Dispatcher runs the tool invocations of one session.
//
// [Dispatcher.Submit] never blocks: every invocation gets its own goroutine,
// which waits for a concurrency slot, dispatches through the [Registry] and
// hands the result to the sink. Each non-empty call ID is dispatched at most
// once. After [Dispatcher.Close] no further results reach the sink.
type Dispatcher struct {
	reg  *Registry
	sink func(live.ToolResult)
	sem  *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	seen   map[string]struct{}
	closed bool
}

// DispatcherOption configures a [Dispatcher].
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	concurrency int64
}

// WithConcurrency bounds the number of handlers running at once. Values below
// one are ignored. Default: 4.
func WithConcurrency(n int) DispatcherOption {
	return func(c *dispatcherConfig) {
		if n > 0 {
			c.concurrency = int64(n)
		}
	}
}

// NewDispatcher returns a dispatcher delivering results to sink. Handlers run
// under a context derived from ctx that [Dispatcher.Close] cancels. sink must
// not block; [live.Stream.SendToolResult] is the intended target.
func NewDispatcher(ctx context.Context, reg *Registry, sink func(live.ToolResult), opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{concurrency: defaultConcurrency}
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Dispatcher{
		reg:    reg,
		sink:   sink,
		sem:    semaphore.NewWeighted(cfg.concurrency),
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]struct{}),
	}
}

// Submit schedules inv and reports whether it was accepted. Invocations are
// rejected after Close and when their ID was already submitted.
func (d *Dispatcher) Submit(inv live.ToolInvocation) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	if inv.ID != "" {
		if _, dup := d.seen[inv.ID]; dup {
			d.mu.Unlock()
			slog.Warn("tools: duplicate call id ignored", "tool", inv.Name, "call_id", inv.ID)
			return false
		}
		d.seen[inv.ID] = struct{}{}
	}
	// Add under the lock so Close cannot start waiting between the closed
	// check and the goroutine being counted.
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			return
		}
		res := d.reg.Dispatch(d.ctx, inv)
		d.sem.Release(1)
		d.deliver(res)
	}()
	return true
}

func (d *Dispatcher) deliver(res live.ToolResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		slog.Debug("tools: result dropped after close", "tool", res.Name, "call_id", res.ID)
		return
	}
	d.sink(res)
}

// Close cancels in-flight handlers and waits for their goroutines to exit.
// It is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
