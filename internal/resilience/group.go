package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no member of a [Group] produced a result.
var ErrAllFailed = errors.New("resilience: all backends failed")

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds interchangeable backends in preference order, each behind its
// own [Breaker]. Add members before first use; a Group is then safe for
// concurrent calls.
type Group[T any] struct {
	cfg     BreakerConfig
	members []member[T]
}

// NewGroup returns an empty group whose members' breakers use cfg.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	cfg.applyDefaults()
	return &Group[T]{cfg: cfg}
}

// Add appends a backend and returns g.
func (g *Group[T]) Add(name string, v T) *Group[T] {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(cfg)})
	return g
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.members) }

// States returns the breaker state of every member by name.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Call runs fn against each member in order until one succeeds. Members with
// an open breaker are skipped. An error that the breaker does not count as a
// backend failure, such as a cancelled context, is returned at once without
// trying the remaining members.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, m := range g.members {
		var out R
		err := m.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping backend", "backend", m.name, "reason", "circuit open")
		case !g.cfg.IsFailure(err):
			return zero, err
		default:
			slog.Warn("backend failed, trying next", "backend", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
