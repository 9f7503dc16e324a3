package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/deckvoice/internal/assets"
)

var _ assets.Generator = (*Generator)(nil)

// Generator is an [assets.Generator] that fails over between image backends.
// An empty prompt is reported immediately and never trips a breaker.
type Generator struct {
	group *Group[assets.Generator]
}

// NewGenerator returns a generator with primary as the preferred backend.
func NewGenerator(cfg BreakerConfig, primaryName string, primary assets.Generator) *Generator {
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, assets.ErrEmptyPrompt)
		}
	}
	return &Generator{group: NewGroup[assets.Generator](cfg).Add(primaryName, primary)}
}

// AddFallback appends a backend tried after the ones already added.
func (g *Generator) AddFallback(name string, gen assets.Generator) *Generator {
	g.group.Add(name, gen)
	return g
}

// States returns the breaker state of every backend.
func (g *Generator) States() map[string]State { return g.group.States() }

// Generate implements [assets.Generator].
func (g *Generator) Generate(ctx context.Context, prompt string) (assets.Asset, error) {
	return Call(ctx, g.group, func(ctx context.Context, gen assets.Generator) (assets.Asset, error) {
		return gen.Generate(ctx, prompt)
	})
}
