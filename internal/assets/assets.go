// Package assets generates images that tool calls attach to slides.
package assets

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// ErrEmptyPrompt is returned by generators when the prompt is blank.
var ErrEmptyPrompt = errors.New("assets: prompt must not be empty")

// Asset is a generated image reachable by URL. Data URLs are used when the
// backend only returns inline bytes.
type Asset struct {
	URL           string
	RevisedPrompt string
}

// Generator produces an image for a text prompt.
//
// Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, prompt string) (Asset, error)
}

// StaticGenerator returns the same placeholder image for every prompt. It
// needs no network access and is used for demos and tests.
type StaticGenerator struct {
	// BaseURL is the placeholder location. The prompt is appended as the
	// "text" query parameter.
	BaseURL string
}

var _ Generator = StaticGenerator{}

// DefaultPlaceholderURL is used when [StaticGenerator.BaseURL] is empty.
const DefaultPlaceholderURL = "https://placehold.co/1024x576/png"

// Generate implements [Generator].
func (g StaticGenerator) Generate(ctx context.Context, prompt string) (Asset, error) {
	if prompt == "" {
		return Asset{}, ErrEmptyPrompt
	}
	if err := ctx.Err(); err != nil {
		return Asset{}, err
	}
	base := g.BaseURL
	if base == "" {
		base = DefaultPlaceholderURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return Asset{}, fmt.Errorf("assets: placeholder url: %w", err)
	}
	q := u.Query()
	q.Set("text", prompt)
	u.RawQuery = q.Encode()
	return Asset{URL: u.String()}, nil
}
