package assets

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// DefaultImageModel is the OpenAI image model used when none is configured.
const DefaultImageModel = "dall-e-3"

// DefaultImageSize is the requested image size when none is configured.
const DefaultImageSize = "1792x1024"

// OpenAIGenerator is a [Generator] backed by the OpenAI Images API.
type OpenAIGenerator struct {
	client oai.Client
	model  string
	size   string
}

var _ Generator = (*OpenAIGenerator)(nil)

type openAIConfig struct {
	baseURL string
	size    string
	timeout time.Duration
	retries int
}

// OpenAIOption is a functional option for [OpenAIGenerator].
type OpenAIOption func(*openAIConfig)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithSize sets the requested image size, e.g. "1024x1024".
func WithSize(size string) OpenAIOption {
	return func(c *openAIConfig) { c.size = size }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) OpenAIOption {
	return func(c *openAIConfig) { c.timeout = d }
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) OpenAIOption {
	return func(c *openAIConfig) { c.retries = n }
}

// NewOpenAIGenerator constructs a generator. If model is empty,
// [DefaultImageModel] is used.
func NewOpenAIGenerator(apiKey, model string, opts ...OpenAIOption) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai images: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultImageModel
	}
	cfg := &openAIConfig{size: DefaultImageSize, retries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.retries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.retries))
	}

	return &OpenAIGenerator{
		client: oai.NewClient(reqOpts...),
		model:  model,
		size:   cfg.size,
	}, nil
}

// Generate implements [Generator].
func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string) (Asset, error) {
	if prompt == "" {
		return Asset{}, ErrEmptyPrompt
	}
	resp, err := g.client.Images.Generate(ctx, oai.ImageGenerateParams{
		Prompt:         prompt,
		Model:          oai.ImageModel(g.model),
		N:              param.NewOpt(int64(1)),
		Size:           oai.ImageGenerateParamsSize(g.size),
		ResponseFormat: oai.ImageGenerateParamsResponseFormatURL,
	})
	if err != nil {
		return Asset{}, fmt.Errorf("openai images: generate: %w", err)
	}
	if len(resp.Data) == 0 {
		return Asset{}, fmt.Errorf("openai images: empty response")
	}

	img := resp.Data[0]
	a := Asset{URL: img.URL, RevisedPrompt: img.RevisedPrompt}
	if a.URL == "" && img.B64JSON != "" {
		a.URL = "data:image/png;base64," + img.B64JSON
	}
	if a.URL == "" {
		return Asset{}, fmt.Errorf("openai images: response carries no image")
	}
	return a, nil
}
