// Package builtin provides the tools the live model uses to edit the shared
// presentation:
//   - "update_slides"  replaces the whole board document.
//   - "generate_image" creates an image and optionally attaches it to a slide.
package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/internal/board"
	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

// updateSlidesArgs is the JSON-decoded input for "update_slides".
type updateSlidesArgs struct {
	Document *board.Document `json:"document"`
}

// generateImageArgs is the JSON-decoded input for "generate_image".
type generateImageArgs struct {
	Prompt  string `json:"prompt"`
	SlideID string `json:"slide_id"`
}

func updateSlidesHandler(store board.Store) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var a updateSlidesArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("update_slides: failed to parse arguments: %w", err)
		}
		if a.Document == nil {
			return nil, errors.New("update_slides: document is required")
		}
		doc := *a.Document
		cur, err := store.Update(ctx, func(board.Document) (board.Document, error) {
			return doc, nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"revision": cur.Revision,
			"slides":   len(cur.Slides),
		}, nil
	}
}

func generateImageHandler(store board.Store, gen assets.Generator) tools.Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var a generateImageArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("generate_image: failed to parse arguments: %w", err)
		}
		if a.Prompt == "" {
			return nil, errors.New("generate_image: prompt must not be empty")
		}

		asset, err := gen.Generate(ctx, a.Prompt)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"url": asset.URL}
		if asset.RevisedPrompt != "" {
			out["revised_prompt"] = asset.RevisedPrompt
		}
		if a.SlideID == "" {
			return out, nil
		}

		_, err = store.Update(ctx, func(cur board.Document) (board.Document, error) {
			return cur.WithSlideImage(a.SlideID, asset.URL)
		})
		if err != nil {
			return nil, err
		}
		out["slide_id"] = a.SlideID
		return out, nil
	}
}

// Tools returns the built-in tools bound to store and gen.
func Tools(store board.Store, gen assets.Generator) []tools.Tool {
	return []tools.Tool{
		{
			Declaration: live.ToolDeclaration{
				Name:        "update_slides",
				Description: "Replace the entire presentation with the given document. Always send every slide, including the ones that did not change.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"document": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"title": map[string]any{"type": "string"},
								"slides": map[string]any{
									"type": "array",
									"items": map[string]any{
										"type": "object",
										"properties": map[string]any{
											"id":        map[string]any{"type": "string", "description": "Stable unique slide identifier."},
											"title":     map[string]any{"type": "string"},
											"body":      map[string]any{"type": "string", "description": "Slide content as Markdown."},
											"notes":     map[string]any{"type": "string", "description": "Speaker notes."},
											"image_url": map[string]any{"type": "string"},
										},
										"required": []string{"id"},
									},
								},
							},
							"required": []string{"slides"},
						},
					},
					"required": []string{"document"},
				},
			},
			Handler: updateSlidesHandler(store),
		},
		{
			Declaration: live.ToolDeclaration{
				Name:        "generate_image",
				Description: "Generate an illustration from a text prompt. When slide_id is given, the image is attached to that slide.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt": map[string]any{
							"type":        "string",
							"description": "Description of the image to generate.",
						},
						"slide_id": map[string]any{
							"type":        "string",
							"description": "Optional slide to attach the image to.",
						},
					},
					"required": []string{"prompt"},
				},
			},
			Handler: generateImageHandler(store, gen),
		},
	}
}
