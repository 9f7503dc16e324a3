// Package board holds the shared presentation document that voice tool calls
// edit. The live model always replaces the whole document; there is no
// partial patching.
package board

import (
	"errors"
	"fmt"
	"time"
)

// ErrSlideNotFound is returned when an operation names a slide that is not in
// the current document.
var ErrSlideNotFound = errors.New("board: slide not found")

// Slide is one page of the deck.
type Slide struct {
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Body     string `json:"body,omitempty"`
	Notes    string `json:"notes,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Document is the full presentation state.
//
// Revision and UpdatedAt are maintained by the [Store]; values supplied by
// callers of [Store.Replace] are ignored.
type Document struct {
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`

	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that every slide has a non-empty, unique ID. All problems
// are reported together.
func (d Document) Validate() error {
	var errs []error
	seen := make(map[string]int, len(d.Slides))
	for i, s := range d.Slides {
		if s.ID == "" {
			errs = append(errs, fmt.Errorf("slides[%d]: id must not be empty", i))
			continue
		}
		if j, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("slides[%d]: id %q duplicates slides[%d]", i, s.ID, j))
			continue
		}
		seen[s.ID] = i
	}
	if len(errs) > 0 {
		return fmt.Errorf("board: invalid document: %w", errors.Join(errs...))
	}
	return nil
}

// Clone returns a deep copy of d.
func (d Document) Clone() Document {
	d.Slides = append([]Slide(nil), d.Slides...)
	return d
}

// WithSlideImage returns a copy of d with the image URL of slide id set to
// url, or [ErrSlideNotFound].
func (d Document) WithSlideImage(id, url string) (Document, error) {
	out := d.Clone()
	for i := range out.Slides {
		if out.Slides[i].ID == id {
			out.Slides[i].ImageURL = url
			return out, nil
		}
	}
	return Document{}, fmt.Errorf("%w: %q", ErrSlideNotFound, id)
}
