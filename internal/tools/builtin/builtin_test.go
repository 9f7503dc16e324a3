package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/deckvoice/internal/assets"
	"github.com/MrWong99/deckvoice/internal/board"
	"github.com/MrWong99/deckvoice/internal/tools"
	"github.com/MrWong99/deckvoice/pkg/provider/live"
)

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, string) (assets.Asset, error) {
	return assets.Asset{}, errors.New("quota exceeded")
}

func newRegistry(t *testing.T, store board.Store, gen assets.Generator) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	if err := r.RegisterAll(Tools(store, gen)...); err != nil {
		t.Fatalf("RegisterAll: %v", err)
	}
	return r
}

func call(r *tools.Registry, name, args string) map[string]any {
	return r.Dispatch(context.Background(), live.ToolInvocation{ID: "c1", Name: name, Arguments: json.RawMessage(args)}).Payload
}

func TestTools_Declarations(t *testing.T) {
	t.Parallel()
	ts := Tools(board.NewMemStore(), assets.StaticGenerator{})
	names := map[string]bool{}
	for _, tool := range ts {
		names[tool.Declaration.Name] = true
		if tool.Declaration.Parameters["type"] != "object" {
			t.Errorf("%s: parameters type = %v", tool.Declaration.Name, tool.Declaration.Parameters["type"])
		}
		if tool.Handler == nil {
			t.Errorf("%s: nil handler", tool.Declaration.Name)
		}
	}
	if !names["update_slides"] || !names["generate_image"] {
		t.Errorf("tools = %v", names)
	}
}

func TestUpdateSlides(t *testing.T) {
	t.Parallel()
	store := board.NewMemStore()
	r := newRegistry(t, store, assets.StaticGenerator{})

	got := call(r, "update_slides", `{"document":{"title":"Pitch","slides":[{"id":"s1","title":"Hi"},{"id":"s2"}]}}`)
	if _, isErr := got["error"]; isErr {
		t.Fatalf("unexpected error payload: %v", got)
	}
	if got["slides"] != 2 || got["revision"] != int64(1) {
		t.Errorf("payload = %v", got)
	}

	call(r, "update_slides", `{"document":{"slides":[{"id":"only"}]}}`)
	cur, _ := store.Current(context.Background())
	if len(cur.Slides) != 1 || cur.Slides[0].ID != "only" {
		t.Errorf("document not replaced wholesale: %+v", cur)
	}
}

func TestUpdateSlides_Errors(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, board.NewMemStore(), assets.StaticGenerator{})

	tests := []struct {
		name string
		args string
		want string
	}{
		{"bad json", `{"document":`, "failed to parse arguments"},
		{"missing document", `{}`, "document is required"},
		{"invalid document", `{"document":{"slides":[{"id":""}]}}`, "id must not be empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := call(r, "update_slides", tc.args)["error"].(string)
			if !strings.Contains(msg, tc.want) {
				t.Errorf("error = %q, want containing %q", msg, tc.want)
			}
		})
	}
}

func TestGenerateImage(t *testing.T) {
	t.Parallel()
	store := board.NewMemStore()
	_ = store.Replace(context.Background(), board.Document{Slides: []board.Slide{{ID: "s1"}}})
	r := newRegistry(t, store, assets.StaticGenerator{BaseURL: "https://img.test/p.png"})

	got := call(r, "generate_image", `{"prompt":"sunrise"}`)
	if got["url"] != "https://img.test/p.png?text=sunrise" {
		t.Errorf("payload = %v", got)
	}
	if _, ok := got["slide_id"]; ok {
		t.Error("slide_id reported without attachment")
	}

	got = call(r, "generate_image", `{"prompt":"sunrise","slide_id":"s1"}`)
	if got["slide_id"] != "s1" {
		t.Errorf("payload = %v", got)
	}
	cur, _ := store.Current(context.Background())
	if cur.Slides[0].ImageURL != "https://img.test/p.png?text=sunrise" {
		t.Errorf("slide image = %q", cur.Slides[0].ImageURL)
	}
}

func TestGenerateImage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		gen  assets.Generator
		args string
		want string
	}{
		{"empty prompt", assets.StaticGenerator{}, `{"prompt":""}`, "prompt must not be empty"},
		{"unknown slide", assets.StaticGenerator{}, `{"prompt":"x","slide_id":"nope"}`, "slide not found"},
		{"generator failure", failingGenerator{}, `{"prompt":"x"}`, "quota exceeded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRegistry(t, board.NewMemStore(), tc.gen)
			msg, _ := call(r, "generate_image", tc.args)["error"].(string)
			if !strings.Contains(msg, tc.want) {
				t.Errorf("error = %q, want containing %q", msg, tc.want)
			}
		})
	}
}

// interleavingStore runs during once from inside the first Update, while that
// update holds the board.
type interleavingStore struct {
	*board.MemStore
	during func()
}

func (s *interleavingStore) Update(ctx context.Context, fn func(board.Document) (board.Document, error)) (board.Document, error) {
	return s.MemStore.Update(ctx, func(cur board.Document) (board.Document, error) {
		if d := s.during; d != nil {
			s.during = nil
			d()
		}
		return fn(cur)
	})
}

func TestGenerateImage_ConcurrentUpdateSlidesIsKept(t *testing.T) {
	t.Parallel()
	mem := board.NewMemStore()
	_ = mem.Replace(context.Background(), board.Document{Slides: []board.Slide{{ID: "a"}}})
	store := &interleavingStore{MemStore: mem}
	r := newRegistry(t, store, assets.StaticGenerator{BaseURL: "https://img.test/p.png"})

	var wg sync.WaitGroup
	var updated map[string]any
	store.during = func() {
		wg.Go(func() {
			updated = call(r, "update_slides", `{"document":{"slides":[{"id":"a"},{"id":"b"}]}}`)
		})
	}

	got := call(r, "generate_image", `{"prompt":"sunrise","slide_id":"a"}`)
	if got["slide_id"] != "a" {
		t.Fatalf("generate_image payload = %v", got)
	}
	wg.Wait()

	if updated["slides"] != 2 || updated["revision"] != int64(3) {
		t.Errorf("update_slides payload = %v, want 2 slides at revision 3", updated)
	}
	cur, _ := mem.Current(context.Background())
	if len(cur.Slides) != 2 || cur.Slides[1].ID != "b" {
		t.Errorf("final document = %+v, concurrent update_slides was lost", cur)
	}
	if cur.Revision != 3 {
		t.Errorf("Revision = %d, want 3", cur.Revision)
	}
}

func TestGenerateImage_ParallelAttachmentsAllLand(t *testing.T) {
	t.Parallel()
	const n = 8
	store := board.NewMemStore()
	doc := board.Document{}
	for i := range n {
		doc.Slides = append(doc.Slides, board.Slide{ID: fmt.Sprintf("s%d", i)})
	}
	_ = store.Replace(context.Background(), doc)
	r := newRegistry(t, store, assets.StaticGenerator{BaseURL: "https://img.test/p.png"})

	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			call(r, "generate_image", fmt.Sprintf(`{"prompt":"p%d","slide_id":"s%d"}`, i, i))
		})
	}
	wg.Wait()

	cur, _ := store.Current(context.Background())
	for i, s := range cur.Slides {
		if want := fmt.Sprintf("https://img.test/p.png?text=p%d", i); s.ImageURL != want {
			t.Errorf("slide %s image = %q, want %q", s.ID, s.ImageURL, want)
		}
	}
	if cur.Revision != n+1 {
		t.Errorf("Revision = %d, want %d", cur.Revision, n+1)
	}
}
