package board

import (
	"context"
	"sync"
	"time"
)

// Store persists the current document.
//
// Implementations must be safe for concurrent use: tool handlers of one
// session run in parallel.
type Store interface {
	// Current returns the stored document. An empty document with Revision 0
	// is returned when nothing has been stored yet.
	Current(ctx context.Context) (Document, error)

	// Replace validates doc and stores it in place of the current one,
	// incrementing the revision.
	Replace(ctx context.Context, doc Document) error

	// Update applies fn to the current document and stores the result as one
	// atomic step: no other write lands between the read and the store. An
	// error from fn or from validation leaves the document unchanged. The
	// stored document, with its new revision, is returned.
	Update(ctx context.Context, fn func(Document) (Document, error)) (Document, error)
}

// MemStore is an in-process [Store].
type MemStore struct {
	mu  sync.RWMutex
	doc Document
	now func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

// Current implements [Store].
func (s *MemStore) Current(_ context.Context) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone(), nil
}

// Replace implements [Store].
func (s *MemStore) Replace(ctx context.Context, doc Document) error {
	_, err := s.Update(ctx, func(Document) (Document, error) { return doc, nil })
	return err
}

// Update implements [Store]. fn runs with the store locked and must not call
// back into s.
func (s *MemStore) Update(ctx context.Context, fn func(Document) (Document, error)) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := fn(s.doc.Clone())
	if err != nil {
		return Document{}, err
	}
	if err := next.Validate(); err != nil {
		return Document{}, err
	}
	next = next.Clone()
	next.Revision = s.doc.Revision + 1
	next.UpdatedAt = s.now()
	s.doc = next
	return next.Clone(), nil
}
