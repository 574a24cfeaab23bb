// Package source defines the ContentSource capability: fetching a raw
// structured document bundle by identifier. Concrete fetchers (Google Docs,
// Notion, URL readers) live outside this repository; the pipeline depends
// only on this interface.
package source

import (
	"context"
	"fmt"
	"sync"

	"github.com/crosspost-io/crosspost/content"
)

// ContentSource produces the raw content bundle for a document.
type ContentSource interface {
	// Fetch returns the raw content for the given document identifier.
	Fetch(ctx context.Context, documentID string) (content.RawContent, error)
}

// Static is an in-memory ContentSource backed by a fixed set of documents.
// It serves tests and local development.
type Static struct {
	mu   sync.RWMutex
	docs map[string]content.RawContent
}

// NewStatic constructs an empty Static source.
func NewStatic() *Static {
	return &Static{docs: make(map[string]content.RawContent)}
}

// Put registers a document under its identifier, replacing any previous
// content.
func (s *Static) Put(doc content.RawContent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.DocumentID] = doc
}

// Fetch implements ContentSource.
func (s *Static) Fetch(_ context.Context, documentID string) (content.RawContent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[documentID]
	if !ok {
		return content.RawContent{}, fmt.Errorf("document %q not found", documentID)
	}
	return doc, nil
}
