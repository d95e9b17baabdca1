// Package memorypages provides an in-memory pagestore.Store for tests
// and single-process development setups.
package memorypages

import (
	"context"
	"fmt"
	"sync"

	"github.com/RichardCYang/DWRNote/pagestore"
)

// Store implements pagestore.Store over a map.
type Store struct {
	mu    sync.RWMutex
	pages map[string]pagestore.Page
}

// New creates a store holding the given pages.
func New(pages ...pagestore.Page) *Store {
	s := &Store{pages: make(map[string]pagestore.Page, len(pages))}
	for _, p := range pages {
		s.pages[p.ID] = p
	}
	return s
}

func (s *Store) GetPage(ctx context.Context, pageID string) (pagestore.Page, error) {
	if ctx.Err() != nil {
		return pagestore.Page{}, ctx.Err()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[pageID]
	if !ok {
		return pagestore.Page{}, fmt.Errorf("page %q: %w", pageID, pagestore.ErrNotFound)
	}
	return p, nil
}

// Put inserts or replaces a page.
func (s *Store) Put(p pagestore.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[p.ID] = p
}

// Delete removes a page if present.
func (s *Store) Delete(pageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, pageID)
}

var _ pagestore.Store = (*Store)(nil)
