// Package pagestore defines the persisted-page collaborator contract.
// The relational CRUD layer owns pages; the sync subsystem only reads
// initial content and the per-page encryption flag. Pages flagged
// encrypted never participate in sync.
package pagestore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a page id is unknown.
var ErrNotFound = errors.New("page not found")

// Page is the slice of the persisted record the sync subsystem needs.
type Page struct {
	ID           string
	CollectionID string
	Title        string
	Content      string
	Encrypted    bool
}

// Store reads persisted pages.
type Store interface {
	GetPage(ctx context.Context, pageID string) (Page, error)
}
