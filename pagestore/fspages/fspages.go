// Package fspages serves pages from a directory of markdown files, one
// page per "<collection>/<page>.md" file, addressed by the page id
// "<collection>:<page>". It watches the tree with
// fsnotify and publishes page-created / page-deleted / title-change
// events into a metadata.Channel, so a development setup gets live
// sidebar updates without a relational backend.
//
// A page whose file carries the ".enc.md" suffix is treated as
// encrypted and excluded from sync.
package fspages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/pagestore"
)

const (
	pageExt      = ".md"
	encryptedExt = ".enc.md"
)

// Store implements pagestore.Store over a directory tree.
type Store struct {
	root    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	channel metadata.Channel
}

// Option configures the store.
type Option func(*Store)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetadataChannel makes the store publish collection events for
// observed file changes. Without it the store is read-only and silent.
func WithMetadataChannel(ch metadata.Channel) Option {
	return func(s *Store) { s.channel = ch }
}

// New creates a directory-backed store rooted at root. The returned
// store watches root's immediate collection directories until Close.
func New(root string, opts ...Option) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("pages root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("pages root %q is not a directory", root)
	}

	s := &Store{root: root, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	s.watcher = w
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %q: %w", root, err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("read %q: %w", root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				s.log.Warn("fspages.watch.fail", slog.String("dir", e.Name()), slog.String("err", err.Error()))
			}
		}
	}

	go s.watchLoop()
	return s, nil
}

// Close stops the directory watcher.
func (s *Store) Close() error { return s.watcher.Close() }

func (s *Store) GetPage(ctx context.Context, pageID string) (pagestore.Page, error) {
	if ctx.Err() != nil {
		return pagestore.Page{}, ctx.Err()
	}
	collection, name, encrypted, err := splitPageID(pageID)
	if err != nil {
		return pagestore.Page{}, err
	}
	path := filepath.Join(s.root, collection, name+pageExt)
	if encrypted {
		path = filepath.Join(s.root, collection, name+encryptedExt)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return pagestore.Page{}, fmt.Errorf("page %q: %w", pageID, pagestore.ErrNotFound)
		}
		return pagestore.Page{}, fmt.Errorf("read page %q: %w", pageID, err)
	}
	return pagestore.Page{
		ID:           pageID,
		CollectionID: collection,
		Title:        name,
		Content:      string(b),
		Encrypted:    encrypted,
	}, nil
}

// splitPageID maps "collection:page" ids onto the directory layout. The
// encrypted marker is part of the id so callers cannot smuggle an
// encrypted page past the flag check by renaming.
func splitPageID(pageID string) (collection, name string, encrypted bool, err error) {
	parts := strings.SplitN(pageID, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false, fmt.Errorf("page %q: %w", pageID, pagestore.ErrNotFound)
	}
	collection, name = parts[0], parts[1]
	for _, part := range []string{collection, name} {
		if part == ".." || strings.ContainsAny(part, `/\`) {
			return "", "", false, fmt.Errorf("page %q: %w", pageID, pagestore.ErrNotFound)
		}
	}
	if strings.HasSuffix(name, ".enc") {
		return collection, strings.TrimSuffix(name, ".enc"), true, nil
	}
	return collection, name, false, nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("fspages.watch.err", slog.String("err", err.Error()))
		}
	}
}

func (s *Store) handleEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(s.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New collection directory: start watching it.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(ev.Name); err != nil {
				s.log.Warn("fspages.watch.fail", slog.String("dir", rel), slog.String("err", err.Error()))
			}
			return
		}
	}

	if !strings.HasSuffix(rel, pageExt) {
		return
	}
	parts := strings.SplitN(rel, "/", 2)
	if len(parts) != 2 {
		return
	}
	collection := parts[0]
	name := strings.TrimSuffix(parts[1], pageExt)
	pageID := collection + ":" + name

	if s.channel == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch {
	case ev.Op.Has(fsnotify.Create):
		s.publish(ctx, metadata.Event{Kind: metadata.KindPageCreated, CollectionID: collection, PageID: pageID, Timestamp: time.Now().UTC()})
	case ev.Op.Has(fsnotify.Remove):
		s.publish(ctx, metadata.Event{Kind: metadata.KindPageDeleted, CollectionID: collection, PageID: pageID, Timestamp: time.Now().UTC()})
	case ev.Op.Has(fsnotify.Rename):
		s.publish(ctx, metadata.Event{Kind: metadata.KindPageDeleted, CollectionID: collection, PageID: pageID, Timestamp: time.Now().UTC()})
	case ev.Op.Has(fsnotify.Write):
		// Content changes ride the document stream; surface only the
		// title in case the host derives it from the first line.
		s.publish(ctx, metadata.Event{Kind: metadata.KindChange, CollectionID: collection, PageID: pageID, Field: "title", Value: name, Timestamp: time.Now().UTC()})
	}
}

func (s *Store) publish(ctx context.Context, ev metadata.Event) {
	if err := s.channel.Publish(ctx, ev); err != nil {
		s.log.Warn("fspages.publish.fail", slog.String("page", ev.PageID), slog.String("err", err.Error()))
	}
}

var _ pagestore.Store = (*Store)(nil)
