package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/RichardCYang/DWRNote/wire"
)

// MetadataFunc receives one collection metadata event.
type MetadataFunc func(event string, meta wire.Metadata)

// CollectionWatcher follows the metadata stream of one collection at a
// time, reconnecting on drops. Switching collections tears down the
// previous stream first.
type CollectionWatcher struct {
	transport Transport
	handler   MetadataFunc
	log       *slog.Logger
	backoff   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures the watcher.
type WatcherOption func(*CollectionWatcher)

// WithWatcherLogger sets the slog logger. If not provided, logs are
// discarded.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *CollectionWatcher) { w.log = l }
}

// WithWatcherReconnectDelay sets the fixed delay between reconnect
// attempts (default 3s).
func WithWatcherReconnectDelay(d time.Duration) WatcherOption {
	return func(w *CollectionWatcher) {
		if d > 0 {
			w.backoff = d
		}
	}
}

// NewCollectionWatcher builds a watcher delivering events to handler.
func NewCollectionWatcher(transport Transport, handler MetadataFunc, opts ...WatcherOption) *CollectionWatcher {
	w := &CollectionWatcher{
		transport: transport,
		handler:   handler,
		log:       slog.New(slog.DiscardHandler),
		backoff:   3 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Watch starts following a collection, replacing any previous watch.
func (w *CollectionWatcher) Watch(ctx context.Context, collectionID string) {
	w.Stop()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	w.mu.Lock()
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go func() {
		defer close(done)
		w.run(runCtx, collectionID)
	}()
}

// Stop ends the current watch, if any.
func (w *CollectionWatcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.cancel = nil
	w.done = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (w *CollectionWatcher) run(ctx context.Context, collectionID string) {
	for {
		err := w.consume(ctx, collectionID)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPermissionDenied) {
			w.log.Info("watch.terminal", slog.String("collection_id", collectionID), slog.String("err", err.Error()))
			return
		}
		if err != nil {
			w.log.Warn("watch.drop", slog.String("collection_id", collectionID), slog.String("err", err.Error()))
		}
		select {
		case <-time.After(w.backoff):
		case <-ctx.Done():
			return
		}
	}
}

func (w *CollectionWatcher) consume(ctx context.Context, collectionID string) error {
	stream, err := w.transport.OpenCollectionStream(ctx, collectionID)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		var meta wire.Metadata
		if err := json.Unmarshal(ev.Data, &meta); err != nil {
			w.log.Warn("watch.decode.fail", slog.String("err", err.Error()))
			continue
		}
		w.handler(ev.Name, meta)
	}
}
