// Package memorychannel provides an in-process implementation of
// metadata.Channel using Go channels. Suitable for single-node
// deployments and tests.
package memorychannel

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/RichardCYang/DWRNote/metadata"
)

// Channel implements metadata.Channel with per-collection subscriber
// sets. Events are delivered in publish order to each subscriber; a
// subscriber whose buffer is full misses events rather than blocking
// the publisher.
type Channel struct {
	mu          sync.Mutex
	collections map[string]map[*stream]struct{}
	bufSize     int
}

// Option configures the channel.
type Option func(*Channel)

// WithBufferSize sets the per-subscriber buffer (default 32).
func WithBufferSize(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// New creates an empty in-memory channel.
func New(opts ...Option) *Channel {
	c := &Channel{collections: make(map[string]map[*stream]struct{}), bufSize: 32}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Publish(ctx context.Context, ev metadata.Event) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Sends stay under the lock so Close cannot race a delivery; they
	// are non-blocking so the lock is never held on a full buffer.
	c.mu.Lock()
	defer c.mu.Unlock()
	for s := range c.collections[ev.CollectionID] {
		select {
		case s.ch <- ev:
		default:
			// Slow subscriber: drop. It reconciles by refetching.
		}
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, collectionID string) (metadata.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s := &stream{parent: c, collectionID: collectionID, ch: make(chan metadata.Event, c.bufSize)}
	c.mu.Lock()
	set, ok := c.collections[collectionID]
	if !ok {
		set = make(map[*stream]struct{})
		c.collections[collectionID] = set
	}
	set[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

type stream struct {
	parent       *Channel
	collectionID string
	ch           chan metadata.Event
	closed       atomic.Bool
}

func (s *stream) Next(ctx context.Context) (metadata.Event, error) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return metadata.Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return metadata.Event{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		c := s.parent
		c.mu.Lock()
		if set, ok := c.collections[s.collectionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(c.collections, s.collectionID)
			}
		}
		c.mu.Unlock()
		close(s.ch)
	}
	return nil
}

var (
	_ metadata.Channel = (*Channel)(nil)
	_ metadata.Stream  = (*stream)(nil)
)
