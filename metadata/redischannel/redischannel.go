// Package redischannel implements metadata.Channel on Redis Pub/Sub so
// collection events reach subscribers on every node of a multi-node
// deployment. Pub/Sub's at-most-once semantics match the channel
// contract exactly: missed events are recovered by refetching, never
// replayed.
package redischannel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"

	"github.com/RichardCYang/DWRNote/metadata"
)

// Config contains configuration options for the Redis channel.
type Config struct {
	// Client is the Redis client to use. If nil, a default client
	// against localhost:6379 is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Pub/Sub channel names. Defaults to
	// "dwrnote:meta:" if empty.
	KeyPrefix string
}

// Channel is the Redis-backed metadata.Channel.
type Channel struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed channel.
func New(cfg Config) *Channel {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "dwrnote:meta:"
	}
	return &Channel{client: client, keyPrefix: prefix}
}

// Close closes the Redis client.
func (c *Channel) Close() error { return c.client.Close() }

func (c *Channel) channelKey(collectionID string) string {
	return c.keyPrefix + collectionID
}

func (c *Channel) Publish(ctx context.Context, ev metadata.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal metadata event: %w", err)
	}
	if err := c.client.Publish(ctx, c.channelKey(ev.CollectionID), data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", c.channelKey(ev.CollectionID), err)
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, collectionID string) (metadata.Stream, error) {
	ps := c.client.Subscribe(ctx, c.channelKey(collectionID))
	// Force the SUBSCRIBE round trip so a failed connection surfaces
	// here rather than on the first Next.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", c.channelKey(collectionID), err)
	}
	return &stream{ps: ps, ch: ps.Channel()}, nil
}

type stream struct {
	ps *redis.PubSub
	ch <-chan *redis.Message
}

func (s *stream) Next(ctx context.Context) (metadata.Event, error) {
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				return metadata.Event{}, io.EOF
			}
			var ev metadata.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				// Foreign payload on our channel; skip it.
				continue
			}
			return ev, nil
		case <-ctx.Done():
			return metadata.Event{}, ctx.Err()
		}
	}
}

func (s *stream) Close() error { return s.ps.Close() }

var (
	_ metadata.Channel = (*Channel)(nil)
	_ metadata.Stream  = (*stream)(nil)
)
