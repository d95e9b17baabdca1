// Package metadata defines the low-volume, per-collection event channel
// that keeps sidebars and page lists fresh while documents sync over
// their own streams. The channel is stateless and fire-and-forget: the
// relational record stays authoritative, and a client that missed
// events reconciles by refetching, never by replaying history.
package metadata

import (
	"context"
	"time"

	"github.com/RichardCYang/DWRNote/wire"
)

// Event kinds, matching the wire event names of the collection stream.
const (
	KindChange      = wire.EventMetadataChange
	KindPageCreated = wire.EventPageCreated
	KindPageDeleted = wire.EventPageDeleted
)

// Event is one collection-level notification. For KindPageCreated and
// KindPageDeleted only the identifiers are meaningful.
type Event struct {
	Kind         string    `json:"kind"`
	CollectionID string    `json:"collectionId"`
	PageID       string    `json:"pageId"`
	Field        string    `json:"field,omitempty"`
	Value        string    `json:"value,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Wire converts the event to its stream payload.
func (e Event) Wire() wire.Metadata {
	return wire.Metadata{
		CollectionID: e.CollectionID,
		PageID:       e.PageID,
		Field:        e.Field,
		Value:        e.Value,
		Timestamp:    e.Timestamp,
	}
}

// Channel fans collection events out to current subscribers. Delivery is
// best-effort: publishing never blocks on a slow subscriber and events
// published while nobody listens are dropped.
type Channel interface {
	// Publish sends ev to all current subscribers of ev.CollectionID.
	Publish(ctx context.Context, ev Event) error

	// Subscribe opens a stream of events for one collection, starting
	// from the next published event.
	Subscribe(ctx context.Context, collectionID string) (Stream, error)
}

// Stream is an ordered consumer of one collection's events. Safe for use
// by a single consumer.
type Stream interface {
	// Next blocks until an event arrives or ctx is done. It returns
	// io.EOF once the stream is closed.
	Next(ctx context.Context) (Event, error)

	// Close releases the subscription.
	Close() error
}
