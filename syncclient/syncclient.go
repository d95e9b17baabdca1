// Package syncclient implements the client half of document sync: a
// controller that owns the transport lifecycle, seeds a local
// replicated state from the server snapshot, submits debounced local
// edits, and defers remote renders while the editor holds input focus.
// The host environment supplies the editor binding, the focus and
// connectivity signals, and the transport credentials.
package syncclient

import (
	"context"
	"errors"
)

var (
	// ErrEncryptedPage means the page opted out of sync; the sync never
	// starts and no transport is opened. Informational, not a failure.
	ErrEncryptedPage = errors.New("page is encrypted; sync disabled")
	// ErrPermissionDenied means the server refused the subscription or
	// submission. Terminal for the sync attempt.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrPageNotFound means the server does not know the page.
	ErrPageNotFound = errors.New("page not found")
)

// State is the sync controller's lifecycle state. Reconnecting is a
// timed sub-state of Disconnected: the controller reports Disconnected
// while the fixed-delay reconnect timer runs.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSyncing
	StateLive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Event is one named event received from a push stream.
type Event struct {
	Name string
	Data []byte
}

// EventStream consumes one push stream. Safe for a single consumer.
type EventStream interface {
	// Next blocks until an event arrives, the stream drops, or ctx is
	// done.
	Next(ctx context.Context) (Event, error)

	// Close tears the stream down; a blocked Next returns.
	Close() error
}

// Transport pairs the server push stream with delta submission.
type Transport interface {
	// OpenDocStream subscribes to a document's push stream. The first
	// event is always init.
	OpenDocStream(ctx context.Context, pageID string) (EventStream, error)

	// SubmitDelta posts one binary delta. connectionID names the push
	// connection it originated from so the server excludes it from the
	// broadcast.
	SubmitDelta(ctx context.Context, pageID, connectionID string, payload []byte) error

	// OpenCollectionStream subscribes to a collection's metadata
	// stream.
	OpenCollectionStream(ctx context.Context, collectionID string) (EventStream, error)
}

// Editor is the narrow contract onto the host's rich-text editor.
// ReplaceContent must render without re-emitting a change notification,
// or every remote delta would echo back as a local edit.
type Editor interface {
	ReplaceContent(content string)
}

// PageFlags reads the per-page encryption opt-out. Checked before any
// transport or state is touched.
type PageFlags interface {
	IsEncrypted(ctx context.Context, pageID string) (bool, error)
}
