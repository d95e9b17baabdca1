// Package docstore defines the narrow contract over the replicated-state
// engine that powers collaborative editing. The engine's merge algorithm
// is an external collaborator: any implementation whose merges are
// commutative and idempotent can sit behind these interfaces.
package docstore

import "errors"

// ErrMalformedDelta is returned (possibly wrapped) by State.ApplyDelta
// when a payload cannot be decoded. The state is guaranteed untouched.
var ErrMalformedDelta = errors.New("malformed delta payload")

// Update describes one successfully merged remote delta, as delivered to
// observers. Origin is the connection that submitted the delta and may be
// empty when unknown.
type Update struct {
	Payload []byte
	Origin  string
}

// Engine creates replicated states. New seeds a fresh state from plain
// text content; Load revives one from a full snapshot produced by
// State.Snapshot.
type Engine interface {
	New(seedContent string) (State, error)
	Load(snapshot []byte) (State, error)
}

// State is one document's replicated state. Implementations must be safe
// for concurrent use; all mutations are serialized internally.
type State interface {
	// ApplyDelta merges a remote update. On a malformed payload it
	// returns an error wrapping ErrMalformedDelta and leaves the state
	// unchanged. On success all registered observers are invoked, in
	// merge order, before ApplyDelta returns.
	ApplyDelta(payload []byte, origin string) error

	// Snapshot encodes the full current state for late joiners.
	Snapshot() []byte

	// Content renders the current document text.
	Content() (string, error)

	// ReplaceContent applies a local edit, replacing the document text,
	// and returns the incremental delta that carries the edit to other
	// replicas. Local edits do not notify observers.
	ReplaceContent(content string) (delta []byte, err error)

	// Observe registers fn to run on every successful merge. Observers
	// are invoked synchronously while the state is locked and must not
	// call back into the State. The returned function removes fn.
	Observe(fn func(Update)) (remove func())
}
