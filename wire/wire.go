// Package wire defines the event names and payload shapes shared by the
// server push streams and the client sync controller. Binary delta and
// snapshot payloads are carried as []byte fields, which encoding/json
// transports as base64 strings.
package wire

import (
	"encoding/json"
	"time"
)

// Event names carried on the per-document stream.
const (
	EventInit       = "init"
	EventUpdate     = "update"
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
)

// Event names carried on the per-collection metadata stream.
const (
	EventMetadataChange = "metadata-change"
	EventPageCreated    = "page-created"
	EventPageDeleted    = "page-deleted"
)

// Metadata fields a metadata-change event may carry.
const (
	FieldTitle         = "title"
	FieldIcon          = "icon"
	FieldCoverImage    = "coverImage"
	FieldCoverPosition = "coverPosition"
)

// Frame is a single named event ready for SSE delivery. Data is the
// JSON-encoded payload for the event.
type Frame struct {
	Event string
	Data  []byte
}

// NewFrame marshals payload and wraps it with the event name. It is the
// only way frames are constructed so every frame is valid JSON.
func NewFrame(event string, payload any) (Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: b}, nil
}

// Init is the first event on every document stream. It carries the full
// snapshot so a late joiner never sees a partial state, plus the
// identity the server assigned to this connection.
type Init struct {
	ConnectionID string `json:"connectionId"`
	Color        string `json:"color"`
	Snapshot     []byte `json:"snapshot"`
	Peers        []Peer `json:"peers,omitempty"`
}

// Peer describes one currently-subscribed collaborator.
type Peer struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
}

// Update carries one replicated-state delta. Origin is the connection
// that submitted it; the origin connection is excluded from broadcast.
type Update struct {
	Origin  string `json:"origin"`
	Payload []byte `json:"payload"`
}

// Presence is the payload of user-joined and user-left events.
type Presence struct {
	ConnectionID string `json:"connectionId"`
	DisplayName  string `json:"displayName"`
	Color        string `json:"color"`
}

// Metadata is the payload of all collection-stream events. For
// page-created and page-deleted only the identifiers are populated;
// receivers treat those as invalidate-and-refetch signals.
type Metadata struct {
	CollectionID string    `json:"collectionId"`
	PageID       string    `json:"pageId"`
	Field        string    `json:"field,omitempty"`
	Value        string    `json:"value,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
