// Package docsessions owns the server side of document sync: one live
// replicated state per open document, the subscriber set attached to
// it, and the fan-out of deltas and presence events to those
// subscribers.
//
// A document session exists exactly while it has at least one
// subscriber or sits inside the teardown grace window. Deltas for one
// document are applied in a single total order and broadcast in that
// same order; documents are fully independent of each other.
package docsessions

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/RichardCYang/DWRNote/docstore"
	"github.com/RichardCYang/DWRNote/pagestore"
	"github.com/RichardCYang/DWRNote/wire"
)

var (
	// ErrPageEncrypted is returned before any engine access when the
	// page opted out of sync.
	ErrPageEncrypted = errors.New("page is encrypted; sync disabled")
	// ErrNoSession is returned by SubmitDelta when the document has no
	// live session to apply against.
	ErrNoSession = errors.New("no live session for document")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("registry is shut down")
)

// presencePalette holds the deterministic per-user colors surfaced to
// collaborators.
var presencePalette = []string{
	"#e06c75", "#d19a66", "#e5c07b", "#98c379", "#56b6c2",
	"#61afef", "#c678dd", "#be5046", "#2c8f6f", "#9a77cf",
}

// ColorFor returns the presence color for a user. It is a pure function
// of the user id so every node and every session agrees.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return presencePalette[h.Sum32()%uint32(len(presencePalette))]
}

// SubscriberInfo identifies the user behind a new subscription.
type SubscriberInfo struct {
	UserID      string
	DisplayName string
}

// Subscription is one connection's view of a document session. Frames
// is closed when the subscription ends (unsubscribe or shutdown).
type Subscription struct {
	ConnectionID string
	Color        string
	Snapshot     []byte
	Peers        []wire.Peer
	Frames       <-chan wire.Frame
}

type subscriber struct {
	id     string
	info   SubscriberInfo
	color  string
	frames chan wire.Frame
}

type session struct {
	pageID string
	state  docstore.State

	// mu serializes every apply and broadcast for this document. The
	// state observer runs inside ApplyDelta with mu already held, so
	// broadcast order always equals apply order.
	mu           sync.Mutex
	subs         map[string]*subscriber
	lastActivity time.Time
	teardown     *time.Timer
	removeObs    func()

	// dead is set by evict once the grace window elapsed with no
	// subscribers. A dead session never accepts another subscriber or
	// delta; a racing Subscribe re-resolves through openSession.
	dead bool
}

// Registry maps document ids to live sessions. It has an explicit
// lifecycle: construct at startup, Shutdown on exit; nothing is
// process-global.
type Registry struct {
	engine docstore.Engine
	pages  pagestore.Store
	log    *slog.Logger
	grace  time.Duration
	buf    int

	mu       sync.Mutex
	sessions map[string]*session
	conns    map[string]*session // connectionID -> owning session
	closed   bool
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// WithGracePeriod sets how long an empty session survives before its
// state is discarded (default 30s).
func WithGracePeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithSubscriberBuffer sets the per-connection frame buffer (default
// 64). A subscriber whose buffer fills misses frames; it recovers on
// reconnect with a fresh snapshot.
func WithSubscriberBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.buf = n
		}
	}
}

// NewRegistry creates an empty registry over the given engine and page
// store.
func NewRegistry(engine docstore.Engine, pages pagestore.Store, opts ...Option) *Registry {
	r := &Registry{
		engine:   engine,
		pages:    pages,
		log:      slog.New(slog.DiscardHandler),
		grace:    30 * time.Second,
		buf:      64,
		sessions: make(map[string]*session),
		conns:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers a new connection on a document, creating the
// session from the persisted page if this is the first subscriber. The
// returned snapshot reflects every delta applied so far; existing
// subscribers observe a user-joined event.
func (r *Registry) Subscribe(ctx context.Context, pageID string, info SubscriberInfo) (*Subscription, error) {
	page, err := r.pages.GetPage(ctx, pageID)
	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}
	if page.Encrypted {
		return nil, fmt.Errorf("page %q: %w", pageID, ErrPageEncrypted)
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		info:   info,
		color:  ColorFor(info.UserID),
		frames: make(chan wire.Frame, r.buf),
	}

	// The grace timer can evict the session between openSession and the
	// lock below; a dead session is abandoned and resolved again.
	var s *session
	for {
		var err error
		s, err = r.openSession(pageID, page.Content)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if !s.dead {
			break
		}
		s.mu.Unlock()
	}
	if s.teardown != nil {
		s.teardown.Stop()
		s.teardown = nil
	}

	joined, err := wire.NewFrame(wire.EventUserJoined, wire.Presence{
		ConnectionID: sub.id,
		DisplayName:  info.DisplayName,
		Color:        sub.color,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encode join event: %w", err)
	}
	s.broadcastLocked(joined, "")

	peers := make([]wire.Peer, 0, len(s.subs))
	for _, p := range s.subs {
		peers = append(peers, wire.Peer{ConnectionID: p.id, DisplayName: p.info.DisplayName, Color: p.color})
	}
	s.subs[sub.id] = sub

	// Snapshot under the session lock so no delta lands between the
	// snapshot and this subscriber's registration.
	snapshot := s.state.Snapshot()
	s.mu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.mu.Lock()
		delete(s.subs, sub.id)
		close(sub.frames)
		s.mu.Unlock()
		return nil, ErrClosed
	}
	r.conns[sub.id] = s
	r.mu.Unlock()

	r.log.InfoContext(ctx, "session.subscribe.ok",
		slog.String("page_id", pageID),
		slog.String("conn_id", sub.id),
		slog.String("user_id", info.UserID))

	return &Subscription{
		ConnectionID: sub.id,
		Color:        sub.color,
		Snapshot:     snapshot,
		Peers:        peers,
		Frames:       sub.frames,
	}, nil
}

// openSession returns the live session for pageID, creating it from the
// seed content if absent. Concurrent first opens resolve to one shared
// instance.
func (r *Registry) openSession(pageID, seedContent string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if s, ok := r.sessions[pageID]; ok {
		s.mu.Lock()
		dead := s.dead
		s.mu.Unlock()
		if !dead {
			return s, nil
		}
		// Evicted but not yet removed from the map; replace it here so
		// a retrying subscriber gets a fresh session immediately.
		delete(r.sessions, pageID)
	}

	state, err := r.engine.New(seedContent)
	if err != nil {
		return nil, fmt.Errorf("seed document state: %w", err)
	}
	s := &session{
		pageID:       pageID,
		state:        state,
		subs:         make(map[string]*subscriber),
		lastActivity: time.Now(),
	}
	// The observer fires inside ApplyDelta while s.mu is held by
	// SubmitDelta, which keeps broadcast order equal to merge order.
	s.removeObs = state.Observe(func(u docstore.Update) {
		frame, err := wire.NewFrame(wire.EventUpdate, wire.Update{Origin: u.Origin, Payload: u.Payload})
		if err != nil {
			r.log.Error("session.update.encode.fail", slog.String("page_id", pageID), slog.String("err", err.Error()))
			return
		}
		s.broadcastLocked(frame, u.Origin)
	})
	r.sessions[pageID] = s
	r.log.Info("session.open", slog.String("page_id", pageID))
	return s, nil
}

// Unsubscribe removes a connection. The remaining subscribers observe a
// user-left event; if the subscriber set becomes empty the teardown
// grace timer starts. Unknown ids are ignored.
func (r *Registry) Unsubscribe(ctx context.Context, connectionID string) {
	r.mu.Lock()
	s, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[connectionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, connectionID)
	close(sub.frames)

	left, err := wire.NewFrame(wire.EventUserLeft, wire.Presence{
		ConnectionID: sub.id,
		DisplayName:  sub.info.DisplayName,
		Color:        sub.color,
	})
	if err == nil {
		s.broadcastLocked(left, "")
	}

	if len(s.subs) == 0 && s.teardown == nil {
		pageID := s.pageID
		s.teardown = time.AfterFunc(r.grace, func() { r.evict(pageID) })
	}
	s.mu.Unlock()

	r.log.InfoContext(ctx, "session.unsubscribe.ok",
		slog.String("page_id", s.pageID),
		slog.String("conn_id", connectionID))
}

// evict discards a session whose grace window elapsed with no
// subscribers. A late resubscribe reseeds from the persisted record.
func (r *Registry) evict(pageID string) {
	r.mu.Lock()
	s, ok := r.sessions[pageID]
	r.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if len(s.subs) != 0 {
		s.teardown = nil
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.removeObs()
	s.mu.Unlock()

	r.mu.Lock()
	if cur, ok := r.sessions[pageID]; ok && cur == s {
		delete(r.sessions, pageID)
	}
	r.mu.Unlock()

	r.log.Info("session.evict", slog.String("page_id", pageID))
}

// SubmitDelta applies one delta to a document and broadcasts it to
// every subscriber except the origin connection. Malformed payloads
// leave the state untouched and nothing is broadcast. Authorization is
// the caller's responsibility and must happen before this call.
func (r *Registry) SubmitDelta(ctx context.Context, pageID, originConnectionID string, payload []byte) error {
	r.mu.Lock()
	s, ok := r.sessions[pageID]
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("document %q: %w", pageID, ErrNoSession)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return fmt.Errorf("document %q: %w", pageID, ErrNoSession)
	}
	if err := s.state.ApplyDelta(payload, originConnectionID); err != nil {
		return fmt.Errorf("apply delta: %w", err)
	}
	s.lastActivity = time.Now()
	return nil
}

// broadcastLocked delivers a frame to every subscriber except exclude.
// Callers hold s.mu. Delivery is non-blocking: one slow subscriber
// misses frames without delaying the rest.
func (s *session) broadcastLocked(frame wire.Frame, exclude string) {
	for id, sub := range s.subs {
		if id == exclude {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			// Buffer full. The subscriber recovers on reconnect via a
			// fresh snapshot.
		}
	}
}

// ActiveSessions reports the number of live document sessions,
// including those inside their grace window.
func (r *Registry) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown closes every subscription and discards all sessions. The
// registry rejects further use.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*session)
	r.conns = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.teardown != nil {
			s.teardown.Stop()
			s.teardown = nil
		}
		for id, sub := range s.subs {
			close(sub.frames)
			delete(s.subs, id)
		}
		s.removeObs()
		s.mu.Unlock()
	}

	r.log.InfoContext(ctx, "registry.shutdown", slog.Int("sessions", len(sessions)))
}
