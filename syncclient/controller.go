package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RichardCYang/DWRNote/docstore"
	"github.com/RichardCYang/DWRNote/wire"
)

// Controller runs at most one document sync at a time. Starting a new
// sync always stops the previous one; stopping discards all local
// state, so every (re)connect seeds fresh from the server snapshot.
type Controller struct {
	transport Transport
	engine    docstore.Engine
	editor    Editor
	flags     PageFlags
	log       *slog.Logger

	debounce time.Duration
	backoff  time.Duration

	onState    func(State)
	onPresence func(event string, p wire.Presence)

	mu         sync.Mutex
	state      State
	pageID     string
	connID     string
	color      string
	doc        docstore.State
	focused    bool
	pending    string
	hasPending bool
	dirty      bool
	lastEdit   string
	timer      *time.Timer
	cancel     context.CancelFunc
	runCtx     context.Context
	runDone    chan struct{}
	wake       chan struct{}
}

// ControllerOption configures the controller.
type ControllerOption func(*Controller)

// WithLogger sets the slog logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// WithDebounce sets the local-edit debounce interval (default 500ms).
func WithDebounce(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.debounce = d
		}
	}
}

// WithReconnectDelay sets the fixed delay between reconnect attempts
// (default 3s).
func WithReconnectDelay(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithStateFunc registers a callback observing state transitions, e.g.
// to surface a "reconnecting" indicator.
func WithStateFunc(fn func(State)) ControllerOption {
	return func(c *Controller) { c.onState = fn }
}

// WithPresenceFunc registers a callback for user-joined / user-left
// events.
func WithPresenceFunc(fn func(event string, p wire.Presence)) ControllerOption {
	return func(c *Controller) { c.onPresence = fn }
}

// NewController wires a controller to its collaborators.
func NewController(transport Transport, engine docstore.Engine, editor Editor, flags PageFlags, opts ...ControllerOption) *Controller {
	c := &Controller{
		transport: transport,
		engine:    engine,
		editor:    editor,
		flags:     flags,
		log:       slog.New(slog.DiscardHandler),
		debounce:  500 * time.Millisecond,
		backoff:   3 * time.Second,
		state:     StateDisconnected,
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID reports the server-assigned id of the live connection,
// or empty when not live.
func (c *Controller) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// StartSync begins syncing a page, stopping any previous sync first.
// For a page flagged encrypted it returns ErrEncryptedPage without
// opening a transport or touching replicated state.
func (c *Controller) StartSync(ctx context.Context, pageID string) error {
	c.StopSync()

	encrypted, err := c.flags.IsEncrypted(ctx, pageID)
	if err != nil {
		return fmt.Errorf("read encryption flag: %w", err)
	}
	if encrypted {
		c.log.Info("sync.skip.encrypted", slog.String("page_id", pageID))
		return ErrEncryptedPage
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.pageID = pageID
	c.cancel = cancel
	c.runCtx = runCtx
	c.runDone = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		c.run(runCtx, pageID)
	}()
	return nil
}

// StopSync tears down the transport and discards all local state. Safe
// to call at any time, including when no sync is running.
func (c *Controller) StopSync() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.runDone
	c.cancel = nil
	c.runDone = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.discardLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

// discardLocked drops every piece of per-sync state.
func (c *Controller) discardLocked() {
	c.doc = nil
	c.connID = ""
	c.color = ""
	c.pending = ""
	c.hasPending = false
	c.dirty = false
	c.lastEdit = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		// Callbacks run outside the lock; they may call back in.
		go c.onState(s)
	}
}

// ConnectivityRegained tells the controller the host regained network
// connectivity; a pending reconnect delay is skipped.
func (c *Controller) ConnectivityRegained() { c.nudge() }

// ForegroundRegained tells the controller the view returned to the
// foreground; a pending reconnect delay is skipped.
func (c *Controller) ForegroundRegained() { c.nudge() }

func (c *Controller) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the reconnect loop. Terminal errors (permission, encryption)
// end it; everything else retries after a fixed delay.
func (c *Controller) run(ctx context.Context, pageID string) {
	for {
		c.mu.Lock()
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		err := c.connectAndConsume(ctx, pageID)

		c.mu.Lock()
		c.discardLocked()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrEncryptedPage) || errors.Is(err, ErrPageNotFound) {
			c.log.Info("sync.terminal", slog.String("page_id", pageID), slog.String("err", err.Error()))
			return
		}
		if err != nil {
			c.log.Warn("sync.drop", slog.String("page_id", pageID), slog.String("err", err.Error()))
		}

		select {
		case <-time.After(c.backoff):
		case <-c.wake:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) connectAndConsume(ctx context.Context, pageID string) error {
	stream, err := c.transport.OpenDocStream(ctx, pageID)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	// The first event must be init: it carries the snapshot we seed
	// the fresh local state from.
	ev, err := stream.Next(ctx)
	if err != nil {
		return fmt.Errorf("await init: %w", err)
	}
	if ev.Name != wire.EventInit {
		return fmt.Errorf("first event is %q, want %q", ev.Name, wire.EventInit)
	}
	var init wire.Init
	if err := json.Unmarshal(ev.Data, &init); err != nil {
		return fmt.Errorf("decode init: %w", err)
	}

	doc, err := c.engine.Load(init.Snapshot)
	if err != nil {
		return fmt.Errorf("seed local state: %w", err)
	}

	c.mu.Lock()
	c.doc = doc
	c.connID = init.ConnectionID
	c.color = init.Color
	c.setStateLocked(StateSyncing)
	c.mu.Unlock()

	content, err := doc.Content()
	if err != nil {
		return fmt.Errorf("render snapshot: %w", err)
	}
	c.editor.ReplaceContent(content)

	c.mu.Lock()
	c.setStateLocked(StateLive)
	c.mu.Unlock()
	c.log.Info("sync.live", slog.String("page_id", pageID), slog.String("conn_id", init.ConnectionID))

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		switch ev.Name {
		case wire.EventUpdate:
			c.handleRemoteUpdate(ev.Data)
		case wire.EventUserJoined, wire.EventUserLeft:
			if c.onPresence != nil {
				var p wire.Presence
				if err := json.Unmarshal(ev.Data, &p); err == nil {
					c.onPresence(ev.Name, p)
				}
			}
		default:
			// Future event types must not break old clients.
		}
	}
}

// handleRemoteUpdate merges a remote delta into the local state and
// renders it, unless the editor holds focus, in which case the render
// is withheld until the next blur. The merge itself never waits.
func (c *Controller) handleRemoteUpdate(data []byte) {
	var upd wire.Update
	if err := json.Unmarshal(data, &upd); err != nil {
		c.log.Warn("sync.update.decode.fail", slog.String("err", err.Error()))
		return
	}

	c.mu.Lock()
	doc := c.doc
	connID := c.connID
	c.mu.Unlock()
	if doc == nil || upd.Origin == connID {
		return
	}

	if err := doc.ApplyDelta(upd.Payload, upd.Origin); err != nil {
		c.log.Warn("sync.update.apply.fail", slog.String("err", err.Error()))
		return
	}
	content, err := doc.Content()
	if err != nil {
		c.log.Warn("sync.update.render.fail", slog.String("err", err.Error()))
		return
	}

	c.mu.Lock()
	if c.focused {
		c.pending = content
		c.hasPending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.editor.ReplaceContent(content)
}

// HandleLocalChange records a local edit. Edits are debounced: rapid
// keystrokes collapse into one delta submitted after the debounce
// interval passes without further changes.
func (c *Controller) HandleLocalChange(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateLive && c.state != StateSyncing {
		return
	}
	c.lastEdit = content
	c.dirty = true
	if c.timer == nil {
		c.timer = time.AfterFunc(c.debounce, c.flushLocalEdit)
	} else {
		c.timer.Reset(c.debounce)
	}
}

// flushLocalEdit converts the accumulated local edit into a delta and
// submits it.
func (c *Controller) flushLocalEdit() {
	c.mu.Lock()
	if !c.dirty || c.doc == nil {
		c.timer = nil
		c.mu.Unlock()
		return
	}
	content := c.lastEdit
	doc := c.doc
	pageID := c.pageID
	connID := c.connID
	ctx := c.runCtx
	c.dirty = false
	c.timer = nil
	c.mu.Unlock()

	delta, err := doc.ReplaceContent(content)
	if err != nil {
		c.log.Warn("sync.edit.encode.fail", slog.String("err", err.Error()))
		return
	}
	if len(delta) == 0 {
		return
	}
	if ctx == nil {
		return
	}
	if err := c.transport.SubmitDelta(ctx, pageID, connID, delta); err != nil {
		// The edit stays merged locally; a reconnect refetches the
		// server's state, so nothing diverges permanently.
		c.log.Warn("sync.submit.fail", slog.String("page_id", pageID), slog.String("err", err.Error()))
	}
}

// HandleFocus raises the interaction lock: remote renders are withheld
// while the user is typing.
func (c *Controller) HandleFocus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.focused = true
}

// HandleBlur releases the interaction lock and applies any withheld
// render immediately.
func (c *Controller) HandleBlur() {
	c.mu.Lock()
	c.focused = false
	apply := c.hasPending
	content := c.pending
	c.hasPending = false
	c.pending = ""
	c.mu.Unlock()
	if apply {
		c.editor.ReplaceContent(content)
	}
}
