// Package streaminghttp exposes the sync subsystem over HTTP: one SSE
// push stream per open document, one SSE stream per collection for
// metadata events, and a POST endpoint accepting raw binary deltas.
package streaminghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/RichardCYang/DWRNote/auth"
	"github.com/RichardCYang/DWRNote/docsessions"
	"github.com/RichardCYang/DWRNote/docstore"
	"github.com/RichardCYang/DWRNote/internal/logctx"
	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/pagestore"
	"github.com/RichardCYang/DWRNote/wire"
)

const (
	// ConnectionIDHeader lets a delta submission name the push
	// connection it originated from, so the submitter is excluded from
	// its own broadcast.
	ConnectionIDHeader = "X-Connection-Id"

	pingInterval = 25 * time.Second
)

var (
	octetStreamMediaType  = contenttype.NewMediaType("application/octet-stream")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Handler serves the document and collection sync endpoints:
//
//	GET  /pages/{pageID}/events        document push stream
//	POST /pages/{pageID}/updates       delta submission
//	GET  /collections/{collectionID}/events  metadata push stream
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	registry *docsessions.Registry
	meta     metadata.Channel
	authn    auth.Authenticator
	csrf     auth.CSRFVerifier
	perms    auth.Permissions
	maxDelta int64
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger   *slog.Logger
	csrf     auth.CSRFVerifier
	maxDelta int64
}

// WithLogger sets the slog logger used by the handler. If not provided,
// logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithCSRFVerifier enables anti-forgery checks on delta submissions.
// Browsers talking to the real service always need this; programmatic
// clients using bearer tokens may not.
func WithCSRFVerifier(v auth.CSRFVerifier) Option {
	return func(c *newConfig) { c.csrf = v }
}

// WithMaxDeltaBytes bounds the accepted delta body size (default 1MiB).
func WithMaxDeltaBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxDelta = n
		}
	}
}

// New constructs the handler.
//
// Required:
//   - registry: the live document session registry
//   - meta: the collection metadata channel
//   - authn: resolves the ambient session to a user
//   - perms: authorization checks, consulted before any state access
func New(registry *docsessions.Registry, meta metadata.Channel, authn auth.Authenticator, perms auth.Permissions, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if meta == nil {
		return nil, fmt.Errorf("metadata channel is required")
	}
	if authn == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if perms == nil {
		return nil, fmt.Errorf("permissions are required")
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler), maxDelta: 1 << 20}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:      slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		registry: registry,
		meta:     meta,
		authn:    authn,
		csrf:     cfg.csrf,
		perms:    perms,
		maxDelta: cfg.maxDelta,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /pages/{pageID}/events", h.handleDocStream)
	mux.HandleFunc("POST /pages/{pageID}/updates", h.handleSubmitDelta)
	mux.HandleFunc("GET /collections/{collectionID}/events", h.handleMetadataStream)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// lockedWriteFlusher serializes concurrent writes/flushes on one SSE
// response and refuses to write after the request context is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) writeEvent(event string, data []byte) error {
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := fmt.Fprintf(l.Writer, "event: %s\n", event); err != nil {
		return fmt.Errorf("write sse event name: %w", err)
	}
	if _, err := l.Writer.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := l.Writer.Write(data); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := l.Writer.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse frame terminator: %w", err)
	}
	l.Flusher.Flush()
	return nil
}

func (l *lockedWriteFlusher) writeComment(s string) error {
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return l.ctx.Err()
	}
	if _, err := fmt.Fprintf(l.Writer, ": %s\n\n", s); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

func (h *Handler) startSSE(w http.ResponseWriter, r *http.Request) (*lockedWriteFlusher, bool) {
	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			h.log.WarnContext(r.Context(), "accept.unsupported", slog.String("accept", acc))
			return nil, false
		}
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(r.Context(), "sse.flusher.missing")
		return nil, false
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: r.Context()}
	wf.Flush()
	return wf, true
}

// authenticate resolves the ambient session, writing the error response
// itself on failure.
func (h *Handler) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) auth.UserInfo {
	user, err := h.authn.UserFromRequest(ctx, r)
	if err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}
	return user
}

// handleDocStream serves the per-document push stream. The first event
// is always init with the full snapshot; afterwards the connection
// observes update, user-joined and user-left events until it drops.
func (h *Handler) handleDocStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	pageID := r.PathValue("pageID")

	user := h.authenticate(ctx, w, r)
	if user == nil {
		return
	}

	ok, err := h.perms.CanReadPage(ctx, user.UserID(), pageID)
	if err != nil {
		h.log.ErrorContext(ctx, "perm.read.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		h.log.InfoContext(ctx, "perm.read.denied")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	sub, err := h.registry.Subscribe(ctx, pageID, docsessions.SubscriberInfo{
		UserID:      user.UserID(),
		DisplayName: user.DisplayName(),
	})
	if err != nil {
		switch {
		case errors.Is(err, docsessions.ErrPageEncrypted):
			h.log.InfoContext(ctx, "session.subscribe.encrypted")
			w.WriteHeader(http.StatusConflict)
		case errors.Is(err, pagestore.ErrNotFound):
			h.log.InfoContext(ctx, "session.subscribe.miss")
			w.WriteHeader(http.StatusNotFound)
		default:
			h.log.ErrorContext(ctx, "session.subscribe.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}
	defer h.registry.Unsubscribe(context.WithoutCancel(ctx), sub.ConnectionID)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnectionID: sub.ConnectionID,
		UserID:       user.UserID(),
		PageID:       pageID,
	})

	wf, ok := h.startSSE(w, r)
	if !ok {
		return
	}

	initFrame, err := wire.NewFrame(wire.EventInit, wire.Init{
		ConnectionID: sub.ConnectionID,
		Color:        sub.Color,
		Snapshot:     sub.Snapshot,
		Peers:        sub.Peers,
	})
	if err != nil {
		h.log.ErrorContext(ctx, "sse.init.encode.fail", slog.String("err", err.Error()))
		return
	}
	if err := wf.writeEvent(initFrame.Event, initFrame.Data); err != nil {
		h.log.WarnContext(ctx, "sse.init.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-sub.Frames:
			if !ok {
				h.log.InfoContext(ctx, "sse.stream.closed")
				return
			}
			if err := wf.writeEvent(frame.Event, frame.Data); err != nil {
				h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ping.C:
			if err := wf.writeComment("ping"); err != nil {
				return
			}
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		}
	}
}

// handleSubmitDelta ingests one binary delta. The permission check runs
// before any state access; a malformed payload is rejected without
// touching the document or broadcasting anything.
func (h *Handler) handleSubmitDelta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	pageID := r.PathValue("pageID")

	user := h.authenticate(ctx, w, r)
	if user == nil {
		return
	}

	if h.csrf != nil {
		if err := h.csrf.VerifyCSRF(r, user); err != nil {
			h.log.InfoContext(ctx, "csrf.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	if ct, err := contenttype.GetMediaType(r); err != nil || !ct.Matches(octetStreamMediaType) {
		h.log.WarnContext(ctx, "content_type.unsupported")
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	ok, err := h.perms.CanEditPage(ctx, user.UserID(), pageID)
	if err != nil {
		h.log.ErrorContext(ctx, "perm.edit.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		h.log.InfoContext(ctx, "perm.edit.denied")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxDelta))
	if err != nil {
		h.log.WarnContext(ctx, "ingest.body.fail", slog.String("err", err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
		} else {
			w.WriteHeader(http.StatusBadRequest)
		}
		return
	}
	if len(payload) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	origin := r.Header.Get(ConnectionIDHeader)
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: origin, UserID: user.UserID(), PageID: pageID})

	if err := h.registry.SubmitDelta(ctx, pageID, origin, payload); err != nil {
		switch {
		case errors.Is(err, docstore.ErrMalformedDelta):
			h.log.WarnContext(ctx, "ingest.delta.malformed")
			w.WriteHeader(http.StatusBadRequest)
		case errors.Is(err, docsessions.ErrNoSession):
			h.log.InfoContext(ctx, "ingest.session.miss")
			w.WriteHeader(http.StatusConflict)
		default:
			h.log.ErrorContext(ctx, "ingest.fail", slog.String("err", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "ingest.ok", slog.Duration("dur", time.Since(start)))
}

// handleMetadataStream serves the per-collection metadata stream. It is
// stateless: events published while no stream is attached are simply
// not seen, and the client reconciles by refetching.
func (h *Handler) handleMetadataStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	collectionID := r.PathValue("collectionID")

	user := h.authenticate(ctx, w, r)
	if user == nil {
		return
	}

	ok, err := h.perms.CanReadCollection(ctx, user.UserID(), collectionID)
	if err != nil {
		h.log.ErrorContext(ctx, "perm.collection.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		h.log.InfoContext(ctx, "perm.collection.denied")
		w.WriteHeader(http.StatusForbidden)
		return
	}

	stream, err := h.meta.Subscribe(ctx, collectionID)
	if err != nil {
		h.log.ErrorContext(ctx, "meta.subscribe.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	wf, ok := h.startSSE(w, r)
	if !ok {
		return
	}
	h.log.InfoContext(ctx, "meta.stream.start", slog.String("collection_id", collectionID))

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				h.log.InfoContext(ctx, "meta.stream.end")
			} else {
				h.log.WarnContext(ctx, "meta.next.fail", slog.String("err", err.Error()))
			}
			return
		}
		frame, err := wire.NewFrame(ev.Kind, ev.Wire())
		if err != nil {
			h.log.ErrorContext(ctx, "meta.encode.fail", slog.String("err", err.Error()))
			continue
		}
		if err := wf.writeEvent(frame.Event, frame.Data); err != nil {
			h.log.WarnContext(ctx, "meta.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

var _ http.Handler = (*Handler)(nil)
