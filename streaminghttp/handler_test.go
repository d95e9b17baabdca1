package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/RichardCYang/DWRNote/auth/authtest"
	"github.com/RichardCYang/DWRNote/docsessions"
	"github.com/RichardCYang/DWRNote/docstore/docstoretest"
	"github.com/RichardCYang/DWRNote/metadata"
	"github.com/RichardCYang/DWRNote/metadata/memorychannel"
	"github.com/RichardCYang/DWRNote/pagestore"
	"github.com/RichardCYang/DWRNote/pagestore/memorypages"
	"github.com/RichardCYang/DWRNote/streaminghttp"
	"github.com/RichardCYang/DWRNote/wire"
)

type testServer struct {
	ts       *httptest.Server
	registry *docsessions.Registry
	meta     *memorychannel.Channel
}

func newTestServer(t *testing.T, opts ...streaminghttp.Option) *testServer {
	t.Helper()
	pages := memorypages.New(
		pagestore.Page{ID: "demo:notes", CollectionID: "demo", Title: "notes", Content: "hello"},
		pagestore.Page{ID: "demo:secret", CollectionID: "demo", Title: "secret", Content: "hidden", Encrypted: true},
	)
	registry := docsessions.NewRegistry(docstoretest.FakeEngine{}, pages)
	t.Cleanup(func() { registry.Shutdown(context.Background()) })

	meta := memorychannel.New()
	authn := &authtest.Authenticator{Users: map[string]authtest.User{
		"tok-ada": {ID: "u1", Name: "Ada"},
		"tok-ben": {ID: "u2", Name: "Ben"},
	}}

	h, err := streaminghttp.New(registry, meta, authn, authtest.AllowAll(), opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, registry: registry, meta: meta}
}

// sseConn is one open push stream plus a line reader over it.
type sseConn struct {
	resp *http.Response
	br   *bufio.Reader
}

func (s *testServer) openStream(t *testing.T, token, path string) *sseConn {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	return &sseConn{resp: resp, br: bufio.NewReader(resp.Body)}
}

// nextEvent reads one complete SSE frame, skipping comments.
func (c *sseConn) nextEvent(t *testing.T) (string, []byte) {
	t.Helper()
	var (
		name string
		data [][]byte
	)
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("timed out reading sse event")
		}
		line, err := c.br.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse line: %v", err)
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case line == "":
			if name != "" || len(data) > 0 {
				return name, bytes.Join(data, []byte("\n"))
			}
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, []byte(strings.TrimPrefix(line, "data: ")))
		}
	}
}

func (s *testServer) submitDelta(t *testing.T, token, pageID, connID string, payload []byte, extra map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/pages/"+pageID+"/updates", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	if connID != "" {
		req.Header.Set(streaminghttp.ConnectionIDHeader, connID)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInit(t *testing.T, data []byte) wire.Init {
	t.Helper()
	var init wire.Init
	if err := json.Unmarshal(data, &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}
	return init
}

func TestDocStreamSendsInitFirst(t *testing.T) {
	s := newTestServer(t)
	conn := s.openStream(t, "tok-ada", "/pages/demo:notes/events")

	name, data := conn.nextEvent(t)
	if name != wire.EventInit {
		t.Fatalf("first event = %q, want init", name)
	}
	init := decodeInit(t, data)
	if init.ConnectionID == "" || init.Color == "" {
		t.Fatalf("incomplete init: %+v", init)
	}
	st, err := docstoretest.FakeEngine{}.Load(init.Snapshot)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	got, _ := st.Content()
	if got != "hello" {
		t.Fatalf("snapshot content = %q", got)
	}
}

func TestUpdateReachesOtherClientsOnly(t *testing.T) {
	s := newTestServer(t)

	connA := s.openStream(t, "tok-ada", "/pages/demo:notes/events")
	_, dataA := connA.nextEvent(t)
	initA := decodeInit(t, dataA)

	connB := s.openStream(t, "tok-ben", "/pages/demo:notes/events")
	_, dataB := connB.nextEvent(t)
	initB := decodeInit(t, dataB)
	if len(initB.Peers) != 1 {
		t.Fatalf("b peers = %v", initB.Peers)
	}

	// a sees b join.
	if name, _ := connA.nextEvent(t); name != wire.EventUserJoined {
		t.Fatalf("a got %q, want user-joined", name)
	}

	resp := s.submitDelta(t, "tok-ada", "demo:notes", initA.ConnectionID, docstoretest.Delta("world"), nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("submit status = %d, want 204", resp.StatusCode)
	}

	name, data := connB.nextEvent(t)
	if name != wire.EventUpdate {
		t.Fatalf("b got %q, want update", name)
	}
	var upd wire.Update
	if err := json.Unmarshal(data, &upd); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if upd.Origin != initA.ConnectionID {
		t.Fatalf("origin = %q, want %q", upd.Origin, initA.ConnectionID)
	}
	if !bytes.Equal(upd.Payload, docstoretest.Delta("world")) {
		t.Fatalf("payload = %q", upd.Payload)
	}
}

func TestSubmitMalformedDelta(t *testing.T) {
	s := newTestServer(t)
	conn := s.openStream(t, "tok-ada", "/pages/demo:notes/events")
	_, data := conn.nextEvent(t)
	init := decodeInit(t, data)

	resp := s.submitDelta(t, "tok-ada", "demo:notes", init.ConnectionID, []byte("\x00junk"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitWithoutSession(t *testing.T) {
	s := newTestServer(t)
	resp := s.submitDelta(t, "tok-ada", "demo:notes", "", docstoretest.Delta("x"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.ts.Client().Get(s.ts.URL + "/pages/demo:notes/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stream status = %d, want 401", resp.StatusCode)
	}

	resp2 := s.submitDelta(t, "tok-unknown", "demo:notes", "", docstoretest.Delta("x"), nil)
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("submit status = %d, want 401", resp2.StatusCode)
	}
}

func TestEncryptedPageConflict(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/pages/demo:secret/events", nil)
	req.Header.Set("Authorization", "Bearer tok-ada")
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownPageNotFound(t *testing.T) {
	s := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, s.ts.URL+"/pages/demo:nope/events", nil)
	req.Header.Set("Authorization", "Bearer tok-ada")
	resp, err := s.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCSRFEnforcedWhenConfigured(t *testing.T) {
	authn := &authtest.Authenticator{Users: map[string]authtest.User{"tok-ada": {ID: "u1", Name: "Ada"}}}
	s := newTestServer(t, streaminghttp.WithCSRFVerifier(authn))

	conn := s.openStream(t, "tok-ada", "/pages/demo:notes/events")
	_, data := conn.nextEvent(t)
	init := decodeInit(t, data)

	resp := s.submitDelta(t, "tok-ada", "demo:notes", init.ConnectionID, docstoretest.Delta("x"), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status without csrf token = %d, want 403", resp.StatusCode)
	}

	resp = s.submitDelta(t, "tok-ada", "demo:notes", init.ConnectionID, docstoretest.Delta("x"), map[string]string{
		"X-Csrf-Token": authtest.CSRFToken("u1"),
	})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status with csrf token = %d, want 204", resp.StatusCode)
	}
}

func TestSubmitRequiresOctetStream(t *testing.T) {
	s := newTestServer(t)
	conn := s.openStream(t, "tok-ada", "/pages/demo:notes/events")
	_, data := conn.nextEvent(t)
	init := decodeInit(t, data)

	resp := s.submitDelta(t, "tok-ada", "demo:notes", init.ConnectionID, docstoretest.Delta("x"), map[string]string{
		"Content-Type": "application/json",
	})
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestSubmitOversizedDelta(t *testing.T) {
	s := newTestServer(t, streaminghttp.WithMaxDeltaBytes(8))
	conn := s.openStream(t, "tok-ada", "/pages/demo:notes/events")
	_, data := conn.nextEvent(t)
	init := decodeInit(t, data)

	resp := s.submitDelta(t, "tok-ada", "demo:notes", init.ConnectionID, docstoretest.Delta("a line that overruns the limit"), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestMetadataStream(t *testing.T) {
	s := newTestServer(t)
	conn := s.openStream(t, "tok-ada", "/collections/demo/events")

	// The handler subscribes before it writes the response headers, so
	// once openStream returns the subscription is attached.
	if err := s.meta.Publish(context.Background(), metadata.Event{
		Kind:         metadata.KindChange,
		CollectionID: "demo",
		PageID:       "demo:notes",
		Field:        "title",
		Value:        "Renamed",
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	name, data := conn.nextEvent(t)
	if name != wire.EventMetadataChange {
		t.Fatalf("event = %q, want metadata-change", name)
	}
	var meta wire.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.PageID != "demo:notes" || meta.Field != "title" || meta.Value != "Renamed" {
		t.Fatalf("metadata = %+v", meta)
	}
}
