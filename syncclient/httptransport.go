package syncclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/RichardCYang/DWRNote/docstore"
	"github.com/RichardCYang/DWRNote/streaminghttp"
)

// HTTPTransport talks to the sync server over its HTTP surface: SSE
// for the push streams, POST for delta submission.
type HTTPTransport struct {
	base    *url.URL
	client  *http.Client
	headers http.Header
}

// TransportOption configures the transport.
type TransportOption func(*HTTPTransport)

// WithHTTPClient overrides the HTTP client (default http.DefaultClient).
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithHeader adds a header to every request, e.g. the session cookie or
// the CSRF token.
func WithHeader(key, value string) TransportOption {
	return func(t *HTTPTransport) { t.headers.Set(key, value) }
}

// NewHTTPTransport builds a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("base url: %w", err)
	}
	t := &HTTPTransport{
		base:    u,
		client:  http.DefaultClient,
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *HTTPTransport) OpenDocStream(ctx context.Context, pageID string) (EventStream, error) {
	return t.openStream(ctx, "/pages/"+url.PathEscape(pageID)+"/events")
}

func (t *HTTPTransport) OpenCollectionStream(ctx context.Context, collectionID string) (EventStream, error) {
	return t.openStream(ctx, "/collections/"+url.PathEscape(collectionID)+"/events")
}

func (t *HTTPTransport) openStream(ctx context.Context, path string) (EventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base.JoinPath(path).String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	t.applyHeaders(req)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return newSSEStream(resp.Body), nil
}

func (t *HTTPTransport) SubmitDelta(ctx context.Context, pageID, connectionID string, payload []byte) error {
	u := t.base.JoinPath("/pages/" + url.PathEscape(pageID) + "/updates").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	t.applyHeaders(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	if connectionID != "" {
		req.Header.Set(streaminghttp.ConnectionIDHeader, connectionID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("submit delta: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusConflict:
		// On this path 409 means the document session was evicted, not
		// that the page is encrypted. Transient: reopening the stream
		// recreates the session.
		return fmt.Errorf("%s: no live session for page", resp.Status)
	}
	return statusError(resp)
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, vals := range t.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
}

// statusError maps server status codes onto the package's sentinel
// errors so the controller can tell terminal failures from transient
// ones.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w", resp.Status, ErrPermissionDenied)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", resp.Status, ErrPageNotFound)
	case http.StatusConflict:
		return fmt.Errorf("%s: %w", resp.Status, ErrEncryptedPage)
	case http.StatusBadRequest:
		return fmt.Errorf("%s: %w", resp.Status, docstore.ErrMalformedDelta)
	default:
		return fmt.Errorf("unexpected status %s: %s", resp.Status, bytes.TrimSpace(body))
	}
}

var _ Transport = (*HTTPTransport)(nil)
