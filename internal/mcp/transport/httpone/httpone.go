// Package httpone implements the Transport contract as one-shot HTTP POST
// requests: the body of the response is the response JSON. Because HTTP is
// inherently request/response, the response is buffered during Send and
// handed back from the paired Recv.
package httpone

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
	"github.com/anchapin/luminaguard/internal/mcp/transport"
)

// Header is a custom HTTP header attached verbatim to every request, e.g.
// an auth scheme.
type Header struct {
	Name  string
	Value string
}

// BearerHeader builds an Authorization: Bearer header.
func BearerHeader(token string) Header {
	return Header{Name: "Authorization", Value: "Bearer " + token}
}

// BasicHeader builds an Authorization: Basic header using the standard
// base64 alphabet with '=' padding.
func BasicHeader(user, pass string) Header {
	return Header{Name: "Authorization", Value: "Basic " + basicToken(user, pass)}
}

// APIKeyHeader builds a named API-key header.
func APIKeyHeader(name, key string) Header {
	return Header{Name: name, Value: key}
}

func basicToken(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}

// Transport POSTs each request to a single URL and buffers its response.
type Transport struct {
	client  *http.Client
	url     string
	headers []Header

	mu       sync.Mutex
	buffered *protocol.Response
	err      error
}

var _ transport.Transport = (*Transport)(nil)

// New builds a one-shot HTTP transport against url with the given timeout.
func New(url string, timeout time.Duration, headers ...Header) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		client:  &http.Client{Timeout: timeout},
		url:     url,
		headers: headers,
	}
}

// Send posts req and buffers the decoded response for the paired Recv.
func (t *Transport) Send(ctx context.Context, req *protocol.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("httpone: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httpone: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range t.headers {
		httpReq.Header.Set(h.Name, h.Value)
	}

	resp, err := t.client.Do(httpReq)
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.err = fmt.Errorf("httpone: request failed: %w", err)
		t.buffered = nil
		return t.err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.err = fmt.Errorf("httpone: read response: %w", err)
		t.buffered = nil
		return t.err
	}

	var out protocol.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		t.err = fmt.Errorf("httpone: decode response: %w", err)
		t.buffered = nil
		return t.err
	}

	t.buffered = &out
	t.err = nil
	return nil
}

// Recv returns the response buffered by the most recent Send. Calling Recv
// without a prior paired Send is a programming error and fails.
func (t *Transport) Recv(ctx context.Context) (*protocol.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		err := t.err
		t.err = nil
		return nil, err
	}
	if t.buffered == nil {
		return nil, fmt.Errorf("httpone: recv without a prior send")
	}
	resp := t.buffered
	t.buffered = nil
	return resp, nil
}

// IsConnected is always true for a one-shot HTTP transport: there is no
// persistent connection to lose, only per-request success/failure.
func (t *Transport) IsConnected() bool { return true }

// Close is a no-op; the underlying http.Client owns no closable resource
// this transport needs to release eagerly.
func (t *Transport) Close() error { return nil }
