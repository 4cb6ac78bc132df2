// Package httppool implements the Transport contract over a set of HTTP
// endpoints selected by round robin, with per-endpoint health tracking and
// failover: the selector scans at most one full cycle for a healthy
// endpoint, skipping unhealthy ones, and falls back to plain round robin
// only when every endpoint is unhealthy.
package httppool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
	"github.com/anchapin/luminaguard/internal/mcp/transport"
	"github.com/anchapin/luminaguard/internal/mcp/transport/httpone"
)

// endpointHealth is one server's health-check state: when it was last
// probed and whether that probe succeeded.
type endpointHealth struct {
	mu       sync.Mutex
	lastSeen time.Time
	healthy  bool
}

func (h *endpointHealth) snapshot() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSeen, h.healthy
}

func (h *endpointHealth) record(ok bool, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healthy = ok
	h.lastSeen = at
}

// Transport load-balances requests across a fixed set of URLs via round
// robin, skipping endpoints the health sweep has marked unhealthy.
type Transport struct {
	client  *http.Client
	urls    []string
	headers []httpone.Header

	health []*endpointHealth
	next   uint64 // atomic round-robin cursor

	healthCheckInterval time.Duration
	enableFailover      bool

	mu       sync.Mutex
	buffered *protocol.Response
	err      error
}

var _ transport.Transport = (*Transport)(nil)

// Option configures a Transport at construction.
type Option func(*Transport)

// WithHealthCheckInterval overrides the default 30s health sweep cadence.
func WithHealthCheckInterval(d time.Duration) Option {
	return func(t *Transport) { t.healthCheckInterval = d }
}

// WithFailoverDisabled turns off health-aware skipping; the pool always
// round-robins over every configured URL regardless of health state.
func WithFailoverDisabled() Option {
	return func(t *Transport) { t.enableFailover = false }
}

// WithHeaders attaches custom headers to every outbound request.
func WithHeaders(headers ...httpone.Header) Option {
	return func(t *Transport) { t.headers = headers }
}

// New builds a load-balanced HTTP transport over urls. All endpoints
// start marked healthy (optimistic until proven otherwise).
func New(urls []string, timeout time.Duration, opts ...Option) (*Transport, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("httppool: at least one URL is required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	now := time.Now()
	health := make([]*endpointHealth, len(urls))
	for i := range health {
		health[i] = &endpointHealth{lastSeen: now, healthy: true}
	}

	t := &Transport{
		client:              &http.Client{Timeout: timeout},
		urls:                urls,
		health:              health,
		healthCheckInterval: 30 * time.Second,
		enableFailover:      true,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send picks the next endpoint by round robin (skipping unhealthy ones
// while failover is enabled and at least one healthy endpoint exists),
// posts the request, and buffers the decoded response for Recv.
func (t *Transport) Send(ctx context.Context, req *protocol.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("httppool: marshal request: %w", err)
	}

	idx := t.pickEndpoint()
	url := t.urls[idx]

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("httppool: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for _, h := range t.headers {
		httpReq.Header.Set(h.Name, h.Value)
	}

	resp, err := t.client.Do(httpReq)
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil {
		t.health[idx].record(false, now)
		t.err = fmt.Errorf("httppool: request to %s failed: %w", url, err)
		t.buffered = nil
		return t.err
	}
	defer resp.Body.Close()
	t.health[idx].record(resp.StatusCode < 500, now)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.err = fmt.Errorf("httppool: read response from %s: %w", url, err)
		t.buffered = nil
		return t.err
	}

	var out protocol.Response
	if err := json.Unmarshal(raw, &out); err != nil {
		t.err = fmt.Errorf("httppool: decode response from %s: %w", url, err)
		t.buffered = nil
		return t.err
	}

	t.buffered = &out
	t.err = nil
	return nil
}

// pickEndpoint advances the round-robin cursor. With failover enabled it
// scans up to len(urls) candidates looking for a healthy one; finding none
// healthy, it falls back to plain round robin rather than refusing to send.
func (t *Transport) pickEndpoint() int {
	start := int(atomic.AddUint64(&t.next, 1)-1) % len(t.urls)
	if !t.enableFailover {
		return start
	}

	for i := 0; i < len(t.urls); i++ {
		idx := (start + i) % len(t.urls)
		if _, healthy := t.health[idx].snapshot(); healthy {
			return idx
		}
	}
	return start
}

// Recv returns the response buffered by the most recent Send.
func (t *Transport) Recv(ctx context.Context) (*protocol.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		err := t.err
		t.err = nil
		return nil, err
	}
	if t.buffered == nil {
		return nil, fmt.Errorf("httppool: recv without a prior send")
	}
	resp := t.buffered
	t.buffered = nil
	return resp, nil
}

// IsConnected reports whether at least one endpoint is currently healthy.
// A freshly constructed pool, or one where failover is disabled, always
// reports connected.
func (t *Transport) IsConnected() bool {
	if !t.enableFailover {
		return true
	}
	for _, h := range t.health {
		if _, healthy := h.snapshot(); healthy {
			return true
		}
	}
	return false
}

// Close is a no-op; the underlying http.Client owns no closable resource
// this transport needs to release eagerly.
func (t *Transport) Close() error { return nil }

// RunHealthSweep probes every endpoint concurrently with a lightweight
// initialize-less liveness check (a short GET) and updates health state.
// Callers typically run this on a ticker at HealthCheckInterval.
func (t *Transport) RunHealthSweep(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, url := range t.urls {
		i, url := i, url
		g.Go(func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				t.health[i].record(false, time.Now())
				return nil
			}
			resp, err := t.client.Do(req)
			now := time.Now()
			if err != nil {
				t.health[i].record(false, now)
				return nil
			}
			resp.Body.Close()
			t.health[i].record(resp.StatusCode < 500, now)
			return nil
		})
	}
	return g.Wait()
}

// HealthCheckInterval returns the configured health sweep cadence.
func (t *Transport) HealthCheckInterval() time.Duration { return t.healthCheckInterval }
