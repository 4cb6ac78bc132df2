// Package session implements the MCP Session Core: the connection state
// machine, handshake, tool-catalog cache, and per-call dispatch (with
// optional retry) that sits between an agent and a Transport.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
	"github.com/anchapin/luminaguard/internal/mcp/retry"
	"github.com/anchapin/luminaguard/internal/mcp/transport"
)

// State is the Session's connection lifecycle.
type State int

const (
	Created State = iota
	Initializing
	Ready
	Disconnected
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// ClientName/ClientVersion identify this Session to a peer during
// initialize. ProtocolVersion is the wire version this Session speaks.
const (
	ClientName      = "luminaguard"
	ClientVersion   = "1"
	ProtocolVersion = "2024-11-05"
)

// StateError reports an operation attempted from an invalid Session state.
type StateError struct {
	Op      string
	State   State
	Message string
}

func (e *StateError) Error() string { return e.Message }

// Session is parameterized by a Transport and owns the monotonic id
// counter, cached capabilities/tool catalog, state, and an optional retry
// policy. A Session exclusively owns its Transport.
type Session struct {
	transport transport.Transport
	retryCfg  *retry.Config

	mu     sync.Mutex
	state  State
	nextID uint64

	serverInfo protocol.ServerInfo
	caps       protocol.ServerCaps
	tools      []protocol.Tool
	schemas    map[string]*jsonschema.Schema
}

// New constructs a Session in the Created state over t. retryCfg may be nil
// to disable retry (every dispatch is attempted exactly once).
func New(t transport.Transport, retryCfg *retry.Config) *Session {
	return &Session{
		transport: t,
		retryCfg:  retryCfg,
		state:     Created,
		nextID:    0,
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the cached serverInfo from a completed initialize.
func (s *Session) ServerInfo() protocol.ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

func (s *Session) nextRequestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Initialize performs the MCP handshake. Valid only from Created; a
// second call from any other state fails with an invalid-state error.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Created {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "initialize", State: st, Message: "initialize: session is not in Created state"}
	}
	s.state = Initializing
	s.mu.Unlock()

	id := s.nextRequestID()
	req := protocol.NewRequest(id, string(protocol.MethodInitialize), protocol.InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    protocol.ClientCaps{},
		ClientInfo:      protocol.ClientInfo{Name: ClientName, Version: ClientVersion},
	})

	resp, err := s.dispatch(ctx, req, true)
	if err != nil {
		s.transitionDisconnected()
		return fmt.Errorf("initialize: %w", err)
	}

	var result protocol.InitializeResult
	if err := resp.Decode(&result); err != nil {
		s.transitionDisconnected()
		return fmt.Errorf("initialize: malformed response: %w", err)
	}
	if result.ProtocolVersion == "" {
		s.transitionDisconnected()
		return fmt.Errorf("initialize: missing protocolVersion in response")
	}
	if result.ServerInfo.Name == "" {
		s.transitionDisconnected()
		return fmt.Errorf("initialize: missing or malformed serverInfo in response")
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.caps = result.Capabilities
	s.state = Ready
	s.mu.Unlock()

	return nil
}

// ListTools fetches and caches the tool catalog. Valid only in Ready.
func (s *Session) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	if err := s.ensureReady("list_tools"); err != nil {
		return nil, err
	}

	id := s.nextRequestID()
	req := protocol.NewRequest(id, string(protocol.MethodToolsList), nil)
	resp, err := s.dispatch(ctx, req, false)
	if err != nil {
		return nil, fmt.Errorf("list_tools: %w", err)
	}

	var result protocol.ListToolsResult
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("list_tools: malformed response: %w", err)
	}
	if result.Tools == nil {
		return nil, fmt.Errorf("list_tools: missing or non-array 'tools' field")
	}

	s.mu.Lock()
	s.tools = result.Tools
	for _, tool := range result.Tools {
		if tool.InputSchema == nil {
			continue
		}
		if sch, err := compileSchema(tool.InputSchema); err == nil {
			s.schemas[tool.Name] = sch
		}
	}
	s.mu.Unlock()

	return result.Tools, nil
}

// CallTool invokes a named tool. Valid only in Ready. If the tool's
// declared inputSchema was cached by a prior ListTools, arguments are
// validated against it before the call is dispatched.
func (s *Session) CallTool(ctx context.Context, name string, arguments map[string]any) (any, error) {
	if err := s.ensureReady("call_tool"); err != nil {
		return nil, err
	}

	s.mu.Lock()
	schema := s.schemas[name]
	s.mu.Unlock()
	if schema != nil {
		if err := schema.Validate(toJSONValue(arguments)); err != nil {
			return nil, fmt.Errorf("call_tool %q: arguments fail schema validation: %w", name, err)
		}
	}

	id := s.nextRequestID()
	req := protocol.NewRequest(id, string(protocol.MethodToolsCall), protocol.ToolCallParams{
		Name:      name,
		Arguments: arguments,
	})
	resp, err := s.dispatch(ctx, req, false)
	if err != nil {
		return nil, fmt.Errorf("call_tool %q: %w", name, err)
	}
	return resp.Result, nil
}

// Close releases the underlying Transport.
func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) ensureReady(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case Ready:
		return nil
	case Created:
		return &StateError{Op: op, State: s.state, Message: op + ": session is not initialized"}
	case Initializing:
		return &StateError{Op: op, State: s.state, Message: op + ": session is still initializing"}
	default:
		return &StateError{Op: op, State: s.state, Message: "Client is disconnected"}
	}
}

func (s *Session) transitionDisconnected() {
	s.mu.Lock()
	if s.state != Ready {
		s.state = Disconnected
	}
	s.mu.Unlock()
}

// dispatch sends req and waits for its matching response, optionally
// wrapping the attempt in the retry policy. Retries reuse the same request
// (same id) — id monotonicity only advances per logical call, never per
// attempt. initializing controls whether an ApplicationError is
// considered retryable.
func (s *Session) dispatch(ctx context.Context, req *protocol.Request, initializing bool) (*protocol.Response, error) {
	attempt := func() (*protocol.Response, error) {
		if err := s.transport.Send(ctx, req); err != nil {
			return nil, err
		}
		resp, err := s.transport.Recv(ctx)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return resp, &retry.ApplicationError{Err: resp.Error}
		}
		return resp, nil
	}

	if s.retryCfg == nil || s.retryCfg.MaxAttempts <= 1 {
		resp, err := attempt()
		if err != nil {
			s.maybeDisconnect()
			var appErr *retry.ApplicationError
			if isApplicationError(err, &appErr) {
				return resp, appErr.Err
			}
			return nil, err
		}
		return resp, nil
	}

	var lastResp *protocol.Response
	var lastErr error
	for i := 0; i < s.retryCfg.MaxAttempts; i++ {
		lastResp, lastErr = attempt()
		if lastErr == nil {
			return lastResp, nil
		}
		if !retry.ShouldRetryError(lastErr, initializing) {
			break
		}
		if i < s.retryCfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.retryCfg.CalculateDelay(i)):
			}
		}
	}

	s.maybeDisconnect()
	var appErr *retry.ApplicationError
	if isApplicationError(lastErr, &appErr) {
		return lastResp, appErr.Err
	}
	return nil, lastErr
}

func isApplicationError(err error, target **retry.ApplicationError) bool {
	ae, ok := err.(*retry.ApplicationError)
	if !ok {
		return false
	}
	*target = ae
	return true
}

// maybeDisconnect transitions Ready -> Disconnected when the transport
// reports it is no longer connected: a lost transport is terminal and
// subsequent Ready-only calls must fail fast.
func (s *Session) maybeDisconnect() {
	if s.transport.IsConnected() {
		return
	}
	s.mu.Lock()
	if s.state == Ready {
		s.state = Disconnected
	}
	s.mu.Unlock()
}

func compileSchema(schema any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	const resourceURL = "inputSchema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceURL, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(resourceURL)
}

// toJSONValue bridges the loosely-typed map[string]any the Session works
// with to the shape jsonschema.Validate expects: a non-nil object whose
// numbers are json-decoded (float64), not whatever Go types the caller
// happened to build the map with.
func toJSONValue(v map[string]any) any {
	if v == nil {
		return map[string]any{}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
