// Package pipe implements the Transport contract over a child process's
// stdin/stdout, one JSON-RPC message per line.
package pipe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
	"github.com/anchapin/luminaguard/internal/mcp/transport"
)

// maxLineBytes bounds a single framed message; generous enough for tool
// descriptors and call results without letting a misbehaving peer exhaust
// memory on one line.
const maxLineBytes = 1 << 20

// Transport talks to a subprocess over stdin/stdout. Each Send writes one
// line to stdin; each Recv reads one line from stdout via a background
// read loop that fans responses out by request id.
type Transport struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[uint64]chan *protocol.Response

	// lastID records the most recently sent request id so Recv, which has
	// no request object of its own, knows which pending channel to wait
	// on. The Transport contract promises Send is always immediately
	// followed by its paired Recv, so a single slot suffices.
	lastID idBox

	closeOnce sync.Once
	closed    chan struct{}
	connected bool
}

var _ transport.Transport = (*Transport)(nil)

// New spawns command with args and env, wires its stdio, and starts the
// background read loop. The returned Transport is connected until the
// process exits or Close is called.
func New(ctx context.Context, command string, args []string, env []string) (*Transport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pipe: start %s: %w", command, err)
	}

	t := &Transport{
		cmd:       cmd,
		stdin:     stdin,
		pending:   make(map[uint64]chan *protocol.Response),
		closed:    make(chan struct{}),
		connected: true,
	}
	go t.readLoop(stdout)
	return t, nil
}

// Send writes req as a single JSON line to the subprocess's stdin and
// registers a channel to receive its response.
func (t *Transport) Send(ctx context.Context, req *protocol.Request) error {
	if !t.IsConnected() {
		return fmt.Errorf("pipe: not connected")
	}

	ch := make(chan *protocol.Response, 1)
	t.pendMu.Lock()
	t.pending[req.ID] = ch
	t.pendMu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		t.pendMu.Lock()
		delete(t.pending, req.ID)
		t.pendMu.Unlock()
		return fmt.Errorf("pipe: marshal request: %w", err)
	}

	t.writeMu.Lock()
	_, err = fmt.Fprintf(t.stdin, "%s\n", data)
	t.writeMu.Unlock()
	if err != nil {
		t.pendMu.Lock()
		delete(t.pending, req.ID)
		t.pendMu.Unlock()
		return fmt.Errorf("pipe: write request: %w", err)
	}

	t.lastID.set(req.ID)
	return nil
}

// lastID tracks the most recently sent request id so Recv (which has no
// request object of its own) knows which pending channel to wait on.
type idBox struct {
	mu sync.Mutex
	id uint64
	ok bool
}

func (b *idBox) set(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id, b.ok = id, true
}

func (b *idBox) get() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.id, b.ok
}

// Recv waits for the response paired with the most recent Send.
func (t *Transport) Recv(ctx context.Context) (*protocol.Response, error) {
	id, ok := t.lastID.get()
	if !ok {
		return nil, fmt.Errorf("pipe: recv without a prior send")
	}

	t.pendMu.Lock()
	ch, ok := t.pending[id]
	t.pendMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("pipe: no pending response for id %d", id)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("pipe: closed before response arrived")
		}
		return resp, nil
	}
}

// IsConnected reports whether the subprocess is still believed alive.
func (t *Transport) IsConnected() bool {
	select {
	case <-t.closed:
		return false
	default:
		return t.connected
	}
}

// Close closes stdin (signalling EOF to the child) and waits for exit.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.connected = false
		err = t.stdin.Close()
		_ = t.cmd.Wait()
		close(t.closed)
	})
	return err
}

func (t *Transport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		t.pendMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// EOF or read error: drain all pending requests with a synthetic
	// transport-closed error so no caller blocks forever.
	t.connected = false
	t.pendMu.Lock()
	for id, ch := range t.pending {
		ch <- protocol.Err(id, protocol.NewServerError("MCP process closed"))
		delete(t.pending, id)
	}
	t.pendMu.Unlock()
}
