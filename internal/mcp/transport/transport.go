// Package transport defines the capability a Session depends on to talk to
// a peer process: send one request, receive one matching response, and
// report liveness. Concrete backends (pipe, HTTP one-shot, HTTP pool) are
// in sibling packages; the Session only ever holds this interface.
package transport

import (
	"context"

	"github.com/anchapin/luminaguard/internal/mcp/protocol"
)

// Transport is the capability contract between a Session and whatever
// process or service actually carries MCP traffic.
//
// A successful Send must be followed by exactly one Recv that returns the
// matching response; implementations may serialize internally and are not
// required to support concurrent interleaving. Transports that are
// inherently one-shot (HTTP) may buffer the response during Send and hand
// it back from Recv; calling Recv without a prior paired Send is a
// programming error and must fail.
type Transport interface {
	// Send transmits req. It fails with an I/O-class error if the
	// transport is not connected or the write fails.
	Send(ctx context.Context, req *protocol.Request) error

	// Recv waits for and returns the response paired with the most recent
	// Send. It fails with an I/O-class error on read failure or when no
	// response is pending.
	Recv(ctx context.Context) (*protocol.Response, error)

	// IsConnected is a cheap liveness probe. The Session treats a false
	// result as terminal: it has no way to re-establish connectivity
	// itself.
	IsConnected() bool

	// Close releases any resources the transport holds (process handles,
	// connections). It is safe to call Close more than once.
	Close() error
}
