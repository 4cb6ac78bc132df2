// Package retry classifies MCP-session errors as retryable or permanent and
// computes exponential backoff with jitter. It is deliberately decoupled
// from the Session's attempt loop (in internal/mcp/session) so the pure
// math and predicates can be tested on their own.
package retry

import (
	"errors"
	"math/rand/v2"
	"strings"
	"time"
)

// Config controls backoff shape and retry budget for one logical call.
type Config struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or negative is treated as 1 (no retries).
	MaxAttempts int
	// BaseDelay is the delay before the first retry (CalculateDelay(0)).
	BaseDelay time.Duration
	// Multiplier scales the delay on each subsequent attempt. A value <= 1
	// is treated as 2 (doubling).
	Multiplier float64
	// Jitter, when true, perturbs the computed delay by up to ±25%.
	Jitter bool
}

// DefaultConfig is a conservative starting point: three attempts,
// half-second base, doubling with jitter.
var DefaultConfig = Config{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Multiplier:  2,
	Jitter:      true,
}

// CalculateDelay returns base_delay * multiplier^attempt, optionally
// perturbed by jitter. attempt is 0-based: CalculateDelay(0) is the delay
// before the first retry.
func (c Config) CalculateDelay(attempt int) time.Duration {
	mult := c.Multiplier
	if mult <= 1 {
		mult = 2
	}
	base := c.BaseDelay
	if base <= 0 {
		base = DefaultConfig.BaseDelay
	}

	delay := float64(base)
	for i := 0; i < attempt; i++ {
		delay *= mult
	}

	if c.Jitter {
		// Perturb by up to ±25%, never pushing the delay negative.
		spread := delay * 0.25
		delay += (rand.Float64()*2 - 1) * spread
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// authFailureMarkers identify errors that must never be retried: retrying an
// authorization failure just repeats the same rejection.
var authFailureMarkers = []string{
	"unauthorized",
	"invalid credentials",
	"authentication failed",
	"forbidden",
	"permission denied",
}

// ApplicationError wraps an explicit application-level "error" response
// from the peer (as opposed to a transport failure). The Session wraps
// tools/call and friends' error responses this way so ShouldRetryError can
// tell the two apart.
type ApplicationError struct {
	Err error
}

func (e *ApplicationError) Error() string { return e.Err.Error() }
func (e *ApplicationError) Unwrap() error { return e.Err }

// ShouldRetryError is the pure predicate classifying err as retryable.
// Authorization failures are never retried, regardless of error class.
// Transport-class errors (connection loss, timeouts, DNS failures — i.e.
// anything not wrapped as an ApplicationError) are always retryable.
// Application-level error responses are retryable only while initializing
// is true — they usually indicate a startup race, not a permanent
// rejection, and retrying them post-handshake would just repeat the same
// server-side decision.
func ShouldRetryError(err error, initializing bool) bool {
	if err == nil {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range authFailureMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}

	var appErr *ApplicationError
	if errors.As(err, &appErr) {
		return initializing
	}

	return true
}
