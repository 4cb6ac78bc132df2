// Package cliff implements the Approval Cliff: the gate interposed between
// the classifier and the transport on every outbound tool call. Green
// actions pass straight through (with a condensed audit entry); Red
// actions are routed to a human decision through a Prompter capability,
// bounded by a timeout, and fail closed whenever that capability is
// unavailable or doesn't answer in time.
package cliff

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anchapin/luminaguard/internal/approval/classifier"
	"github.com/anchapin/luminaguard/internal/audit"
)

// DefaultTimeout is the bound on how long the cliff waits for a Prompter
// decision before treating the action as timed out.
const DefaultTimeout = 300 * time.Second

// Outcome is the result of routing a Red action to a human.
type Outcome string

const (
	Approved  Outcome = "approved"
	Rejected  Outcome = "rejected"
	Cancelled Outcome = "cancelled"
	TimedOut  Outcome = "timed_out"
)

// Decision is what the cliff hands to the Prompter for a single pending
// Red action. ID is unique per pending decision — a Prompter must never
// let resolving one ID satisfy another.
type Decision struct {
	ID        string
	Tool      string
	Arguments map[string]any
	Kind      classifier.Kind
	Risk      classifier.Risk
}

// Prompter is the external collaborator that turns a Decision into a human
// outcome — a Matrix room poll, a CLI prompt, a web UI, etc. Implementations
// should honor ctx cancellation; the cliff also races the call against its
// own timeout so a Prompter that ignores ctx still times out correctly.
type Prompter interface {
	RequestDecision(ctx context.Context, d Decision) (Outcome, error)
}

// RefusalError is returned when a Red (or malformed) action does not
// proceed. Callers can distinguish outcomes by inspecting Outcome.
type RefusalError struct {
	Tool    string
	Outcome Outcome
	Reason  string
}

func (e *RefusalError) Error() string {
	return fmt.Sprintf("refused tool %q: %s (%s)", e.Tool, e.Reason, e.Outcome)
}

// Gate is the Approval Cliff.
type Gate struct {
	prompter Prompter
	log      *audit.Log
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a Gate. A zero timeout defaults to DefaultTimeout. log must
// not be nil — every outcome, including auto-approved Green actions, is
// recorded there.
func New(prompter Prompter, log *audit.Log, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		prompter: prompter,
		log:      log,
		timeout:  timeout,
		pending:  make(map[string]struct{}),
	}
}

// Evaluate classifies (toolName, arguments) and, for Red actions, blocks
// until the Prompter resolves a decision or the timeout/cancellation fires.
// It returns nil when the call may proceed, or a *RefusalError otherwise.
func (g *Gate) Evaluate(ctx context.Context, toolName string, arguments any) error {
	if toolName == "" {
		return &RefusalError{Tool: toolName, Outcome: Rejected, Reason: "malformed action: missing tool name"}
	}

	var argMap map[string]any
	if arguments != nil {
		m, ok := arguments.(map[string]any)
		if !ok {
			return &RefusalError{Tool: toolName, Outcome: Rejected, Reason: "malformed action: arguments is not an object"}
		}
		argMap = m
	}

	result := classifier.Classify(toolName, argMap)

	if !result.RequiresApproval {
		g.log.Append(audit.Entry{
			Kind: audit.KindClassificationGreen,
			Tool: toolName,
			Risk: string(result.Risk),
		})
		return nil
	}

	g.log.Append(audit.Entry{
		Kind:   audit.KindClassificationRed,
		Tool:   toolName,
		Risk:   string(result.Risk),
		Reason: result.Reason,
	})

	if g.prompter == nil {
		g.log.Append(audit.Entry{Kind: audit.KindPrompterUnavailable, Tool: toolName})
		return &RefusalError{Tool: toolName, Outcome: Rejected, Reason: "no prompter available (fail closed)"}
	}

	id := uuid.NewString()
	g.mu.Lock()
	g.pending[id] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, id)
		g.mu.Unlock()
	}()

	decisionCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	outcome, err := g.consult(decisionCtx, Decision{
		ID:        id,
		Tool:      toolName,
		Arguments: argMap,
		Kind:      result.Kind,
		Risk:      result.Risk,
	})
	if err != nil {
		g.log.Append(audit.Entry{Kind: audit.KindPrompterUnavailable, Tool: toolName, Reason: err.Error()})
		return &RefusalError{Tool: toolName, Outcome: Rejected, Reason: "prompter unavailable: " + err.Error()}
	}

	switch outcome {
	case Approved:
		g.log.Append(audit.Entry{Kind: audit.KindApprovalApproved, Tool: toolName})
		return nil
	case Rejected:
		g.log.Append(audit.Entry{Kind: audit.KindApprovalRejected, Tool: toolName})
		return &RefusalError{Tool: toolName, Outcome: Rejected, Reason: "rejected by approver"}
	case Cancelled:
		g.log.Append(audit.Entry{Kind: audit.KindApprovalCancelled, Tool: toolName})
		return &RefusalError{Tool: toolName, Outcome: Cancelled, Reason: "cancelled by approver"}
	default:
		g.log.Append(audit.Entry{Kind: audit.KindApprovalTimedOut, Tool: toolName})
		return &RefusalError{Tool: toolName, Outcome: TimedOut, Reason: "approval timed out"}
	}
}

// consult calls the Prompter and races it against ctx's own deadline, so a
// Prompter implementation that ignores cancellation still yields TimedOut
// rather than hanging the cliff forever.
func (g *Gate) consult(ctx context.Context, d Decision) (Outcome, error) {
	type result struct {
		outcome Outcome
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		o, err := g.prompter.RequestDecision(ctx, d)
		ch <- result{o, err}
	}()

	select {
	case <-ctx.Done():
		return TimedOut, nil
	case r := <-ch:
		// A Prompter surfacing the deadline itself is still a timeout,
		// not an unavailable Prompter.
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return TimedOut, nil
		}
		return r.outcome, r.err
	}
}

// PendingCount reports the number of decisions currently awaiting the
// Prompter, useful for tests and observability.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
