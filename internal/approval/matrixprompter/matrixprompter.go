// Package matrixprompter implements cliff.Prompter by posting a Red
// action's decision request to a Matrix room and waiting for a human to
// reply "approve <id>" or "deny <id> reason=...". Decisions arrive
// in-process via RecordDecision, fed by a Matrix event handler, since the
// cliff already blocks the calling goroutine for us.
package matrixprompter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/anchapin/luminaguard/internal/approval/cliff"
)

// Sender can post a message to a Matrix room (subset of the Matrix client
// interface, kept narrow for testability).
type Sender interface {
	SendText(roomID, text string) error
}

// pending tracks one in-flight decision awaiting a reply.
type pending struct {
	resultCh chan cliff.Outcome
}

// Prompter posts decision requests to approvalsRoom and resolves them when
// RecordDecision is called with a matching ID.
type Prompter struct {
	sender        Sender
	approvalsRoom string

	mu      sync.Mutex
	waiting map[string]*pending
}

// New creates a Prompter that posts to approvalsRoom via sender.
func New(sender Sender, approvalsRoom string) *Prompter {
	return &Prompter{
		sender:        sender,
		approvalsRoom: approvalsRoom,
		waiting:       make(map[string]*pending),
	}
}

// RequestDecision posts a formatted request for d and blocks until
// RecordDecision resolves d.ID or ctx is done.
func (p *Prompter) RequestDecision(ctx context.Context, d cliff.Decision) (cliff.Outcome, error) {
	ch := make(chan cliff.Outcome, 1)
	p.mu.Lock()
	p.waiting[d.ID] = &pending{resultCh: ch}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiting, d.ID)
		p.mu.Unlock()
	}()

	msg := formatDecisionMessage(d)
	if err := p.sender.SendText(p.approvalsRoom, msg); err != nil {
		return "", fmt.Errorf("matrixprompter: post decision request: %w", err)
	}

	select {
	case <-ctx.Done():
		return cliff.TimedOut, nil
	case outcome := <-ch:
		return outcome, nil
	}
}

// RecordDecision resolves a pending decision identified by approvalID. It
// is called from the Matrix event handler when an approver's reply parses
// via ParseDecision. Resolving an unknown or already-resolved ID is a no-op
// — a Prompter must never let one decision satisfy another.
func (p *Prompter) RecordDecision(approvalID string, outcome cliff.Outcome) {
	p.mu.Lock()
	pend, ok := p.waiting[approvalID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pend.resultCh <- outcome:
	default:
	}
}

// ParseDecision attempts to parse a Matrix message body as an approval
// decision. Returns ok=false when the text is not a decision. Format:
// "approve <id>", "deny <id> reason=...", or "cancel <id>".
func ParseDecision(text string) (approvalID string, outcome cliff.Outcome, reason string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return
	}
	switch strings.ToLower(fields[0]) {
	case "approve":
		return fields[1], cliff.Approved, "", true
	case "deny":
		id := fields[1]
		// The reason runs to the end of the line; it may contain spaces.
		if idx := strings.Index(text, "reason="); idx >= 0 {
			reason = strings.Trim(strings.TrimSpace(text[idx+len("reason="):]), `"`)
		}
		return id, cliff.Rejected, reason, true
	case "cancel":
		return fields[1], cliff.Cancelled, "", true
	}
	return
}

func formatDecisionMessage(d cliff.Decision) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\U0001F512 Approval required — ID: `%s`\n", d.ID))
	sb.WriteString(fmt.Sprintf("Tool: %s (risk: %s, kind: %s)\n", d.Tool, d.Risk, d.Kind))
	if len(d.Arguments) > 0 {
		sb.WriteString(fmt.Sprintf("Arguments: %v\n", d.Arguments))
	}
	sb.WriteString(fmt.Sprintf("Requested: %s\n", time.Now().UTC().Format(time.RFC3339)))
	sb.WriteString("\nReply with:\n")
	sb.WriteString(fmt.Sprintf("  `approve %s`\n", d.ID))
	sb.WriteString(fmt.Sprintf("  `deny %s reason=\"...\"`\n", d.ID))
	return sb.String()
}
