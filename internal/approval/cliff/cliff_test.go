package cliff_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/anchapin/luminaguard/internal/approval/cliff"
	"github.com/anchapin/luminaguard/internal/audit"
)

type fixedPrompter struct {
	outcome cliff.Outcome
	err     error
	delay   time.Duration
}

func (f *fixedPrompter) RequestDecision(ctx context.Context, _ cliff.Decision) (cliff.Outcome, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.outcome, f.err
}

func TestGreenProceedsWithoutPrompter(t *testing.T) {
	log := audit.New()
	g := cliff.New(nil, log, time.Second)

	if err := g.Evaluate(context.Background(), "read_file", map[string]any{"path": "x"}); err != nil {
		t.Fatalf("unexpected refusal: %v", err)
	}
	entries := log.Since(time.Minute)
	if len(entries) != 1 || entries[0].Kind != audit.KindClassificationGreen {
		t.Fatalf("expected one classification_green entry, got %+v", entries)
	}
}

func TestRedApprovedProceeds(t *testing.T) {
	log := audit.New()
	g := cliff.New(&fixedPrompter{outcome: cliff.Approved}, log, time.Second)

	if err := g.Evaluate(context.Background(), "delete_file", map[string]any{"path": "x"}); err != nil {
		t.Fatalf("unexpected refusal: %v", err)
	}
}

func TestRedRejectedRefuses(t *testing.T) {
	log := audit.New()
	g := cliff.New(&fixedPrompter{outcome: cliff.Rejected}, log, time.Second)

	err := g.Evaluate(context.Background(), "delete_file", map[string]any{"path": "test.txt"})
	var refusal *cliff.RefusalError
	if !errors.As(err, &refusal) || refusal.Outcome != cliff.Rejected {
		t.Fatalf("expected Rejected refusal, got %v", err)
	}
	if got := refusal.Error(); got == "" {
		t.Fatal("expected non-empty error message")
	}

	found := false
	for _, e := range log.Since(time.Minute) {
		if e.Kind == audit.KindApprovalRejected && e.Tool == "delete_file" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected approval_rejected audit entry naming delete_file")
	}
}

func TestPrompterTimeout(t *testing.T) {
	log := audit.New()
	g := cliff.New(&fixedPrompter{outcome: cliff.Approved, delay: time.Hour}, log, 20*time.Millisecond)

	err := g.Evaluate(context.Background(), "execute_command", nil)
	var refusal *cliff.RefusalError
	if !errors.As(err, &refusal) || refusal.Outcome != cliff.TimedOut {
		t.Fatalf("expected TimedOut refusal, got %v", err)
	}

	found := false
	for _, e := range log.Since(time.Minute) {
		if e.Kind == audit.KindApprovalTimedOut {
			found = true
		}
	}
	if !found {
		t.Fatal("expected approval_timed_out audit entry")
	}
}

func TestNoPrompterFailsClosed(t *testing.T) {
	log := audit.New()
	g := cliff.New(nil, log, time.Second)

	err := g.Evaluate(context.Background(), "delete_file", nil)
	var refusal *cliff.RefusalError
	if !errors.As(err, &refusal) {
		t.Fatalf("expected refusal, got %v", err)
	}

	found := false
	for _, e := range log.Since(time.Minute) {
		if e.Kind == audit.KindPrompterUnavailable {
			found = true
		}
	}
	if !found {
		t.Fatal("expected prompter_unavailable audit entry")
	}
}

func TestMalformedActionRejectedWithoutPrompter(t *testing.T) {
	log := audit.New()
	g := cliff.New(&fixedPrompter{outcome: cliff.Approved}, log, time.Second)

	if err := g.Evaluate(context.Background(), "", nil); err == nil {
		t.Fatal("expected refusal for missing tool name")
	}
	if err := g.Evaluate(context.Background(), "delete_file", "not-an-object"); err == nil {
		t.Fatal("expected refusal for non-object arguments")
	}
}

func TestConcurrentDecisionsDoNotAlias(t *testing.T) {
	log := audit.New()
	g := cliff.New(&fixedPrompter{outcome: cliff.Approved, delay: 10 * time.Millisecond}, log, time.Second)

	done := make(chan error, 2)
	go func() { done <- g.Evaluate(context.Background(), "delete_a", nil) }()
	go func() { done <- g.Evaluate(context.Background(), "delete_b", nil) }()

	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("unexpected refusal: %v", err)
		}
	}
	if g.PendingCount() != 0 {
		t.Fatalf("expected no pending decisions after completion, got %d", g.PendingCount())
	}
}
