// Package matrixnotifier posts human-readable notices for selected audit
// entries to a Matrix room, aimed at the security-plane events an operator
// actually wants paged on: Red classifications, approval outcomes, and
// syscall attack detection. The bounded audit ring stays the single source
// of truth; this is a best-effort side channel onto it.
package matrixnotifier

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/anchapin/luminaguard/internal/audit"
)

// Sender is the subset of a Matrix client this notifier needs, kept narrow
// so it can be faked in tests without a real homeserver.
type Sender interface {
	SendNotice(roomID, message string) error
}

// Notifier posts formatted notices for audit entries. Implementations must
// not block the caller for longer than a short timeout; send failures are
// logged, not propagated, since a notification failure must never affect
// the action being audited.
type Notifier interface {
	Notify(ctx context.Context, e audit.Entry)
}

// MatrixNotifier posts notices to a single configured room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// New creates a MatrixNotifier. An empty roomID makes Notify a no-op for
// operators who haven't configured an audit room.
func New(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats e and posts it, skipping kinds that are too noisy to page
// on (routine Green classifications).
func (n *MatrixNotifier) Notify(_ context.Context, e audit.Entry) {
	if n.roomID == "" || !notifiable(e.Kind) {
		return
	}

	msg := fmt.Sprintf("%s [%s]", kindIcon(e.Kind), e.Kind)
	switch {
	case e.Tool != "":
		msg += fmt.Sprintf(" tool=%s", e.Tool)
	case e.VMID != "":
		msg += fmt.Sprintf(" vm=%s syscall=%s pid=%d", e.VMID, e.Syscall, e.PID)
	}
	if e.Risk != "" {
		msg += fmt.Sprintf(" risk=%s", e.Risk)
	}
	if e.Reason != "" {
		msg += fmt.Sprintf(" reason=%q", e.Reason)
	}
	msg += fmt.Sprintf("\n  seq: %d", e.Seq)

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("matrixnotifier: failed to send room notice",
			"room", n.roomID, "kind", e.Kind, "err", err)
		return
	}
	slog.Debug("matrixnotifier: sent notice", "room", n.roomID, "kind", e.Kind)
}

func notifiable(k audit.Kind) bool {
	switch k {
	case audit.KindClassificationRed,
		audit.KindApprovalApproved,
		audit.KindApprovalRejected,
		audit.KindApprovalCancelled,
		audit.KindApprovalTimedOut,
		audit.KindPrompterUnavailable,
		audit.KindSyscallAttackDetected:
		return true
	default:
		return false
	}
}

// Noop is a Notifier that discards every entry, used when no audit room is
// configured.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ audit.Entry) {}

func kindIcon(k audit.Kind) string {
	switch k {
	case audit.KindClassificationGreen:
		return "🟢"
	case audit.KindClassificationRed:
		return "🔴"
	case audit.KindApprovalApproved:
		return "✅"
	case audit.KindApprovalRejected:
		return "❌"
	case audit.KindApprovalCancelled:
		return "🚫"
	case audit.KindApprovalTimedOut:
		return "⏱️"
	case audit.KindPrompterUnavailable:
		return "⚠️"
	case audit.KindSyscallBlocked:
		return "🛡️"
	case audit.KindSyscallAttackDetected:
		return "🚨"
	default:
		return "ℹ️"
	}
}
