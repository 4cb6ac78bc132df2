package audit_test

import (
	"context"
	"sync"
	"testing"

	"github.com/anchapin/luminaguard/internal/audit"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingSink) Notify(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func TestSubscribeReceivesEveryAppend(t *testing.T) {
	l := audit.New()
	sink := &recordingSink{}
	l.Subscribe(sink)

	l.Append(audit.Entry{Kind: audit.KindClassificationGreen, Tool: "read_file"})
	l.Append(audit.Entry{Kind: audit.KindApprovalApproved, Tool: "delete_file"})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.entries) != 2 {
		t.Fatalf("sink received %d entries, want 2", len(sink.entries))
	}
	if sink.entries[1].Tool != "delete_file" {
		t.Errorf("second entry Tool = %q, want delete_file", sink.entries[1].Tool)
	}
}

func TestSubscribePanicDoesNotCorruptRing(t *testing.T) {
	l := audit.New()
	l.Subscribe(panicSink{})

	l.Append(audit.Entry{Kind: audit.KindClassificationGreen, Tool: "list_files"})

	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after a panicking sink", l.Len())
	}
}

type panicSink struct{}

func (panicSink) Notify(context.Context, audit.Entry) { panic("boom") }

func TestRingBoundedFIFO(t *testing.T) {
	// One VM produces 10_500 blocked syscalls, PIDs 1000..11499; the ring keeps the newest 10_000.
	l := audit.New()
	const total = 10_500
	for i := 0; i < total; i++ {
		l.Append(audit.Entry{
			Kind:    audit.KindSyscallBlocked,
			VMID:    "vm-1",
			Syscall: "socket",
			PID:     1000 + i,
		})
	}

	entries := l.ForVM("vm-1")
	if len(entries) != audit.Capacity {
		t.Fatalf("expected %d surviving entries, got %d", audit.Capacity, len(entries))
	}
	if got, want := entries[0].PID, 1500; got != want {
		t.Errorf("first surviving PID = %d, want %d", got, want)
	}
	if got, want := entries[len(entries)-1].PID, 11499; got != want {
		t.Errorf("last surviving PID = %d, want %d", got, want)
	}
}

func TestClearVMPurgesEntriesAndCounter(t *testing.T) {
	l := audit.New()
	for i := 0; i < 5; i++ {
		l.Append(audit.Entry{Kind: audit.KindSyscallBlocked, VMID: "vm-1", Syscall: "execve", PID: i})
	}
	if l.ViolationCount("vm-1") != 5 {
		t.Fatalf("expected violation count 5, got %d", l.ViolationCount("vm-1"))
	}

	l.ClearVM("vm-1")

	if got := l.ForVM("vm-1"); len(got) != 0 {
		t.Errorf("expected 0 entries after ClearVM, got %d", len(got))
	}
	if got := l.ViolationCount("vm-1"); got != 0 {
		t.Errorf("expected 0 violation count after ClearVM, got %d", got)
	}
}

func TestAttackDetectedThreshold(t *testing.T) {
	l := audit.New()
	var detected bool
	for i := 0; i < audit.AttackThreshold+1; i++ {
		detected = l.Append(audit.Entry{Kind: audit.KindSyscallBlocked, VMID: "vm-2", Syscall: "ptrace", PID: i})
	}
	if !detected {
		t.Fatalf("expected attack-detected on the %d-th violation", audit.AttackThreshold+1)
	}
}

func TestStatsForVM(t *testing.T) {
	l := audit.New()
	l.Append(audit.Entry{Kind: audit.KindSyscallBlocked, VMID: "vm-3", Syscall: "execve", PID: 1})
	l.Append(audit.Entry{Kind: audit.KindSyscallBlocked, VMID: "vm-3", Syscall: "execve", PID: 2})
	l.Append(audit.Entry{Kind: audit.KindSyscallBlocked, VMID: "vm-3", Syscall: "fork", PID: 3})

	stats := l.StatsForVM("vm-3")
	if stats.TotalBlocked != 3 {
		t.Errorf("TotalBlocked = %d, want 3", stats.TotalBlocked)
	}
	if stats.DistinctSyscall != 2 {
		t.Errorf("DistinctSyscall = %d, want 2", stats.DistinctSyscall)
	}
}

func TestDroppedCount(t *testing.T) {
	l := audit.New()
	for i := 0; i < audit.Capacity+3; i++ {
		l.Append(audit.Entry{Kind: audit.KindClassificationGreen, Tool: "read_file"})
	}
	if got := l.DroppedCount(); got != 3 {
		t.Errorf("DroppedCount = %d, want 3", got)
	}
	if got := l.Len(); got != audit.Capacity {
		t.Errorf("Len = %d, want %d", got, audit.Capacity)
	}
}
