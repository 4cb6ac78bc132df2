package seccomp_test

import (
	"testing"

	"github.com/anchapin/luminaguard/internal/audit"
	"github.com/anchapin/luminaguard/internal/vm/seccomp"
)

func set(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func TestWhitelistSizesIncreaseAndNest(t *testing.T) {
	minimal := seccomp.BuildWhitelist(seccomp.Minimal)
	basic := seccomp.BuildWhitelist(seccomp.Basic)
	permissive := seccomp.BuildWhitelist(seccomp.Permissive)

	if !(len(minimal) < len(basic) && len(basic) < len(permissive)) {
		t.Fatalf("sizes not strictly increasing: %d, %d, %d", len(minimal), len(basic), len(permissive))
	}

	basicSet, permissiveSet := set(basic), set(permissive)
	for _, n := range minimal {
		if !basicSet[n] {
			t.Errorf("Basic missing Minimal syscall %q", n)
		}
	}
	for _, n := range basic {
		if !permissiveSet[n] {
			t.Errorf("Permissive missing Basic syscall %q", n)
		}
	}
}

func TestCoreSyscallsInEveryLevel(t *testing.T) {
	required := []string{"read", "write", "exit", "exit_group", "mmap"}
	for _, level := range []seccomp.Level{seccomp.Minimal, seccomp.Basic, seccomp.Permissive} {
		s := set(seccomp.BuildWhitelist(level))
		for _, r := range required {
			if !s[r] {
				t.Errorf("level %s missing required syscall %q", level, r)
			}
		}
	}
}

func TestDangerousSyscallsNeverInBasic(t *testing.T) {
	dangerous := []string{
		"clone", "fork", "vfork", "execve", "execveat", "mount", "umount",
		"umount2", "reboot", "ptrace", "kexec_load", "init_module",
		"delete_module", "chroot", "pivot_root", "setuid", "setgid",
		"setreuid", "setregid", "setresuid", "setresgid", "kill", "tkill", "tgkill",
	}
	basic := set(seccomp.BuildWhitelist(seccomp.Basic))
	for _, d := range dangerous {
		if basic[d] {
			t.Errorf("Basic whitelist must never contain %q", d)
		}
	}
}

func TestValidateRequiresAuditAndCoreSyscalls(t *testing.T) {
	f := seccomp.New(seccomp.Basic)
	if err := f.Validate(); err != nil {
		t.Fatalf("expected valid filter, got %v", err)
	}

	f.AuditEnabled = false
	if err := f.Validate(); err == nil {
		t.Fatal("expected validation failure when audit is disabled")
	}
}

func TestValidateFailsWhenCoreSyscallRemoved(t *testing.T) {
	f := seccomp.New(seccomp.Basic)
	f.CustomRules = []seccomp.Rule{{Name: "write", Action: seccomp.ActionDeny}}
	if err := f.Validate(); err == nil {
		t.Fatal("expected validation failure when a required syscall is denied")
	}
}

func TestHardBlockedSurvivesCustomAllowRule(t *testing.T) {
	f := seccomp.New(seccomp.Permissive)
	f.CustomRules = []seccomp.Rule{{Name: "ptrace", Action: seccomp.ActionAllow, Rationale: "test"}}
	for _, n := range f.Whitelist() {
		if n == "ptrace" {
			t.Fatal("ptrace must never be allowed, even via a custom rule")
		}
	}
}

func TestDockerSecurityOptRendersAllowedSyscalls(t *testing.T) {
	f := seccomp.New(seccomp.Minimal)
	out, err := f.DockerSecurityOpt()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected non-empty seccomp profile JSON")
	}
}

func TestAuditRingBoundedPerVM(t *testing.T) {
	// Ring bounding, exercised through the Filter/Log integration.
	log := audit.New()
	f := seccomp.New(seccomp.Basic)
	f.AuditAllBlocked = true

	const total = 10_500
	for i := 0; i < total; i++ {
		f.RecordBlocked(log, "vm-1", "socket", 1000+i)
	}

	entries := log.ForVM("vm-1")
	if len(entries) != audit.Capacity {
		t.Fatalf("expected %d entries, got %d", audit.Capacity, len(entries))
	}
	if entries[0].PID != 1500 {
		t.Errorf("first surviving PID = %d, want 1500", entries[0].PID)
	}
	if entries[len(entries)-1].PID != 11499 {
		t.Errorf("last surviving PID = %d, want 11499", entries[len(entries)-1].PID)
	}
}

func TestClearVMResetsCounterAndEntries(t *testing.T) {
	log := audit.New()
	f := seccomp.New(seccomp.Basic)
	f.AuditAllBlocked = true
	for i := 0; i < 5; i++ {
		f.RecordBlocked(log, "vm-2", "execve", i)
	}
	log.ClearVM("vm-2")
	if len(log.ForVM("vm-2")) != 0 {
		t.Fatal("expected no entries after ClearVM")
	}
	if log.ViolationCount("vm-2") != 0 {
		t.Fatal("expected violation counter reset after ClearVM")
	}
}

func TestShouldAuditRespectsWhitelistUnlessAuditAllBlocked(t *testing.T) {
	f := seccomp.New(seccomp.Basic)
	if f.ShouldAudit("socket") {
		t.Error("socket is not in the default audit whitelist")
	}
	if !f.ShouldAudit("execve") {
		t.Error("execve is in the default audit whitelist")
	}
	f.AuditAllBlocked = true
	if !f.ShouldAudit("socket") {
		t.Error("audit_all_blocked should override the whitelist")
	}
}
