// Package seccomp builds the three syscall-whitelist tightness levels a
// guest VM boots with, validates a filter before it is ever applied, and
// feeds blocked-syscall events into the shared audit log (internal/audit).
//
// The hard-blocked set (process creation, exec, mount, privilege changes,
// ptrace, signal delivery) is never reachable at any level — it isn't part
// of any whitelist build, so there's nothing for a caller to accidentally
// allow back in.
package seccomp

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/anchapin/luminaguard/internal/audit"
)

// Level is the syscall-filter tightness profile for a VM.
type Level string

const (
	Minimal    Level = "minimal"
	Basic      Level = "basic"
	Permissive Level = "permissive"
)

// Action is what a custom rule does with a named syscall.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionLog   Action = "log"
)

// Rule is an operator-supplied override on top of a level's whitelist.
type Rule struct {
	Name      string `json:"name"`
	Action    Action `json:"action"`
	Rationale string `json:"rationale"`
}

// minimalWhitelist is the absolute-essentials set every level must
// include.
var minimalWhitelist = []string{
	"read", "write", "exit", "exit_group",
	"mmap", "munmap", "mprotect", "brk",
	"rt_sigreturn", "rt_sigprocmask",
	"fstat", "stat", "lseek", "close",
}

// basicExtra is appended to Minimal to form Basic, the production default.
// It includes vsock-capable socket primitives: these are safe because
// AF_VSOCK does not imply host-network reach.
var basicExtra = []string{
	"readv", "writev", "pread64", "pwrite64",
	"open", "openat", "access", "faccessat",
	"dup", "dup2", "dup3",
	"statfs", "fstatfs",
	"pipe", "pipe2",
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"getsockname", "getpeername", "setsockopt", "getsockopt", "shutdown",
	"sendmsg", "recvmsg", "sendto", "recvfrom",
	"clock_gettime", "gettimeofday",
	"getpid", "gettid", "getppid",
	"geteuid", "getegid", "getuid", "getgid",
	"sched_yield", "sched_getaffinity",
	"epoll_wait", "epoll_ctl", "epoll_pwait", "select", "pselect6",
	"eventfd2",
	"poll", "ppoll",
	"sigaltstack",
	"fcntl", "fcntl64",
	"getcwd", "chdir", "fchdir",
	"mkdir", "rmdir", "unlink", "truncate", "ftruncate",
	"rename", "renameat", "fsync", "fdatasync", "flock", "realpath",
}

// permissiveExtra is appended to Basic to form Permissive — testing only.
var permissiveExtra = []string{
	"uname", "sysinfo", "getrlimit", "getrusage", "getgroups",
	"arch_prctl", "set_tid_address", "set_robust_list",
}

// HardBlocked is never reachable through any level or custom rule: process
// creation, exec, mount family, privilege changes, ptrace, direct signal
// delivery. This set is a security invariant, not configuration.
var HardBlocked = map[string]bool{
	"fork": true, "vfork": true, "clone": true, "clone3": true,
	"execve": true, "execveat": true,
	"mount": true, "umount": true, "umount2": true, "pivot_root": true, "chroot": true,
	"reboot": true, "kexec_load": true,
	"init_module": true, "delete_module": true,
	"setuid": true, "setgid": true, "setreuid": true, "setregid": true,
	"setresuid": true, "setresgid": true, "setfsuid": true, "setfsgid": true, "capset": true,
	"ptrace": true,
	"kill":   true, "tkill": true, "tgkill": true, "sigqueue": true,
}

// defaultAuditWhitelist is the operator-configurable set of syscalls that
// are audited by default when audit_all_blocked is false.
var defaultAuditWhitelist = []string{
	"execve", "execveat", "fork", "clone", "ptrace", "mount", "umount",
	"pivot_root", "chroot", "setuid", "setgid", "setreuid", "setregid",
	"setresuid", "setresgid", "chmod", "fchmod", "chown", "fchown", "kill", "prctl",
}

func dedupSorted(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// BuildWhitelist returns the syscall whitelist for level, excluding any
// HardBlocked name that might otherwise have snuck in via custom rules
// (callers apply custom allow/deny rules against this base set).
func BuildWhitelist(level Level) []string {
	var names []string
	switch level {
	case Minimal:
		names = append(names, minimalWhitelist...)
	case Permissive:
		names = append(names, minimalWhitelist...)
		names = append(names, basicExtra...)
		names = append(names, permissiveExtra...)
	default: // Basic
		names = append(names, minimalWhitelist...)
		names = append(names, basicExtra...)
	}
	return dedupSorted(names)
}

// Filter is a VM's syscall-filter configuration.
type Filter struct {
	Level           Level
	CustomRules     []Rule
	AuditEnabled    bool
	AuditWhitelist  []string
	AuditAllBlocked bool
}

// New builds a Filter at level with audit enabled and the default audit
// whitelist. Audit is always on in production, so there is no constructor
// path that turns it off silently.
func New(level Level) *Filter {
	return &Filter{
		Level:          level,
		AuditEnabled:   true,
		AuditWhitelist: append([]string(nil), defaultAuditWhitelist...),
	}
}

// Whitelist computes the effective allow-set: the level's base whitelist
// plus any custom Allow rules, minus any custom Deny rules, with
// HardBlocked names always excluded regardless of custom rules.
func (f *Filter) Whitelist() []string {
	allowed := make(map[string]bool)
	for _, n := range BuildWhitelist(f.Level) {
		allowed[n] = true
	}
	for _, r := range f.CustomRules {
		if HardBlocked[r.Name] {
			continue
		}
		switch r.Action {
		case ActionAllow, ActionLog:
			allowed[r.Name] = true
		case ActionDeny:
			delete(allowed, r.Name)
		}
	}
	names := make([]string, 0, len(allowed))
	for n := range allowed {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetAuditWhitelist returns the merged (defaults + operator-added) audit
// whitelist, sorted and deduplicated.
func (f *Filter) GetAuditWhitelist() []string {
	merged := append([]string(nil), defaultAuditWhitelist...)
	merged = append(merged, f.AuditWhitelist...)
	return dedupSorted(merged)
}

// ShouldAudit reports whether a blocked syscall should be recorded, given
// AuditEnabled / AuditAllBlocked / the merged whitelist.
func (f *Filter) ShouldAudit(syscall string) bool {
	if !f.AuditEnabled {
		return false
	}
	if f.AuditAllBlocked {
		return true
	}
	for _, n := range f.GetAuditWhitelist() {
		if n == syscall {
			return true
		}
	}
	return false
}

// Validate asserts the two fatal preconditions before a filter may be
// applied to a VM: audit must be enabled, and the whitelist must retain at
// least {read, write, exit, exit_group}.
func (f *Filter) Validate() error {
	if !f.AuditEnabled {
		return fmt.Errorf("seccomp: audit must be enabled before a filter can be applied")
	}
	required := []string{"read", "write", "exit", "exit_group"}
	present := make(map[string]bool)
	for _, n := range f.Whitelist() {
		present[n] = true
	}
	for _, r := range required {
		if !present[r] {
			return fmt.Errorf("seccomp: whitelist is missing required syscall %q", r)
		}
	}
	return nil
}

// dockerSeccompProfile mirrors the shape Docker's --security-opt
// seccomp=<file> expects: a default action plus a list of explicitly
// allowed syscall names.
type dockerSeccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []dockerEntry `json:"syscalls"`
}

type dockerEntry struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

// DockerSecurityOpt renders the filter as a Docker seccomp-profile JSON
// document suitable for HostConfig.SecurityOpt ("seccomp=<json>").
func (f *Filter) DockerSecurityOpt() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	profile := dockerSeccompProfile{
		DefaultAction: "SCMP_ACT_ERRNO",
		Syscalls: []dockerEntry{
			{Names: f.Whitelist(), Action: "SCMP_ACT_ALLOW"},
		},
	}
	b, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return "", fmt.Errorf("seccomp: marshal docker profile: %w", err)
	}
	return string(b), nil
}

// RecordBlocked records a blocked syscall attempt into the shared audit
// log, honoring the filter's should-audit decision, and returns whether
// this call pushed the VM's violation counter past the attack threshold.
func (f *Filter) RecordBlocked(log *audit.Log, vmID, syscallName string, pid int) (audited, attackDetected bool) {
	if !f.ShouldAudit(syscallName) {
		return false, false
	}
	attackDetected = log.Append(audit.Entry{
		Kind:    audit.KindSyscallBlocked,
		VMID:    vmID,
		Syscall: syscallName,
		PID:     pid,
	})
	if attackDetected {
		log.Append(audit.Entry{
			Kind:    audit.KindSyscallAttackDetected,
			VMID:    vmID,
			Syscall: syscallName,
			PID:     pid,
		})
	}
	return true, attackDetected
}
