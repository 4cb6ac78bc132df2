package rootfs_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anchapin/luminaguard/internal/vm/rootfs"
)

func writeTempFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rootfs.ext4")
	if err := os.WriteFile(path, []byte("fake image"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRAMOverlayBootArgs(t *testing.T) {
	cfg := rootfs.NewEphemeral(writeTempFile(t))
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "console=ttyS0 reboot=k panic=1 pci=off overlay_root=ram init=/sbin/overlay-init"
	if got := cfg.BootArgs(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPersistentOverlayBootArgs(t *testing.T) {
	cfg := rootfs.NewPersistent(writeTempFile(t), "/dev/vdb", 128)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "console=ttyS0 reboot=k panic=1 pci=off overlay_root=vdb init=/sbin/overlay-init"
	if got := cfg.BootArgs(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestReadOnlyInvariantEnforced(t *testing.T) {
	cfg := rootfs.NewEphemeral(writeTempFile(t))
	cfg.ReadOnly = false
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure when read_only is false")
	}
}

func TestPersistentOverlayMinimumSize(t *testing.T) {
	cfg := rootfs.NewPersistent(writeTempFile(t), "/dev/vdb", 32)
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation failure for overlay < 64 MB")
	}
}

func TestLargeOverlayWarning(t *testing.T) {
	cfg := rootfs.NewPersistent(writeTempFile(t), "/dev/vdb", 20_000)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("large overlay should validate (warning only): %v", err)
	}
	if !cfg.LargeOverlay() {
		t.Error("expected LargeOverlay to report true above the warn threshold")
	}
}

func TestVerifyDetectsUnwantedAndMissingEssential(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "bin"))
	mustMkdirAll(t, filepath.Join(dir, "sbin"))
	mustWriteFile(t, filepath.Join(dir, "bin", "sh"))
	mustWriteFile(t, filepath.Join(dir, "bin", "busybox"))
	mustWriteFile(t, filepath.Join(dir, "bin", "vi")) // unwanted

	report := rootfs.Verify(dir)
	if report.Passed {
		t.Fatal("expected verification to fail")
	}
	if len(report.UnwantedPresent) != 1 || report.UnwantedPresent[0] != "vi" {
		t.Errorf("UnwantedPresent = %v, want [vi]", report.UnwantedPresent)
	}
	if len(report.EssentialMissing) == 0 {
		t.Error("expected 'init' to be reported missing")
	}
}

func TestVerifyPassesMinimalImage(t *testing.T) {
	dir := t.TempDir()
	mustMkdirAll(t, filepath.Join(dir, "bin"))
	mustMkdirAll(t, filepath.Join(dir, "sbin"))
	mustWriteFile(t, filepath.Join(dir, "bin", "sh"))
	mustWriteFile(t, filepath.Join(dir, "bin", "busybox"))
	mustWriteFile(t, filepath.Join(dir, "sbin", "init"))
	mustWriteFile(t, filepath.Join(dir, "sbin", "overlay-init"))

	report := rootfs.Verify(dir)
	if !report.Passed {
		t.Fatalf("expected verification to pass, got %+v", report)
	}
	if !report.OverlayInitPresent {
		t.Error("expected overlay-init to be detected")
	}
}

func mustMkdirAll(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
}

func mustWriteFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o755); err != nil {
		t.Fatal(err)
	}
}
