// Package rootfs manages the guest root filesystem contract: a read-only
// root image plus a writable overlay (ephemeral RAM or a persistent
// volume), the boot-argument string that wires the two together, and
// build-time helpers that prepare and verify a minimal image.
package rootfs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// OverlayKind selects the writable layer stacked above the read-only root.
type OverlayKind string

const (
	OverlayRAM        OverlayKind = "ram"
	OverlayPersistent OverlayKind = "persistent"
)

// MinOverlaySizeMB is the floor for a persistent overlay.
const MinOverlaySizeMB = 64

// LargeOverlayWarnMB is the size above which Validate reports (but does not
// fail on) an oversized persistent overlay.
const LargeOverlayWarnMB = 10_240

// Config is a VM's rootfs contract. ReadOnly is always true — the field
// exists so Validate can fail loudly if a caller ever tries to flip it,
// rather than silently defaulting it back.
type Config struct {
	RootfsPath    string
	ReadOnly      bool
	OverlayKind   OverlayKind
	OverlayPath   string
	OverlaySizeMB int
}

// NewEphemeral builds a Config with a RAM-backed overlay — the default.
func NewEphemeral(rootfsPath string) Config {
	return Config{RootfsPath: rootfsPath, ReadOnly: true, OverlayKind: OverlayRAM}
}

// NewPersistent builds a Config with a persistent block-device overlay.
func NewPersistent(rootfsPath, overlayPath string, sizeMB int) Config {
	return Config{
		RootfsPath:    rootfsPath,
		ReadOnly:      true,
		OverlayKind:   OverlayPersistent,
		OverlayPath:   overlayPath,
		OverlaySizeMB: sizeMB,
	}
}

// Validate enforces I1 (read-only) and I2 (overlay present, correctly
// sized). It returns the first violation found; callers are expected to
// treat any error as fatal to VM start.
func (c Config) Validate() error {
	if !c.ReadOnly {
		return fmt.Errorf("rootfs: SECURITY: root filesystem must be read-only; refusing to start with a writable root")
	}
	if c.RootfsPath == "" {
		return fmt.Errorf("rootfs: rootfs_path must be set")
	}
	if _, err := os.Stat(c.RootfsPath); err != nil {
		return fmt.Errorf("rootfs: root filesystem not found at %q: %w", c.RootfsPath, err)
	}

	switch c.OverlayKind {
	case OverlayRAM:
		return nil
	case OverlayPersistent:
		if c.OverlayPath == "" {
			return fmt.Errorf("rootfs: persistent overlay requires overlay_path to be set")
		}
		if c.OverlaySizeMB != 0 && c.OverlaySizeMB < MinOverlaySizeMB {
			return fmt.Errorf("rootfs: overlay size must be at least %d MB, got %d", MinOverlaySizeMB, c.OverlaySizeMB)
		}
		return nil
	default:
		return fmt.Errorf("rootfs: unknown overlay kind %q", c.OverlayKind)
	}
}

// LargeOverlay reports whether a persistent overlay is large enough to
// warrant an operator warning (not a validation failure).
func (c Config) LargeOverlay() bool {
	return c.OverlayKind == OverlayPersistent && c.OverlaySizeMB > LargeOverlayWarnMB
}

// BootArgs is a pure function of Config producing the guest kernel
// command line.
func (c Config) BootArgs() string {
	var overlayArg string
	switch c.OverlayKind {
	case OverlayPersistent:
		device := "vdb"
		if c.OverlayPath != "" {
			device = filepath.Base(c.OverlayPath)
		}
		overlayArg = "overlay_root=" + device
	default:
		overlayArg = "overlay_root=ram"
	}
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off %s init=/sbin/overlay-init", overlayArg)
}

// unwantedTools must not be present in a minimal rootfs image.
var unwantedTools = []string{"apk", "apt", "vi", "vim", "nano", "gcc", "python3"}

// essentialTools must be present in a minimal rootfs image.
var essentialTools = []string{"sh", "busybox", "init"}

var binDirs = []string{"bin", "sbin", "usr/bin", "usr/sbin"}
var essentialDirs = []string{"bin", "sbin"}

// VerifyReport summarizes a minimal-rootfs check.
type VerifyReport struct {
	Passed             bool
	UnwantedPresent    []string
	EssentialMissing   []string
	OverlayInitPresent bool
}

// Manager builds, validates, and converts rootfs images for a Config.
type Manager struct {
	Config Config
}

// NewManager constructs a Manager over cfg.
func NewManager(cfg Config) *Manager {
	return &Manager{Config: cfg}
}

// Verify inspects an already-mounted root at mountDir for unwanted
// binaries and required essentials. It does not itself mount or unmount —
// callers supply a mount point (e.g. already loop-mounted by the caller,
// or a directory tree extracted for inspection), keeping this function
// free of sudo/process side effects so it's trivially testable.
func Verify(mountDir string) VerifyReport {
	var report VerifyReport
	for _, tool := range unwantedTools {
		for _, dir := range binDirs {
			if _, err := os.Stat(filepath.Join(mountDir, dir, tool)); err == nil {
				report.UnwantedPresent = append(report.UnwantedPresent, tool)
			}
		}
	}
	for _, tool := range essentialTools {
		found := false
		for _, dir := range essentialDirs {
			if _, err := os.Stat(filepath.Join(mountDir, dir, tool)); err == nil {
				found = true
			}
		}
		if !found {
			report.EssentialMissing = append(report.EssentialMissing, tool)
		}
	}
	if _, err := os.Stat(filepath.Join(mountDir, "sbin/overlay-init")); err == nil {
		report.OverlayInitPresent = true
	}
	report.Passed = len(report.UnwantedPresent) == 0 && len(report.EssentialMissing) == 0
	return report
}

// isSquashfs shells out to `file` to detect the filesystem type.
func isSquashfs(ctx context.Context, path string) (bool, error) {
	out, err := exec.CommandContext(ctx, "file", path).Output()
	if err != nil {
		return false, fmt.Errorf("rootfs: run 'file': %w", err)
	}
	return strings.Contains(strings.ToLower(string(out)), "squashfs"), nil
}

// Prepare converts m.Config's rootfs to a compressed, strictly read-only
// SquashFS image if it isn't one already. It never mutates the input path:
// a conversion writes to a new file alongside it.
func (m *Manager) Prepare(ctx context.Context) (string, error) {
	if err := m.Config.Validate(); err != nil {
		return "", err
	}

	squashfs, err := isSquashfs(ctx, m.Config.RootfsPath)
	if err != nil {
		return "", err
	}
	if squashfs {
		return m.Config.RootfsPath, nil
	}

	out := strings.TrimSuffix(m.Config.RootfsPath, filepath.Ext(m.Config.RootfsPath)) + ".squashfs"
	if err := convertToSquashfs(ctx, m.Config.RootfsPath, out); err != nil {
		return "", err
	}
	return out, nil
}

func convertToSquashfs(ctx context.Context, srcImage, outPath string) error {
	if _, err := exec.LookPath("mksquashfs"); err != nil {
		return fmt.Errorf("rootfs: mksquashfs not found (install squashfs-tools): %w", err)
	}

	mountDir, err := os.MkdirTemp("", "luminaguard-rootfs-mount-*")
	if err != nil {
		return fmt.Errorf("rootfs: create mount dir: %w", err)
	}
	defer os.RemoveAll(mountDir)

	if err := run(ctx, "sudo", "mount", "-o", "loop,ro", srcImage, mountDir); err != nil {
		return fmt.Errorf("rootfs: mount %q: %w", srcImage, err)
	}
	defer run(ctx, "sudo", "umount", mountDir) //nolint:errcheck

	if err := run(ctx, "mksquashfs", mountDir, outPath, "-comp", "zstd", "-noappend"); err != nil {
		return fmt.Errorf("rootfs: mksquashfs: %w", err)
	}
	return nil
}

func run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, stderr.String())
	}
	return nil
}
