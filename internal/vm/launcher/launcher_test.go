package launcher

import (
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"

	"github.com/anchapin/luminaguard/internal/vm/rootfs"
)

func TestParseContainerState(t *testing.T) {
	cases := []struct {
		input string
		want  State
	}{
		{"running", StateRunning},
		{"RUNNING", StateRunning},
		{"stopped", StateStopped},
		{"exited", StateExited},
		{"created", StateCreated},
		{"paused", StatePaused},
		{"removing", StateRemoving},
		{"dead", StateUnknown},
		{"", StateUnknown},
	}
	for _, tc := range cases {
		if got := parseContainerState(tc.input); got != tc.want {
			t.Errorf("parseContainerState(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func buildInspect(networkName, ip string) types.ContainerJSON {
	nets := map[string]*network.EndpointSettings{}
	if networkName != "" {
		nets[networkName] = &network.EndpointSettings{IPAddress: ip}
	}
	return types.ContainerJSON{NetworkSettings: &types.NetworkSettings{Networks: nets}}
}

func TestControlURLFromInspectUsesAssignedIP(t *testing.T) {
	got := controlURLFromInspect(buildInspect("luminaguard", "172.20.0.5"), "luminaguard", 8765)
	if want := "http://172.20.0.5:8765"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestControlURLFromInspectFallsBackWhenIPUnassigned(t *testing.T) {
	got := controlURLFromInspect(buildInspect("luminaguard", ""), "luminaguard", 8765)
	if want := "http://localhost:8765"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestControlURLFromInspectFallsBackWhenNetworkMissing(t *testing.T) {
	got := controlURLFromInspect(buildInspect("other", "10.0.0.1"), "luminaguard", 8765)
	if want := "http://localhost:8765"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestOverlayMountsRAMUsesTmpfs(t *testing.T) {
	tmpfs, mounts := overlayMounts(rootfs.Config{OverlayKind: rootfs.OverlayRAM})
	if _, ok := tmpfs[overlayTmpfsPath]; !ok {
		t.Fatalf("expected a tmpfs entry at %s, got %v", overlayTmpfsPath, tmpfs)
	}
	if len(mounts) != 0 {
		t.Fatalf("RAM overlay must not produce bind mounts, got %v", mounts)
	}
}

func TestOverlayMountsPersistentUsesBindMount(t *testing.T) {
	tmpfs, mounts := overlayMounts(rootfs.Config{OverlayKind: rootfs.OverlayPersistent, OverlayPath: "/var/lib/luminaguard/vm-1.img"})
	if len(tmpfs) != 0 {
		t.Fatalf("persistent overlay must not produce a tmpfs entry, got %v", tmpfs)
	}
	if len(mounts) != 1 || mounts[0].Type != mount.TypeBind || mounts[0].Source != "/var/lib/luminaguard/vm-1.img" || mounts[0].Target != overlayTmpfsPath {
		t.Fatalf("unexpected mounts: %+v", mounts)
	}
}
