// Package launcher spawns guest VM sandboxes as Docker containers, applying
// a rootfs.Config's read-only+overlay contract and a seccomp.Filter's
// syscall whitelist to the container's HostConfig before it ever starts.
package launcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/anchapin/luminaguard/internal/vm/rootfs"
	"github.com/anchapin/luminaguard/internal/vm/seccomp"
)

const (
	labelManagedBy = "luminaguard.managed-by"
	labelVMID      = "luminaguard.vm-id"
	managedByValue = "luminaguard"

	stopTimeout = 10 * time.Second

	// overlayTmpfsPath is where the RAM-backed writable overlay is mounted
	// inside the guest container when Rootfs.OverlayKind is OverlayRAM.
	overlayTmpfsPath = "/overlay"
)

// Spec describes a VM sandbox to launch.
type Spec struct {
	ID          string
	Image       string
	Env         map[string]string
	Labels      map[string]string
	NetworkName string
	ControlPort int
	Rootfs      rootfs.Config
	Seccomp     *seccomp.Filter
}

// Handle identifies a running or stopped VM sandbox.
type Handle struct {
	VMID          string
	ContainerID   string
	ContainerName string
	ControlURL    string
}

// State mirrors Docker container states.
type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateExited   State = "exited"
	StateCreated  State = "created"
	StatePaused   State = "paused"
	StateRemoving State = "removing"
	StateUnknown  State = "unknown"
)

// Status holds live container status.
type Status struct {
	VMID        string
	ContainerID string
	State       State
	StartedAt   time.Time
	FinishedAt  time.Time
	ExitCode    int
	Error       string
}

// Launcher abstracts VM sandbox lifecycle management.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
	Stop(ctx context.Context, handle Handle) error
	Start(ctx context.Context, handle Handle) error
	Restart(ctx context.Context, handle Handle) error
	Status(ctx context.Context, handle Handle) (Status, error)
	List(ctx context.Context) ([]Handle, error)
	Remove(ctx context.Context, handle Handle) error
}

// DockerLauncher implements Launcher using the Docker Engine API,
// layering on the rootfs read-only+overlay contract and the seccomp
// whitelist before a container is ever started.
type DockerLauncher struct {
	client  *dockerclient.Client
	network string
}

// New creates a DockerLauncher using DOCKER_HOST / the default socket.
func New() (*DockerLauncher, error) {
	return NewWithNetwork("luminaguard")
}

// NewWithNetwork creates a DockerLauncher attached to a specific network.
func NewWithNetwork(networkName string) (*DockerLauncher, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("launcher: docker client: %w", err)
	}
	return &DockerLauncher{client: cli, network: networkName}, nil
}

// EnsureNetwork creates the luminaguard Docker network if absent.
func (l *DockerLauncher) EnsureNetwork(ctx context.Context) error {
	nets, err := l.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", l.network)),
	})
	if err != nil {
		return fmt.Errorf("launcher: list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == l.network {
			return nil
		}
	}
	_, err = l.client.NetworkCreate(ctx, l.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("launcher: create network %q: %w", l.network, err)
	}
	return nil
}

// Launch validates spec.Rootfs and spec.Seccomp, then creates and starts a
// container with HostConfig.ReadonlyRootfs set and the seccomp profile
// applied via SecurityOpt.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if spec.Image == "" {
		return Handle{}, fmt.Errorf("launcher: spec.Image is required")
	}
	if err := spec.Rootfs.Validate(); err != nil {
		return Handle{}, fmt.Errorf("launcher: rootfs: %w", err)
	}

	var securityOpt []string
	if spec.Seccomp != nil {
		profile, err := spec.Seccomp.DockerSecurityOpt()
		if err != nil {
			return Handle{}, fmt.Errorf("launcher: seccomp: %w", err)
		}
		securityOpt = []string{"seccomp=" + profile}
	}

	networkName := spec.NetworkName
	if networkName == "" {
		networkName = l.network
	}

	containerName := "luminaguard-vm-" + spec.ID

	env := []string{
		fmt.Sprintf("VM_ID=%s", spec.ID),
		fmt.Sprintf("LUMINAGUARD_BOOT_ARGS=%s", spec.Rootfs.BootArgs()),
	}
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelVMID:      spec.ID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	tmpfs, mounts := overlayMounts(spec.Rootfs)

	containerCfg := &container.Config{
		Image:  spec.Image,
		Env:    env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy:  container.RestartPolicy{Name: "unless-stopped"},
		ReadonlyRootfs: true,
		SecurityOpt:    securityOpt,
		Tmpfs:          tmpfs,
		Mounts:         mounts,
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			networkName: {},
		},
	}

	resp, err := l.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return Handle{}, fmt.Errorf("launcher: create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, fmt.Errorf("launcher: start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return Handle{}, fmt.Errorf("launcher: inspect container: %w", err)
	}

	return Handle{
		VMID:          spec.ID,
		ContainerID:   resp.ID,
		ContainerName: containerName,
		ControlURL:    controlURLFromInspect(inspect, networkName, spec.ControlPort),
	}, nil
}

// Stop gracefully stops the VM's container.
func (l *DockerLauncher) Stop(ctx context.Context, handle Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := l.client.ContainerStop(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("launcher: stop container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Start starts a previously stopped VM without recreating it.
func (l *DockerLauncher) Start(ctx context.Context, handle Handle) error {
	if err := l.client.ContainerStart(ctx, handle.ContainerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("launcher: start container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Restart stops and starts the VM's container.
func (l *DockerLauncher) Restart(ctx context.Context, handle Handle) error {
	timeout := int(stopTimeout.Seconds())
	if err := l.client.ContainerRestart(ctx, handle.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("launcher: restart container %s: %w", handle.ContainerID, err)
	}
	return nil
}

// Status returns the current runtime state of a VM's container.
func (l *DockerLauncher) Status(ctx context.Context, handle Handle) (Status, error) {
	inspect, err := l.client.ContainerInspect(ctx, handle.ContainerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return Status{VMID: handle.VMID, ContainerID: handle.ContainerID, State: StateUnknown}, nil
		}
		return Status{}, fmt.Errorf("launcher: inspect container: %w", err)
	}

	state := parseContainerState(inspect.State.Status)
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	finishedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt)

	return Status{
		VMID:        handle.VMID,
		ContainerID: inspect.ID,
		State:       state,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
		ExitCode:    inspect.State.ExitCode,
		Error:       inspect.State.Error,
	}, nil
}

// List returns handles for all luminaguard-managed VM containers.
func (l *DockerLauncher) List(ctx context.Context) ([]Handle, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("launcher: list containers: %w", err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, Handle{
			VMID:          c.Labels[labelVMID],
			ContainerID:   c.ID,
			ContainerName: name,
		})
	}
	return handles, nil
}

// Remove stops and removes the VM's container entirely.
func (l *DockerLauncher) Remove(ctx context.Context, handle Handle) error {
	_ = l.Stop(ctx, handle)
	if err := l.client.ContainerRemove(ctx, handle.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("launcher: remove container: %w", err)
		}
	}
	return nil
}

// overlayMounts builds the Docker tmpfs/bind-mount entries for a rootfs
// overlay: a tmpfs for OverlayRAM (wiped on every container restart), or a
// bind mount of the configured OverlayPath for OverlayPersistent.
func overlayMounts(cfg rootfs.Config) (tmpfs map[string]string, mounts []mount.Mount) {
	switch cfg.OverlayKind {
	case rootfs.OverlayRAM:
		return map[string]string{overlayTmpfsPath: ""}, nil
	case rootfs.OverlayPersistent:
		return nil, []mount.Mount{{
			Type:   mount.TypeBind,
			Source: cfg.OverlayPath,
			Target: overlayTmpfsPath,
		}}
	default:
		return nil, nil
	}
}

func parseContainerState(s string) State {
	switch strings.ToLower(s) {
	case "running":
		return StateRunning
	case "stopped":
		return StateStopped
	case "exited":
		return StateExited
	case "created":
		return StateCreated
	case "paused":
		return StatePaused
	case "removing":
		return StateRemoving
	default:
		return StateUnknown
	}
}

func controlURLFromInspect(inspect types.ContainerJSON, networkName string, port int) string {
	if nets := inspect.NetworkSettings.Networks; nets != nil {
		if ep, ok := nets[networkName]; ok && ep.IPAddress != "" {
			return fmt.Sprintf("http://%s:%d", ep.IPAddress, port)
		}
	}
	return fmt.Sprintf("http://localhost:%d", port)
}
