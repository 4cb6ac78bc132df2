// Package config loads and validates the orchestrator's YAML configuration:
// mesh identity and peer bootstrap list, rootfs/seccomp defaults for
// launched VMs, the approval cliff's Matrix room, and the audit log's
// optional SQLite mirror. Parse unmarshals, then validates structurally
// before anything downstream trusts the result.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anchapin/luminaguard/common/environment"
	"github.com/anchapin/luminaguard/internal/vm/rootfs"
	"github.com/anchapin/luminaguard/internal/vm/seccomp"
)

// MeshConfig is the node's own mesh identity and transport settings.
type MeshConfig struct {
	AgentRole     string        `yaml:"agentRole"`
	DeviceName    string        `yaml:"deviceName"`
	MeshID        string        `yaml:"meshId"`
	DiscoveryPort uint16        `yaml:"discoveryPort"`
	DataPort      uint16        `yaml:"dataPort"`
	PeerTimeout   time.Duration `yaml:"peerTimeout"`
}

// PeerBootstrap seeds the peer directory at startup. The list is static
// because the mesh has no provisioning store to resolve peers from at
// runtime.
type PeerBootstrap struct {
	ID                  string `yaml:"id"`
	Host                string `yaml:"host"`
	Port                uint16 `yaml:"port"`
	SigningPublicKey    string `yaml:"signingPublicKey"`    // base64
	EncryptionPublicKey string `yaml:"encryptionPublicKey"` // base64
	AgentRole           string `yaml:"agentRole"`
	DeviceName          string `yaml:"deviceName"`
}

// DecodedSigningKey base64-decodes SigningPublicKey.
func (p PeerBootstrap) DecodedSigningKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.SigningPublicKey)
}

// DecodedEncryptionKey base64-decodes EncryptionPublicKey.
func (p PeerBootstrap) DecodedEncryptionKey() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.EncryptionPublicKey)
}

// RootfsConfig is the YAML-facing rootfs contract, converted to
// rootfs.Config via ToRootfs.
type RootfsConfig struct {
	RootfsPath    string `yaml:"rootfsPath"`
	OverlayKind   string `yaml:"overlayKind"` // "ram" or "persistent"
	OverlayPath   string `yaml:"overlayPath"`
	OverlaySizeMB int    `yaml:"overlaySizeMb"`
}

// ToRootfs converts the YAML shape to rootfs.Config.
func (r RootfsConfig) ToRootfs() rootfs.Config {
	cfg := rootfs.Config{
		RootfsPath:    r.RootfsPath,
		ReadOnly:      true,
		OverlayPath:   r.OverlayPath,
		OverlaySizeMB: r.OverlaySizeMB,
	}
	switch strings.ToLower(r.OverlayKind) {
	case "persistent":
		cfg.OverlayKind = rootfs.OverlayPersistent
	default:
		cfg.OverlayKind = rootfs.OverlayRAM
	}
	return cfg
}

// SeccompConfig is the YAML-facing syscall filter contract.
type SeccompConfig struct {
	Level           string         `yaml:"level"` // "minimal", "basic", "permissive"
	CustomRules     []seccomp.Rule `yaml:"customRules"`
	AuditAllBlocked bool           `yaml:"auditAllBlocked"`
}

// ToFilter converts the YAML shape to a *seccomp.Filter.
func (s SeccompConfig) ToFilter() *seccomp.Filter {
	level := seccomp.Basic
	switch strings.ToLower(s.Level) {
	case "minimal":
		level = seccomp.Minimal
	case "permissive":
		level = seccomp.Permissive
	}
	f := seccomp.New(level)
	f.CustomRules = s.CustomRules
	f.AuditAllBlocked = s.AuditAllBlocked
	return f
}

// ApprovalConfig configures the approval cliff's Matrix prompter.
type ApprovalConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	Homeserver    string        `yaml:"homeserver"`
	UserID        string        `yaml:"userId"`
	AccessToken   string        `yaml:"accessToken"`
	ApprovalsRoom string        `yaml:"approvalsRoom"`
}

// AuditConfig configures the optional durable audit mirror.
type AuditConfig struct {
	SQLitePath   string `yaml:"sqlitePath"`
	NotifierRoom string `yaml:"notifierRoom"`
	MasterKeyEnv string `yaml:"masterKeyEnv"`
}

// Config is the complete orchestrator configuration.
type Config struct {
	Mesh     MeshConfig      `yaml:"mesh"`
	Peers    []PeerBootstrap `yaml:"peers"`
	Rootfs   RootfsConfig    `yaml:"rootfs"`
	Seccomp  SeccompConfig   `yaml:"seccomp"`
	Approval ApprovalConfig  `yaml:"approval"`
	Audit    AuditConfig     `yaml:"audit"`
}

// Parse decodes a YAML document into a Config, applies environment-variable
// overrides, and validates the result — the canonical entry point for
// loading the orchestrator's configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	ApplyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnvOverrides layers environment-variable overrides onto cfg. The
// Matrix access token, homeserver and user id and the audit database path
// take the environment value whenever that variable is set, replacing any
// YAML value. The mesh discovery port, data port and peer timeout keep a
// non-zero YAML value; only a zero value falls back to the environment and
// then to the built-in default. An empty audit master-key variable name
// defaults to LUMINAGUARD_AUDIT_KEY.
func ApplyEnvOverrides(cfg *Config) {
	cfg.Approval.AccessToken = environment.StringOr("LUMINAGUARD_MATRIX_ACCESS_TOKEN", cfg.Approval.AccessToken)
	cfg.Approval.Homeserver = environment.StringOr("LUMINAGUARD_MATRIX_HOMESERVER", cfg.Approval.Homeserver)
	cfg.Approval.UserID = environment.StringOr("LUMINAGUARD_MATRIX_USER_ID", cfg.Approval.UserID)

	cfg.Audit.SQLitePath = environment.StringOr("LUMINAGUARD_AUDIT_DB_PATH", cfg.Audit.SQLitePath)
	if cfg.Audit.MasterKeyEnv == "" {
		cfg.Audit.MasterKeyEnv = "LUMINAGUARD_AUDIT_KEY"
	}

	if cfg.Mesh.DiscoveryPort == 0 {
		cfg.Mesh.DiscoveryPort = uint16(environment.IntOr("LUMINAGUARD_MESH_DISCOVERY_PORT", 45678))
	}
	if cfg.Mesh.DataPort == 0 {
		cfg.Mesh.DataPort = uint16(environment.IntOr("LUMINAGUARD_MESH_DATA_PORT", 45679))
	}
	if cfg.Mesh.PeerTimeout == 0 {
		cfg.Mesh.PeerTimeout = environment.DurationOr("LUMINAGUARD_MESH_PEER_TIMEOUT", 30*time.Second)
	}
}

// Validate checks cfg for structural correctness. It returns the first
// violation found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if strings.TrimSpace(cfg.Mesh.AgentRole) == "" {
		return fmt.Errorf("mesh.agentRole must not be empty")
	}

	for i, p := range cfg.Peers {
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("peers[%d]: id must not be empty", i)
		}
		if strings.TrimSpace(p.Host) == "" {
			return fmt.Errorf("peers[%d] (%q): host must not be empty", i, p.ID)
		}
		if p.Port == 0 {
			return fmt.Errorf("peers[%d] (%q): port must be set", i, p.ID)
		}
		if _, err := p.DecodedSigningKey(); err != nil {
			return fmt.Errorf("peers[%d] (%q): signingPublicKey: %w", i, p.ID, err)
		}
		if _, err := p.DecodedEncryptionKey(); err != nil {
			return fmt.Errorf("peers[%d] (%q): encryptionPublicKey: %w", i, p.ID, err)
		}
	}

	if err := cfg.Rootfs.ToRootfs().Validate(); err != nil {
		return fmt.Errorf("rootfs: %w", err)
	}

	if err := cfg.Seccomp.ToFilter().Validate(); err != nil {
		return fmt.Errorf("seccomp: %w", err)
	}

	if cfg.Approval.ApprovalsRoom != "" && cfg.Approval.Homeserver == "" {
		return fmt.Errorf("approval: approvalsRoom is set but homeserver is empty")
	}

	return nil
}
