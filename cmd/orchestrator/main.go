// Command orchestrator is the entrypoint for the agent-execution safety
// plane: it loads configuration, wires the classifier/cliff/audit pipeline
// in front of an MCP session, starts the mesh peer directory, and (when a
// Matrix approvals room is configured) connects the concrete Prompter and
// Notifier collaborators. It does not implement an agent's reasoning loop
// or any specific tool; those live outside this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anchapin/luminaguard/common/version"
	"github.com/anchapin/luminaguard/internal/approval/cliff"
	"github.com/anchapin/luminaguard/internal/approval/matrixprompter"
	"github.com/anchapin/luminaguard/internal/audit"
	"github.com/anchapin/luminaguard/internal/audit/matrixnotifier"
	"github.com/anchapin/luminaguard/internal/audit/sqlitesink"
	"github.com/anchapin/luminaguard/internal/config"
	"github.com/anchapin/luminaguard/internal/matrixclient"
	"github.com/anchapin/luminaguard/internal/mesh/messaging"
	"github.com/anchapin/luminaguard/internal/observability"
	"github.com/anchapin/luminaguard/internal/vm/launcher"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to orchestrator YAML configuration")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		logFormat   = flag.String("log-format", "text", "log format: text, json")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	observability.Setup(*logLevel, *logFormat)

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		return fmt.Errorf("-config is required")
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	cfg, err := config.Parse(data)
	if err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// C11: the audit log is the backbone every other component writes
	// into (classifications, approval outcomes, syscall violations).
	auditLog := audit.New()

	closeSinks, err := wireAuditSinks(cfg, auditLog)
	if err != nil {
		return err
	}
	defer closeSinks()

	// C6: the Approval Cliff, gated on a Prompter. When no Matrix
	// approvals room is configured, every Red action fails closed — the
	// cliff has no way to reach a human, so an unavailable Prompter
	// refuses rather than allows. Not a special case.
	gate, stopPrompter, err := wireApprovalGate(ctx, cfg, auditLog)
	if err != nil {
		return err
	}
	defer stopPrompter()
	_ = gate // wired by the MCP dispatcher layer an operator composes around Session.CallTool

	// C10: mesh messaging, seeded with the configured peer bootstrap
	// list. A concrete Launcher (C12/C7/C8) stands ready for an operator
	// to hand VM specs to once a tool call resolves to a guest process.
	meshCfg := messaging.Config{
		AgentRole:     cfg.Mesh.AgentRole,
		DeviceName:    cfg.Mesh.DeviceName,
		MeshID:        cfg.Mesh.MeshID,
		DiscoveryPort: cfg.Mesh.DiscoveryPort,
		DataPort:      cfg.Mesh.DataPort,
		PeerTimeout:   cfg.Mesh.PeerTimeout,
	}
	mesh, err := messaging.New(meshCfg, messaging.TCPSender{})
	if err != nil {
		return fmt.Errorf("mesh: init: %w", err)
	}
	if err := seedPeers(mesh, cfg.Peers); err != nil {
		return fmt.Errorf("mesh: seed peers: %w", err)
	}

	dockerLauncher, err := launcher.New()
	if err != nil {
		return fmt.Errorf("launcher: init: %w", err)
	}
	if err := dockerLauncher.EnsureNetwork(ctx); err != nil {
		return fmt.Errorf("launcher: ensure network: %w", err)
	}

	observability.WithTrace(ctx).Info("orchestrator ready",
		"mesh_id", mesh.MeshID(),
		"agent_role", mesh.AgentRole(),
		"peers", len(mesh.GetPeers()),
	)

	<-ctx.Done()
	observability.WithTrace(ctx).Info("orchestrator shutting down")
	return nil
}

// wireApprovalGate builds a cliff.Gate. If cfg.Approval names a Matrix
// homeserver and approvals room, it connects a real matrixprompter.Prompter
// and starts the sync loop that resolves pending decisions; otherwise it
// returns a Gate whose Prompter is always unavailable, so Red actions
// fail closed.
func wireApprovalGate(ctx context.Context, cfg *config.Config, log *audit.Log) (*cliff.Gate, func(), error) {
	noop := func() {}

	if cfg.Approval.Homeserver == "" || cfg.Approval.ApprovalsRoom == "" {
		return cliff.New(unavailablePrompter{}, log, cfg.Approval.Timeout), noop, nil
	}

	mxc, err := matrixclient.New(matrixclient.Config{
		Homeserver:  cfg.Approval.Homeserver,
		UserID:      cfg.Approval.UserID,
		AccessToken: cfg.Approval.AccessToken,
	})
	if err != nil {
		return nil, noop, fmt.Errorf("approval: matrix client: %w", err)
	}

	prompter := matrixprompter.New(mxc, cfg.Approval.ApprovalsRoom)
	if err := mxc.Start(ctx, cfg.Approval.ApprovalsRoom, prompter); err != nil {
		return nil, noop, fmt.Errorf("approval: matrix start: %w", err)
	}

	gate := cliff.New(prompter, log, cfg.Approval.Timeout)
	return gate, mxc.Stop, nil
}

// unavailablePrompter always reports itself unavailable; the cliff fails
// closed when no human-facing collaborator was configured.
type unavailablePrompter struct{}

func (unavailablePrompter) RequestDecision(context.Context, cliff.Decision) (cliff.Outcome, error) {
	return cliff.Rejected, fmt.Errorf("approval: no prompter configured")
}

// wireAuditSinks attaches the optional durable SQLite mirror and Matrix
// notifier to log via Subscribe, so every future Append fans out to them.
func wireAuditSinks(cfg *config.Config, log *audit.Log) (func(), error) {
	var closers []func()

	if cfg.Audit.SQLitePath != "" {
		key, err := sqlitesink.LoadKeyFromEnv(cfg.Audit.MasterKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("audit: sqlite key: %w", err)
		}
		sink, err := sqlitesink.Open(cfg.Audit.SQLitePath, key)
		if err != nil {
			return nil, fmt.Errorf("audit: sqlite open: %w", err)
		}
		log.Subscribe(sink)
		closers = append(closers, func() { _ = sink.Close() })
	}

	if cfg.Audit.NotifierRoom != "" && cfg.Approval.Homeserver != "" {
		mxc, err := matrixclient.New(matrixclient.Config{
			Homeserver:  cfg.Approval.Homeserver,
			UserID:      cfg.Approval.UserID,
			AccessToken: cfg.Approval.AccessToken,
		})
		if err != nil {
			return nil, fmt.Errorf("audit: notifier matrix client: %w", err)
		}
		log.Subscribe(matrixnotifier.New(mxc, cfg.Audit.NotifierRoom))
	}

	return func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

func seedPeers(mesh *messaging.Messaging, bootstrap []config.PeerBootstrap) error {
	for _, p := range bootstrap {
		signingKey, err := p.DecodedSigningKey()
		if err != nil {
			return fmt.Errorf("peer %q: %w", p.ID, err)
		}
		encKey, err := p.DecodedEncryptionKey()
		if err != nil {
			return fmt.Errorf("peer %q: %w", p.ID, err)
		}
		peer := messaging.NewPeer(p.ID, p.Host, p.Host, p.Port, signingKey, encKey, p.AgentRole, p.DeviceName)
		mesh.AddPeer(peer)
	}
	return nil
}
