// Package cli implements the mnemo CLI commands.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mnemohq/mnemo/config"
	"github.com/mnemohq/mnemo/encoder"
	"github.com/mnemohq/mnemo/extract"
	"github.com/mnemohq/mnemo/memory"
	"github.com/mnemohq/mnemo/store"
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "Local semantic memory for a coding assistant",
	Long: "mnemo keeps decisions, preferences and work episodes in a local\n" +
		"vector store, split into a per-user and a per-project tier.\n" +
		"Configured entirely through MNEMO_* environment variables.",
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

// engine bundles everything a command needs.
type engine struct {
	cfg     *config.Config
	sup     *encoder.Supervisor
	mgr     *memory.Manager
	user    *store.Store
	project *store.Store
}

// openEngine wires both tiers, the extraction pipeline and the worker
// supervisor. The worker is not spawned here; commands that want semantic
// search warm it up themselves.
func openEngine() (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	sup, err := encoder.NewSupervisor(encoder.SupervisorConfig{
		WarmupTimeout: cfg.WarmupTimeout,
		EncodeTimeout: cfg.EncodeTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		CacheBytes:    cfg.CacheBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor: %w", err)
	}

	userStore, err := store.Open(filepath.Join(cfg.UserDir, "user_db"), "user_memory", sup)
	if err != nil {
		return nil, fmt.Errorf("open user tier: %w", err)
	}
	projectStore, err := store.Open(filepath.Join(cfg.ProjectDir, "project_db"), "project_memory", sup)
	if err != nil {
		return nil, fmt.Errorf("open project tier: %w", err)
	}

	var rules []extract.Rule
	if cfg.RulesFile != "" {
		rules, err = extract.LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("load extraction rules: %w", err)
		}
	}
	detector, err := extract.NewDetector(rules)
	if err != nil {
		return nil, fmt.Errorf("compile extraction rules: %w", err)
	}

	mgr, err := memory.NewManager(memory.ManagerConfig{
		ProjectDir:           cfg.ProjectDir,
		UserDir:              cfg.UserDir,
		AutoConfirmThreshold: cfg.AutoConfirmThreshold,
		StaleAfter:           cfg.StaleAfter,
	}, userStore, projectStore, sup, detector)
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	return &engine{cfg: cfg, sup: sup, mgr: mgr, user: userStore, project: projectStore}, nil
}
