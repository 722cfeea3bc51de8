package cli

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mnemohq/mnemo/monitor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Watch a session: keep the encoder warm, archive the episode on session end",
		Run:   runMonitor,
	}

	cmd.Flags().Int("owner-pid", 0, "Session process to watch; the session ends when it exits")

	RootCmd.AddCommand(cmd)
}

func runMonitor(cmd *cobra.Command, args []string) {
	ownerPID, _ := cmd.Flags().GetInt("owner-pid")

	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := monitor.New(monitor.Config{
		ProjectDir:   eng.cfg.ProjectDir,
		OwnerPID:     ownerPID,
		PollInterval: eng.cfg.PollInterval,
	}, eng.mgr, eng.sup)

	log.Printf("[MONITOR] watching %s (owner pid %d)", eng.cfg.ProjectDir, ownerPID)
	if err := m.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		exitErr("monitor", err)
	}
}
