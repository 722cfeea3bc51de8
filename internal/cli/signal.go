package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemohq/mnemo/config"
	"github.com/mnemohq/mnemo/monitor"
)

func init() {
	cmd := &cobra.Command{
		Use:   "signal-close",
		Short: "Ask the running monitor to archive the active episode",
		Run:   runSignalClose,
	}

	cmd.Flags().String("reason", "session end", "Why the episode is being closed")

	RootCmd.AddCommand(cmd)
}

func runSignalClose(cmd *cobra.Command, args []string) {
	reason, _ := cmd.Flags().GetString("reason")

	cfg, err := config.Load()
	if err != nil {
		exitErr("load config", err)
	}
	if err := monitor.WriteCloseSignal(cfg.ProjectDir, reason); err != nil {
		exitErr("signal close", err)
	}
	fmt.Printf("close signal written to %s\n", cfg.ProjectDir)
}
