package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Prune old log messages and stale pending candidates",
		Run:   runCleanup,
	}

	cmd.Flags().Int("days", 0, "Message retention in days (default from MNEMO_MESSAGE_RETENTION_DAYS)")
	cmd.Flags().Bool("all", false, "Clear the entire message log instead of pruning by age")

	RootCmd.AddCommand(cmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	days, _ := cmd.Flags().GetInt("days")
	all, _ := cmd.Flags().GetBool("all")

	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer eng.sup.Shutdown()

	if all {
		n, err := eng.mgr.ClearMessageLog()
		if err != nil {
			exitErr("clear message log", err)
		}
		fmt.Printf("cleared %d messages\n", n)
	} else {
		if days <= 0 {
			days = eng.cfg.MessageRetentionDays
		}
		removed, kept, err := eng.mgr.CleanupOldMessages(days)
		if err != nil {
			exitErr("cleanup messages", err)
		}
		fmt.Printf("removed %d messages, kept %d (retention %dd)\n", removed, kept, days)
	}

	pruned := eng.mgr.PruneStalePending(eng.cfg.PendingRetention)
	fmt.Printf("pruned %d stale pending candidates\n", pruned)
}
