package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector indexes of both tiers from their records",
		Long: "Re-embeds every stored record and rebuilds the vector indexes,\n" +
			"repairing an index that fell out of sync with the record files.\n" +
			"Requires the embedding worker; fails without touching the indexes\n" +
			"if it cannot load.",
		Run: runReindex,
	}

	RootCmd.AddCommand(cmd)
}

func runReindex(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer eng.sup.Shutdown()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	eng.sup.StartWarmup()
	warmupCtx, cancel := context.WithTimeout(ctx, eng.cfg.WarmupTimeout)
	err = eng.sup.WaitReady(warmupCtx)
	cancel()
	if err != nil {
		exitErr("encoder warmup", err)
	}

	userCount, err := eng.user.Reindex(ctx)
	if err != nil {
		exitErr("reindex user tier", err)
	}
	projectCount, err := eng.project.Reindex(ctx)
	if err != nil {
		exitErr("reindex project tier", err)
	}
	fmt.Printf("reindexed %d user and %d project records\n", userCount, projectCount)
}
