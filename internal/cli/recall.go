package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "recall <query>",
		Short: "Search both memory tiers and the current episode context",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRecall,
	}

	cmd.Flags().IntP("top-k", "k", 5, "Results per search leg")
	cmd.Flags().Bool("include-deprecated", false, "Include deprecated records")
	cmd.Flags().Bool("no-warmup", false, "Skip encoder warmup and use keyword matching")

	RootCmd.AddCommand(cmd)
}

func runRecall(cmd *cobra.Command, args []string) {
	query := strings.Join(args, " ")
	topK, _ := cmd.Flags().GetInt("top-k")
	includeDeprecated, _ := cmd.Flags().GetBool("include-deprecated")
	noWarmup, _ := cmd.Flags().GetBool("no-warmup")

	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer eng.sup.Shutdown()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !noWarmup {
		eng.sup.StartWarmup()
		warmupCtx, cancel := context.WithTimeout(ctx, eng.cfg.WarmupTimeout)
		if err := eng.sup.WaitReady(warmupCtx); err != nil {
			// Recall still serves keyword results with the worker down.
			log.Printf("[ENCODER] warmup incomplete, using keyword matching: %v", err)
		}
		cancel()
	}

	res, err := eng.mgr.Recall(ctx, query, topK, includeDeprecated)
	if err != nil {
		exitErr("recall", err)
	}
	b, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		exitErr("recall", err)
	}
	fmt.Println(string(b))
}
