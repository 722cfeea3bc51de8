package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "episodes",
		Short: "List archived episodes by creation time",
		Run:   runEpisodes,
	}

	cmd.Flags().Bool("asc", false, "Oldest first instead of newest first")
	cmd.Flags().IntP("limit", "l", 20, "Maximum episodes to list")

	RootCmd.AddCommand(cmd)
}

func runEpisodes(cmd *cobra.Command, args []string) {
	asc, _ := cmd.Flags().GetBool("asc")
	limit, _ := cmd.Flags().GetInt("limit")

	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer eng.sup.Shutdown()

	episodes, err := eng.mgr.ListEpisodes(context.Background(), asc, limit)
	if err != nil {
		exitErr("list episodes", err)
	}
	b, err := json.MarshalIndent(episodes, "", "  ")
	if err != nil {
		exitErr("list episodes", err)
	}
	fmt.Println(string(b))
}
