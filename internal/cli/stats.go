package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-tier counts, pending candidates and encoder state",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	eng, err := openEngine()
	if err != nil {
		exitErr("open engine", err)
	}
	defer eng.sup.Shutdown()

	b, err := json.MarshalIndent(eng.mgr.GetStats(), "", "  ")
	if err != nil {
		exitErr("stats", err)
	}
	fmt.Println(string(b))
}
