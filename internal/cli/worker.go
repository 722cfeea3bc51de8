package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemohq/mnemo/encoder"
)

func init() {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the embedding worker (spawned by the supervisor)",
		Hidden: true,
		Run:    runWorker,
	}

	cmd.Flags().Int("parent-pid", 0, "Supervisor pid to watch; worker exits when it is gone")
	cmd.Flags().Int("dimensions", 384, "Embedding vector size")

	RootCmd.AddCommand(cmd)
}

// runWorker hosts the model behind the line protocol. stdout carries only
// protocol lines; everything human-readable goes to stderr.
func runWorker(cmd *cobra.Command, args []string) {
	parentPID, _ := cmd.Flags().GetInt("parent-pid")
	dims, _ := cmd.Flags().GetInt("dimensions")

	load := func() (encoder.Model, error) {
		return encoder.LoadDefaultModel(dims)
	}
	if err := encoder.Serve(os.Stdin, os.Stdout, load, encoder.WorkerOptions{ParentPID: parentPID}); err != nil {
		exitErr("worker", err)
	}
}
