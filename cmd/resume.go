package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/task"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <ID>",
	Short: "Requeue a paused or failed task as Pending",
	Long: `Transitions a Paused task (or a Failed task, clearing its error)
back to Pending so the next "fetchcore run" re-admits it and resumes
from its checkpoint. Does not itself start a transfer (spec §9: no
daemon watches the queue between invocations).`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Error: provide a task ID or use --all")
			os.Exit(1)
		}

		coord, bus, err := openCoordinator(cmd, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		if all {
			n := 0
			for _, t := range coord.List() {
				if t.Status == task.Paused || t.Status == task.Failed {
					if err := coord.Resume(t.ID); err == nil {
						n++
					}
				}
			}
			fmt.Printf("Requeued %d task(s). Run \"fetchcore run\" to resume them.\n", n)
			return
		}

		if err := coord.Resume(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Printf("Requeued %s. Run \"fetchcore run\" to resume it.\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
	resumeCmd.Flags().Bool("all", false, "Resume every paused or failed task")
}
