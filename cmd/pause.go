package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/task"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <ID>",
	Short: "Pause a downloading task",
	Long: `Marks a task to suspend at its next buffer boundary. Pause is a
no-op unless a "fetchcore run" or "fetchcore get" for this queue is
actively downloading the task in the same process (spec §4.7:
Pause/Cancel signals are polled flags on a live File Downloader).`,
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
				if t.Status == task.Downloading {
					if err := coord.Pause(t.ID); err == nil {
						n++
					}
				}
			}
			fmt.Printf("Requested pause for %d task(s).\n", n)
			return
		}

		if err := coord.Pause(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Printf("Requested pause for %s.\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)
	pauseCmd.Flags().Bool("all", false, "Pause every currently downloading task")
}
