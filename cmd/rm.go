package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/task"
)

var rmCmd = &cobra.Command{
	Use:     "rm <ID>",
	Aliases: []string{"cancel"},
	Short:   "Cancel and remove a task",
	Long: `Cancels an active task (or removes an inactive one immediately)
and deletes its record from the Queue State. Use --clean to remove
every task already in a terminal state.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		clean, _ := cmd.Flags().GetBool("clean")
		if !clean && len(args) == 0 {
			fmt.Fprintln(os.Stderr, "Error: provide a task ID or use --clean")
			os.Exit(1)
		}

		coord, bus, err := openCoordinator(cmd, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		if clean {
			n := 0
			for _, t := range coord.List() {
				if t.Status == task.Completed || t.Status == task.Failed || t.Status == task.Cancelled {
					if err := coord.Remove(t.ID); err == nil {
						n++
					}
				}
			}
			fmt.Printf("Removed %d finished task(s).\n", n)
			return
		}

		if err := coord.Remove(args[0]); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		fmt.Printf("Removed %s.\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(rmCmd)
	rmCmd.Flags().Bool("clean", false, "Remove every task in a terminal state")
}
