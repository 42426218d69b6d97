package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/task"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List queued and recent downloads",
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")
		showHistory, _ := cmd.Flags().GetBool("history")

		if showHistory {
			printHistory(cmd, jsonOutput)
			return
		}

		coord, bus, err := openCoordinator(cmd, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		tasks := coord.List()
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

		if len(tasks) == 0 {
			if jsonOutput {
				fmt.Println("[]")
			} else {
				fmt.Println("No downloads queued.")
			}
			return
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(tasks, "", "  ")
			fmt.Println(string(data))
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tDEST\tSTATUS\tPROGRESS\tSPEED\tSIZE\tPRIORITY")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				shortID(t.ID), t.Dest, t.Status, progressStr(t), speedStr(t), formatSize(t.TotalSize), priorityStr(t.Priority))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
	lsCmd.Flags().Bool("json", false, "Output in JSON")
	lsCmd.Flags().Bool("history", false, "Show the completion log instead of the live queue")
	lsCmd.Flags().String("status", "", "Filter --history entries by status (completed, failed, cancelled)")
}

// printHistory reports finished tasks from the completion log rather
// than the live Queue State, per --history.
func printHistory(cmd *cobra.Command, jsonOutput bool) {
	statusFilter, _ := cmd.Flags().GetString("status")

	hist := openHistory(cmd)
	if hist == nil {
		os.Exit(1)
	}
	defer hist.Close()

	entries, err := hist.List(statusFilter)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}

	if len(entries) == 0 {
		if jsonOutput {
			fmt.Println("[]")
		} else {
			fmt.Println("No finished downloads logged.")
		}
		return
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEST\tSTATUS\tSIZE\tFINISHED\tERROR")
	for _, e := range entries {
		lastErr := e.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(e.ID), e.Dest, e.Status, formatSize(e.TotalSize), e.FinishedAt.Format("2006-01-02 15:04:05"), lastErr)
	}
	w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func progressStr(t task.Task) string {
	if t.TotalSize <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(t.Downloaded)*100/float64(t.TotalSize))
}

func speedStr(t task.Task) string {
	if t.Status != task.Downloading || t.Speed <= 0 {
		return "-"
	}
	return formatSize(int64(t.Speed)) + "/s"
}

func priorityStr(p task.Priority) string {
	switch p {
	case task.Low:
		return "low"
	case task.High:
		return "high"
	default:
		return "normal"
	}
}
