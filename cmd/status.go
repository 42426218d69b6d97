package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status <ID>",
	Short: "Show detailed status for one task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		coord, bus, err := openCoordinator(cmd, false)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		t, ok := coord.Get(args[0])
		if !ok {
			fmt.Fprintf(os.Stderr, "Error: no task %q\n", args[0])
			os.Exit(1)
		}

		if jsonOutput {
			data, _ := json.MarshalIndent(t, "", "  ")
			fmt.Println(string(data))
			return
		}

		printTaskDetail(t)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output in JSON")
}

func printTaskDetail(t task.Task) {
	fmt.Printf("ID:         %s\n", t.ID)
	fmt.Printf("URL:        %s\n", t.URL)
	fmt.Printf("Dest:       %s\n", t.Dest)
	fmt.Printf("Status:     %s\n", t.Status)
	fmt.Printf("Priority:   %s\n", priorityStr(t.Priority))
	fmt.Printf("Size:       %s\n", formatSize(t.TotalSize))
	fmt.Printf("Downloaded: %s (%s)\n", formatSize(t.Downloaded), progressStr(t))
	if t.Status == task.Downloading {
		fmt.Printf("Speed:      %s\n", speedStr(t))
		if t.ETASeconds != nil {
			fmt.Printf("ETA:        %s\n", formatETA(t.ETASeconds))
		}
	}
	if t.Checksum != nil {
		fmt.Printf("Checksum:   %s:%s\n", t.Checksum.Kind, t.Checksum.Hex)
	}
	if len(t.Headers) > 0 {
		fmt.Println("Headers:")
		for k, v := range t.Headers {
			fmt.Printf("  %s: %s\n", k, v)
		}
	}
	if t.LastError != "" {
		fmt.Printf("Last error: %s\n", t.LastError)
	}
	fmt.Printf("Created:    %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
}
