package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/queue"
	"github.com/harrowgate/fetchcore/internal/task"
)

var getCmd = &cobra.Command{
	Use:   "get <url> [output]",
	Short: "Download a single URL, blocking until it finishes",
	Long: `Adds url to the queue, admits it immediately (subject to the
concurrency limit alongside any other active tasks), and blocks until
it reaches Completed, Failed, Cancelled, or Paused. Ctrl-C pauses it; a
second Ctrl-C cancels it.`,
	Args: cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		dest := resolveDest(args)

		priority, err := parsePriority(cmd)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		checksum, err := parseChecksum(cmd)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		headerFlags, _ := cmd.Flags().GetStringArray("task-header")

		coord, bus, err := openCoordinator(cmd, true)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
		defer bus.Close()

		hist := openHistory(cmd)
		if hist != nil {
			defer hist.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			hist.Subscribe(ctx, bus.Subscribe(), coord.Get)
		}

		id, err := coord.Add(queue.AddOptions{
			URL:      args[0],
			Dest:     dest,
			Priority: priority,
			Checksum: checksum,
			Headers:  parseHeaders(headerFlags),
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}

		done := make(chan task.Task, 1)
		waitObs := bus.Subscribe()
		go func() {
			for {
				e, ok := waitObs.Next()
				if !ok {
					return
				}
				if e.TaskID != id {
					continue
				}
				switch e.Kind {
				case events.TaskCompleted, events.TaskFailed, events.TaskCancelled, events.TaskPaused:
					t, _ := coord.Get(id)
					done <- t
					return
				}
			}
		}()

		printObs := bus.Subscribe()
		go printEvents(printObs, coord)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nPausing (Ctrl-C again to cancel)...")
			coord.Pause(id)
			<-sigCh
			fmt.Println("\nCancelling...")
			coord.Cancel(id)
		}()

		final := <-done
		signal.Stop(sigCh)

		switch final.Status {
		case task.Completed:
			fmt.Printf("Completed: %s\n", final.Dest)
		case task.Failed:
			fmt.Fprintf(os.Stderr, "Failed: %s\n", final.LastError)
			os.Exit(1)
		case task.Cancelled:
			fmt.Println("Cancelled.")
			os.Exit(1)
		case task.Paused:
			fmt.Println("Paused. Resume later with: fetchcore resume " + id)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().String("priority", "normal", "Admission priority: low, normal, or high")
	getCmd.Flags().String("checksum", "", "Expected digest as \"md5:<hex>\" or \"sha256:<hex>\"")
	getCmd.Flags().StringArray("task-header", nil, "Per-task request header \"Name: Value\" (repeatable, overrides --header)")
}
