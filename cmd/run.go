package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/queue"
	"github.com/harrowgate/fetchcore/internal/task"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive the queue until every admitted task finishes or pauses",
	Long: `Loads the persisted queue, admits Pending tasks up to the
configured concurrency limit, and blocks until every task that was
Pending or Downloading at startup reaches Completed, Failed, Cancelled,
or Paused. Ctrl-C pauses active downloads (resumable later); a second
Ctrl-C cancels them instead.`,
	Run: func(cmd *cobra.Command, args []string) {
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

		outstanding := make(map[string]bool)
		for _, t := range coord.List() {
			if t.Status == task.Pending || t.Status == task.Downloading {
				outstanding[t.ID] = true
			}
		}
		if len(outstanding) == 0 {
			fmt.Println("Nothing to do: no pending or active downloads.")
			return
		}

		var wg sync.WaitGroup
		wg.Add(len(outstanding))
		waitObs := bus.Subscribe()
		go func() {
			for {
				e, ok := waitObs.Next()
				if !ok {
					return
				}
				if !outstanding[e.TaskID] {
					continue
				}
				switch e.Kind {
				case events.TaskCompleted, events.TaskFailed, events.TaskCancelled, events.TaskPaused:
					delete(outstanding, e.TaskID)
					wg.Done()
				}
			}
		}()

		printObs := bus.Subscribe()
		go printEvents(printObs, coord)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-sigCh
			fmt.Println("\nPausing active downloads (Ctrl-C again to cancel)...")
			pauseAll(coord)
			<-sigCh
			fmt.Println("\nCancelling active downloads...")
			cancelAll(coord)
		}()

		wg.Wait()
		signal.Stop(sigCh)
		fmt.Println("All done.")
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func pauseAll(coord *queue.Coordinator) {
	for _, t := range coord.List() {
		if t.Status == task.Downloading {
			coord.Pause(t.ID)
		}
	}
}

func cancelAll(coord *queue.Coordinator) {
	for _, t := range coord.List() {
		if t.Status == task.Downloading || t.Status == task.Pending {
			coord.Cancel(t.ID)
		}
	}
}
