package cmd

import (
	"fmt"

	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/queue"
)

// printEvents drains obs on the caller's goroutine, rendering each
// lifecycle event as a single line. It looks up the task's URL/dest
// through coord since events only carry a TaskID (spec §6).
func printEvents(obs *events.Bus, coord *queue.Coordinator) {
	for {
		e, ok := obs.Next()
		if !ok {
			return
		}
		t, _ := coord.Get(e.TaskID)
		label := t.Dest
		if label == "" {
			label = e.TaskID[:8]
		}

		switch e.Kind {
		case events.TaskAdded:
			fmt.Printf("[%s] added\n", label)
		case events.TaskStarted:
			fmt.Printf("[%s] started\n", label)
		case events.TaskProgress:
			fmt.Printf("[%s] %s / %s  %s/s%s\n", label,
				formatSize(e.Downloaded), formatSize(e.Total),
				formatSize(int64(e.Speed)), formatETA(e.ETASeconds))
		case events.TaskPaused:
			fmt.Printf("[%s] paused at %s\n", label, formatSize(e.Downloaded))
		case events.TaskResumed:
			fmt.Printf("[%s] resumed\n", label)
		case events.TaskCancelled:
			fmt.Printf("[%s] cancelled\n", label)
		case events.VerifyStarted:
			fmt.Printf("[%s] verifying...\n", label)
		case events.VerifyCompleted:
			if e.Success {
				fmt.Printf("[%s] checksum ok\n", label)
			} else {
				fmt.Printf("[%s] checksum mismatch\n", label)
			}
		case events.TaskCompleted:
			fmt.Printf("[%s] completed (%s)\n", label, formatSize(e.Total))
		case events.TaskFailed:
			fmt.Printf("[%s] failed: %v\n", label, e.Err)
		}
	}
}

func formatETA(eta *float64) string {
	if eta == nil {
		return ""
	}
	return fmt.Sprintf("  ETA %.0fs", *eta)
}
