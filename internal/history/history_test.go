package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_RecordAndList(t *testing.T) {
	s := openTestStore(t)

	t1 := task.Task{ID: "a", URL: "http://x/1", Dest: "/tmp/1", Status: task.Completed, TotalSize: 100, Downloaded: 100}
	t2 := task.Task{ID: "b", URL: "http://x/2", Dest: "/tmp/2", Status: task.Failed, TotalSize: 50, Downloaded: 10, LastError: "network error"}

	if err := s.RecordCompletion(t1); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}
	if err := s.RecordCompletion(t2); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(all))
	}

	completed, err := s.List("completed")
	if err != nil {
		t.Fatalf("List(completed): %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "a" {
		t.Fatalf("List(completed) = %+v, want just task a", completed)
	}

	failed, err := s.List("failed")
	if err != nil {
		t.Fatalf("List(failed): %v", err)
	}
	if len(failed) != 1 || failed[0].LastError != "network error" {
		t.Fatalf("List(failed) = %+v, want task b with its error", failed)
	}
}

func TestStore_RecordCompletionUpserts(t *testing.T) {
	s := openTestStore(t)

	t1 := task.Task{ID: "a", URL: "http://x/1", Dest: "/tmp/1", Status: task.Failed, TotalSize: 100, Downloaded: 40, LastError: "timeout"}
	if err := s.RecordCompletion(t1); err != nil {
		t.Fatalf("RecordCompletion: %v", err)
	}

	t1.Status = task.Completed
	t1.Downloaded = 100
	t1.LastError = ""
	if err := s.RecordCompletion(t1); err != nil {
		t.Fatalf("RecordCompletion (update): %v", err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected the second RecordCompletion to upsert, got %d rows", len(all))
	}
	if all[0].Status != task.Completed || all[0].LastError != "" {
		t.Fatalf("entry not updated: %+v", all[0])
	}
}

func TestStore_SubscribeRecordsTerminalEvents(t *testing.T) {
	s := openTestStore(t)

	bus := events.NewBus()
	tasks := map[string]task.Task{
		"a": {ID: "a", URL: "http://x/1", Dest: "/tmp/1", Status: task.Completed},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Subscribe(ctx, bus, func(id string) (task.Task, bool) {
		tk, ok := tasks[id]
		return tk, ok
	})

	bus.Publish(events.Event{Kind: events.TaskStarted, TaskID: "a"})
	bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: "a"})

	deadline := time.After(5 * time.Second)
	for {
		entries, err := s.List("")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(entries) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for subscriber to record completion, got %d entries", len(entries))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
