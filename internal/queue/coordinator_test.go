package queue

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/task"
)

func rangedServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			start, end = 0, len(data)-1
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func newTestCoordinator(t *testing.T, maxActive int) (*Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{MaxActiveTasks: maxActive, MaxConcurrentChunks: 2, ChunkSize: 1 << 16}
	bus := events.NewMulticaster()
	c, err := NewCoordinator(cfg, bus, dir, true)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c, dir
}

func TestCoordinator_AddAndCompleteEmitsEvents(t *testing.T) {
	data := []byte("hello queue coordinator")
	srv := rangedServer(t, data)
	defer srv.Close()

	c, dir := newTestCoordinator(t, 2)
	obs := c.bus.Subscribe()

	id, err := c.Add(AddOptions{URL: srv.URL, Dest: filepath.Join(dir, "out.bin")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	evCh := make(chan events.Event, 64)
	go func() {
		for {
			e, ok := obs.Next()
			if !ok {
				close(evCh)
				return
			}
			evCh <- e
		}
	}()

	seen := map[events.Kind]bool{}
loop:
	for {
		select {
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for terminal event; seen=%v", seen)
		case e, ok := <-evCh:
			if !ok {
				t.Fatal("event bus closed unexpectedly")
			}
			if e.TaskID != id {
				continue
			}
			seen[e.Kind] = true
			if e.Kind == events.TaskCompleted || e.Kind == events.TaskFailed {
				break loop
			}
		}
	}

	if !seen[events.TaskAdded] || !seen[events.TaskStarted] || !seen[events.TaskCompleted] {
		t.Fatalf("expected TaskAdded+TaskStarted+TaskCompleted, got %v", seen)
	}

	got, ok := c.Get(id)
	if !ok || got.Status != task.Completed {
		t.Fatalf("task status = %v, want Completed", got.Status)
	}

	contents, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(contents) != string(data) {
		t.Errorf("file contents = %q, want %q", contents, data)
	}
}

func TestCoordinator_ConcurrencyBound(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxObserved := 0, 0
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxObserved {
			maxObserved = inFlight
		}
		mu.Unlock()
		<-block
		mu.Lock()
		inFlight--
		mu.Unlock()
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	c, dir := newTestCoordinator(t, 1)
	for i := 0; i < 3; i++ {
		if _, err := c.Add(AddOptions{URL: srv.URL, Dest: filepath.Join(dir, fmt.Sprintf("f%d.bin", i))}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	close(block)

	deadline := time.After(5 * time.Second)
	for {
		all := c.List()
		done := true
		for _, tk := range all {
			if tk.Status != task.Completed && tk.Status != task.Failed {
				done = false
			}
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for all tasks to finish")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxObserved > 1 {
		t.Errorf("observed %d concurrent downloads, want <= 1 (max_active_tasks=1)", maxObserved)
	}
}

func TestCoordinator_PauseResume(t *testing.T) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		flusher, _ := w.(http.Flusher)
		for i := start; i <= end; i += 4096 {
			e := i + 4096
			if e > end+1 {
				e = end + 1
			}
			w.Write(data[i:e])
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer srv.Close()

	c, dir := newTestCoordinator(t, 1)
	id, err := c.Add(AddOptions{URL: srv.URL, Dest: filepath.Join(dir, "big.bin")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := c.Pause(id); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		tk, _ := c.Get(id)
		if tk.Status == task.Paused {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Paused, status=%v", tk.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := c.Resume(id); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	deadline = time.After(10 * time.Second)
	for {
		tk, _ := c.Get(id)
		if tk.Status == task.Completed {
			break
		}
		if tk.Status == task.Failed {
			t.Fatalf("task failed: %s", tk.LastError)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Completed, status=%v", tk.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCoordinator_RestartDemotesDownloading(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{MaxActiveTasks: 1}
	bus := events.NewMulticaster()

	if err := saveState(dir, []task.Task{
		{ID: "t1", URL: "http://example.invalid/f", Dest: filepath.Join(dir, "f"), Status: task.Downloading, CreatedAt: time.Now()},
	}, 1); err != nil {
		t.Fatal(err)
	}

	c, err := NewCoordinator(cfg, bus, dir, true)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	// Admission will have immediately redispatched it (since max_active=1
	// and it is the only task); Pending momentarily, already back to
	// Downloading, or Failed once the probe of the unreachable URL gives
	// up are all acceptable, but it must never still be
	// reported as having survived as a stale Downloading record without
	// an active run backing it.
	all := c.List()
	if len(all) != 1 {
		t.Fatalf("expected 1 task, got %d", len(all))
	}
	if all[0].Status != task.Downloading && all[0].Status != task.Pending && all[0].Status != task.Failed {
		t.Errorf("unexpected status after restart: %v", all[0].Status)
	}
}

func TestCoordinator_NoAutostartDoesNotDispatch(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{MaxActiveTasks: 1}
	bus := events.NewMulticaster()

	if err := saveState(dir, []task.Task{
		{ID: "t1", URL: "http://example.invalid/f", Dest: filepath.Join(dir, "f"), Status: task.Pending, CreatedAt: time.Now()},
	}, 1); err != nil {
		t.Fatal(err)
	}

	c, err := NewCoordinator(cfg, bus, dir, false)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	tk, ok := c.Get("t1")
	if !ok {
		t.Fatal("task t1 missing")
	}
	if tk.Status != task.Pending {
		t.Errorf("status = %v, want Pending (autostart=false must not dispatch)", tk.Status)
	}
}

// TestCoordinator_AutoRenameResolvedAtAdmission verifies spec §4.7's
// explicit requirement that auto-rename collision resolution happens at
// admission time, not at add time: a destination that is free when a
// task is added but becomes occupied before that task is actually
// dispatched must still be re-checked, and the resolved path persisted
// only once admission happens.
func TestCoordinator_AutoRenameResolvedAtAdmission(t *testing.T) {
	data := []byte("auto rename admission data")
	srv := rangedServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out.bin")
	cfg := &config.Config{MaxActiveTasks: 1}
	bus := events.NewMulticaster()

	// autostart=false mirrors the CLI's "add" command: the task is
	// queued but nothing is dispatched yet.
	c, err := NewCoordinator(cfg, bus, dir, false)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	id, err := c.Add(AddOptions{URL: srv.URL, Dest: dest, AutoRename: true})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, ok := c.Get(id)
	if !ok {
		t.Fatal("task missing after Add")
	}
	if got.Dest != dest {
		t.Fatalf("Dest resolved at add time: got %q, want unresolved %q", got.Dest, dest)
	}
	if !got.AutoRename {
		t.Error("AutoRename should still be pending before admission")
	}

	// Something else claims the originally requested path in the window
	// between add and admission.
	if err := os.WriteFile(dest, []byte("collision"), 0o644); err != nil {
		t.Fatal(err)
	}

	// A fresh process (mirroring the CLI's "run") reopens the persisted
	// queue with autostart=true, admitting the pending task and
	// resolving its destination against the now-occupied path.
	c2, err := NewCoordinator(cfg, bus, dir, true)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		tk, ok := c2.Get(id)
		if !ok {
			t.Fatal("task missing after reopening")
		}
		if tk.Status == task.Completed {
			if tk.Dest == dest {
				t.Fatalf("expected the resolved Dest to avoid the collision at %q, got the same path", dest)
			}
			contents, err := os.ReadFile(tk.Dest)
			if err != nil {
				t.Fatalf("reading resolved dest %q: %v", tk.Dest, err)
			}
			if string(contents) != string(data) {
				t.Errorf("resolved dest contents = %q, want %q", contents, data)
			}
			if tk.AutoRename {
				t.Error("AutoRename should be cleared once resolved")
			}
			break
		}
		if tk.Status == task.Failed {
			t.Fatalf("task failed: %s", tk.LastError)
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Completed, status=%v", tk.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The collision file itself must never have been touched.
	untouched, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(untouched) != "collision" {
		t.Errorf("original colliding file was overwritten: %q", untouched)
	}
}

func TestCoordinator_RemoveActiveTask(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.(http.Flusher).Flush()
		<-block
	}))
	defer srv.Close()

	c, dir := newTestCoordinator(t, 1)
	id, err := c.Add(AddOptions{URL: srv.URL, Dest: filepath.Join(dir, "r.bin")})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := c.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	close(block)

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := c.Get(id); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for task removal to take effect")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
