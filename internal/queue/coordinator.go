// Package queue implements the Queue Coordinator of spec §4.7: priority
// admission over a container/heap max-heap, concurrency-limited
// dispatch to the File Downloader, JSON persistence of the full queue
// state, and event fan-out for every lifecycle transition not already
// emitted by filedownload itself.
//
// Generalized from the teacher's download/pool.go WorkerPool: the same
// active-download bookkeeping (guarded here by a single sync.Mutex) and
// pause/resume flow, with the teacher's fixed-worker-count unordered
// channel replaced by a priority heap, since admission here must
// respect task priority rather than simple arrival order.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/filedownload"
	"github.com/harrowgate/fetchcore/internal/task"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// activeRun tracks one currently-dispatched task's cancellation and
// pause handles, mirroring the teacher's activeDownload.
type activeRun struct {
	cancel         context.CancelFunc
	pause          *atomic.Bool
	removeWhenDone bool
}

// Coordinator is the engine's single source of truth for task state. It
// owns every task.Task record; the File Downloader only ever sees the
// read-only filedownload.Params projection.
type Coordinator struct {
	cfg       *config.Config
	bus       *events.Multicaster
	stateDir  string
	autostart bool

	mu     sync.Mutex
	tasks  map[string]*task.Task
	active map[string]*activeRun
	heap   admissionHeap
	taken  map[string]bool // destination paths currently in use
	cursor int64

	onComplete []func(task.Task)
}

// NewCoordinator loads any persisted Queue State from stateDir, demotes
// any task recorded as Downloading (a previous process died mid-run)
// back to Pending, and, if autostart is true, begins admitting.
//
// autostart is false for the short-lived CLI commands that only
// inspect or mutate the persisted queue (ls, pause, resume, rm): since
// there is no resident daemon (per spec §9's "no cross-process bridge"
// decision), a one-shot process must not start real transfers it has
// no intention of seeing through. It is true for the commands that
// mean to actually run the queue (run, get).
func NewCoordinator(cfg *config.Config, bus *events.Multicaster, stateDir string, autostart bool) (*Coordinator, error) {
	c := &Coordinator{
		cfg:       cfg,
		bus:       bus,
		stateDir:  stateDir,
		autostart: autostart,
		tasks:     make(map[string]*task.Task),
		active:    make(map[string]*activeRun),
		heap:      admissionHeap{byID: make(map[string]*task.Task)},
		taken:     make(map[string]bool),
	}

	p, err := loadState(stateDir)
	if err != nil {
		return nil, fmt.Errorf("queue: load state: %w", err)
	}
	c.cursor = p.NextAdmissionCursor

	for i := range p.Tasks {
		t := p.Tasks[i]
		if t.Status == task.Downloading {
			xlog.Debug("queue: demoting task %s from downloading to pending after restart", t.ID)
			t.Status = task.Pending
		}
		tc := t
		c.tasks[t.ID] = &tc
		// A still-Pending AutoRename task has never been admitted, so its
		// Dest is only the originally requested path, not a reserved one
		// (spec §4.7: resolution happens at admission, not add). Marking
		// it taken here would make dispatchLocked rename it away from a
		// path nothing else actually holds.
		if !(tc.Status == task.Pending && tc.AutoRename) {
			c.taken[tc.Dest] = true
		}
		if tc.Status == task.Pending {
			c.heap.byID[t.ID] = &tc
			c.heap.ids = append(c.heap.ids, t.ID)
		}
	}
	heapInit(&c.heap)

	c.admitLocked()
	return c, nil
}

// AddOptions are the parameters for adding a new task, per spec §4.7's
// add(url, dest, priority, checksum, auto_rename) contract plus the
// per-task header overrides named in the Task model (spec §3).
type AddOptions struct {
	URL        string
	Dest       string
	Priority   task.Priority
	Checksum   *task.Checksum
	AutoRename bool
	Headers    map[string]string
}

// Add creates a new Pending task and returns its ID. Per spec §4.7, the
// auto-rename collision check happens at admission time, not here: a
// non-auto-rename destination collision against another task's already-
// resolved path is still rejected up front (no point queuing something
// doomed to collide), but the resolved path for an auto-rename task is
// deferred to dispatchLocked so it reflects what's actually free at the
// moment this task is admitted, not at add time.
func (c *Coordinator) Add(opts AddOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !opts.AutoRename && c.taken[opts.Dest] {
		return "", fmt.Errorf("queue: destination %s already in use", opts.Dest)
	}

	id := uuid.New().String()
	c.cursor++
	t := &task.Task{
		ID:          id,
		URL:         opts.URL,
		Dest:        opts.Dest,
		Status:      task.Pending,
		CreatedAt:   time.Now(),
		Priority:    opts.Priority,
		Headers:     opts.Headers,
		Checksum:    opts.Checksum,
		AutoRename:  opts.AutoRename,
		AdmissionAt: c.cursor,
	}
	c.tasks[id] = t
	if !opts.AutoRename {
		c.taken[opts.Dest] = true
	}
	c.heap.byID[id] = t
	heapPush(&c.heap, id)

	c.persistLocked()
	c.bus.Publish(events.Event{Kind: events.TaskAdded, TaskID: id})
	c.admitLocked()
	return id, nil
}

// List returns a snapshot of every task the Coordinator knows about.
func (c *Coordinator) List() []task.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]task.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// Get returns a single task by ID.
func (c *Coordinator) Get(id string) (task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return task.Task{}, false
	}
	return t.Clone(), true
}

// Pause requests that an actively-downloading task suspend. It is a
// no-op on a task that is not currently Downloading (spec §4.2:
// Cancel/Pause on a terminal or non-active task has no effect).
func (c *Coordinator) Pause(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("queue: unknown task %s", id)
	}
	if t.Status != task.Downloading {
		return nil
	}
	ar, ok := c.active[id]
	if !ok || ar.pause == nil {
		return nil
	}
	ar.pause.Store(true)
	return nil
}

// Resume re-admits a Paused task (transitioning it to Pending) or a
// Failed task (clearing its error and transitioning it to Pending),
// per spec §4.7.
func (c *Coordinator) Resume(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("queue: unknown task %s", id)
	}
	if t.Status != task.Paused && t.Status != task.Failed {
		return nil
	}

	t.Status = task.Pending
	t.LastError = ""
	c.heap.byID[id] = t
	heapPush(&c.heap, id)

	c.persistLocked()
	c.bus.Publish(events.Event{Kind: events.TaskResumed, TaskID: id})
	c.admitLocked()
	return nil
}

// Cancel stops a task. An active task is signalled via context
// cancellation and the transition to Cancelled happens when its run
// goroutine observes the cancellation; a queued or paused task
// transitions immediately since there is nothing running to await.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("queue: unknown task %s", id)
	}
	if isTerminal(t.Status) {
		return nil
	}

	if ar, active := c.active[id]; active {
		ar.cancel()
		return nil
	}

	t.Status = task.Cancelled
	c.persistLocked()
	c.bus.Publish(events.Event{Kind: events.TaskCancelled, TaskID: id})
	return nil
}

// Remove destroys a task's record. If it is currently active it is
// first cancelled and the record is removed once its run goroutine
// finishes; otherwise it is removed immediately.
func (c *Coordinator) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[id]
	if !ok {
		return fmt.Errorf("queue: unknown task %s", id)
	}

	if ar, active := c.active[id]; active {
		ar.removeWhenDone = true
		ar.cancel()
		return nil
	}

	c.removeLocked(t)
	c.persistLocked()
	return nil
}

func (c *Coordinator) removeLocked(t *task.Task) {
	delete(c.tasks, t.ID)
	delete(c.taken, t.Dest)
	delete(c.heap.byID, t.ID)
	for i, id := range c.heap.ids {
		if id == t.ID {
			heapRemoveAt(&c.heap, i)
			break
		}
	}
}

// OnComplete registers a callback invoked, outside the Coordinator's
// lock, once for every task that reaches Completed or Failed.
func (c *Coordinator) OnComplete(cb func(task.Task)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onComplete = append(c.onComplete, cb)
}

func isTerminal(s task.Status) bool {
	return s == task.Completed || s == task.Failed || s == task.Cancelled
}

// admitLocked pops Pending tasks off the heap while a slot is free and
// dispatches each to the File Downloader. Must be called with mu held.
// A no-op when autostart is false: see NewCoordinator.
func (c *Coordinator) admitLocked() {
	if !c.autostart {
		return
	}
	for len(c.active) < c.cfg.GetMaxActiveTasks() && c.heap.Len() > 0 {
		id := heapPop(&c.heap)
		t, ok := c.tasks[id]
		if !ok || t.Status != task.Pending {
			continue
		}
		c.dispatchLocked(t)
	}
}

// dispatchLocked admits t: resolving its destination path (spec §4.7:
// the auto-rename check happens here, at admission, not in Add, so it
// reflects what's actually free the moment a slot opens up for it) and
// handing it to the File Downloader. Must be called with mu held.
func (c *Coordinator) dispatchLocked(t *task.Task) {
	if t.AutoRename {
		t.Dest = uniqueDestPath(t.Dest, c.taken)
		t.AutoRename = false
	}
	c.taken[t.Dest] = true

	t.Status = task.Downloading
	ctx, cancel := context.WithCancel(context.Background())
	pause := &atomic.Bool{}
	c.active[t.ID] = &activeRun{cancel: cancel, pause: pause}
	c.persistLocked()
	c.bus.Publish(events.Event{Kind: events.TaskStarted, TaskID: t.ID})

	params := filedownload.Params{
		TaskID:   t.ID,
		URL:      t.URL,
		Dest:     t.Dest,
		Headers:  t.Headers,
		Checksum: t.Checksum,
	}
	downloader := &filedownload.Downloader{Cfg: c.cfg, Bus: c.bus}

	go c.run(ctx, downloader, params, pause)
}

// run executes one task's download outside the Coordinator's lock and
// applies the outcome once it returns.
func (c *Coordinator) run(ctx context.Context, d *filedownload.Downloader, p filedownload.Params, pause *atomic.Bool) {
	progress := func(downloaded, total int64, speed float64, eta *float64) {
		c.mu.Lock()
		if t, ok := c.tasks[p.TaskID]; ok {
			t.Downloaded = downloaded
			t.TotalSize = total
			t.Speed = speed
			t.ETASeconds = eta
		}
		c.mu.Unlock()
	}

	outcome, err := d.Run(ctx, p, pause, progress)

	c.mu.Lock()
	defer c.mu.Unlock()

	ar := c.active[p.TaskID]
	delete(c.active, p.TaskID)

	t, ok := c.tasks[p.TaskID]
	if !ok {
		c.admitLocked()
		return
	}

	if ar != nil && ar.removeWhenDone {
		c.removeLocked(t)
		c.persistLocked()
		c.admitLocked()
		return
	}

	switch outcome {
	case filedownload.Completed:
		t.Status = task.Completed
		t.LastError = ""
		c.persistLocked()
		c.bus.Publish(events.Event{Kind: events.TaskCompleted, TaskID: t.ID})
		c.notifyComplete(t.Clone())
	case filedownload.Paused:
		t.Status = task.Paused
		c.persistLocked()
		c.bus.Publish(events.Event{Kind: events.TaskPaused, TaskID: t.ID})
	case filedownload.Cancelled:
		t.Status = task.Cancelled
		c.persistLocked()
		c.bus.Publish(events.Event{Kind: events.TaskCancelled, TaskID: t.ID})
	default: // Failed
		t.Status = task.Failed
		if err != nil {
			t.LastError = err.Error()
		}
		c.persistLocked()
		c.bus.Publish(events.Event{Kind: events.TaskFailed, TaskID: t.ID, Err: err})
		c.notifyComplete(t.Clone())
	}

	c.admitLocked()
}

// notifyComplete invokes registered OnComplete callbacks on their own
// goroutines so a slow observer can never stall the Coordinator.
func (c *Coordinator) notifyComplete(t task.Task) {
	for _, cb := range c.onComplete {
		go cb(t)
	}
}

func (c *Coordinator) persistLocked() {
	snapshot := make([]task.Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		snapshot = append(snapshot, *t)
	}
	if err := saveState(c.stateDir, snapshot, c.cursor); err != nil {
		xlog.Debug("queue: persist state: %v", err)
	}
}
