package chunkworker

import (
	"context"
	"sync"
	"time"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// Active tracks one running Worker's recent throughput so the health
// monitor can single out a chunk that has stalled relative to its
// siblings, per spec §9's supplemented slow-worker monitoring (adapted
// from the teacher's engine/concurrent/health.go).
type Active struct {
	Index     int
	StartTime time.Time
	cancel    context.CancelFunc

	mu          sync.Mutex
	speed       float64
	windowStart time.Time
	windowBytes int64
}

func NewActive(index int, cancel context.CancelFunc) *Active {
	now := time.Now()
	return &Active{Index: index, StartTime: now, cancel: cancel, windowStart: now}
}

// Observe folds n freshly-written bytes into the active chunk's EMA
// speed estimate once config.SpeedWindow has elapsed since the last
// fold.
func (a *Active) Observe(n int64, cfg *config.Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowBytes += n
	elapsed := time.Since(a.windowStart)
	if elapsed < config.SpeedWindow {
		return
	}
	recent := float64(a.windowBytes) / elapsed.Seconds()
	if a.speed == 0 {
		a.speed = recent
	} else {
		a.speed = (1-config.SpeedEMAAlpha)*a.speed + config.SpeedEMAAlpha*recent
	}
	a.windowBytes = 0
	a.windowStart = time.Now()
}

func (a *Active) Speed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

// ActiveSet is the set of chunks currently being streamed by a single
// File Downloader run.
type ActiveSet struct {
	mu      sync.Mutex
	workers map[int]*Active
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{workers: make(map[int]*Active)}
}

func (s *ActiveSet) Register(a *Active) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[a.Index] = a
}

func (s *ActiveSet) Unregister(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, index)
}

// Observe folds n freshly-written bytes into the speed estimate of the
// chunk at index, if that chunk is still registered.
func (s *ActiveSet) Observe(index int, n int64, cfg *config.Config) {
	s.mu.Lock()
	a := s.workers[index]
	s.mu.Unlock()
	if a != nil {
		a.Observe(n, cfg)
	}
}

// CheckHealth cancels any chunk whose EMA speed has fallen far below the
// mean of its siblings once it has run past the configured grace
// period, so its remaining range is requeued instead of dragging out
// the tail of a download.
func (s *ActiveSet) CheckHealth(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.workers) < 2 {
		return
	}

	var total float64
	var n int
	for _, a := range s.workers {
		if sp := a.Speed(); sp > 0 {
			total += sp
			n++
		}
	}
	if n == 0 {
		return
	}
	mean := total / float64(n)

	now := time.Now()
	for _, a := range s.workers {
		if now.Sub(a.StartTime) < config.SlowWorkerGracePeriod {
			continue
		}
		sp := a.Speed()
		if sp > 0 && sp < config.SlowWorkerThreshold*mean {
			xlog.Debug("chunkworker: chunk %d slow (%.0f B/s vs mean %.0f B/s), cancelling for requeue", a.Index, sp, mean)
			if a.cancel != nil {
				a.cancel()
			}
		}
	}
}

// Monitor runs CheckHealth on an interval until ctx is done.
func Monitor(ctx context.Context, set *ActiveSet, cfg *config.Config) {
	ticker := time.NewTicker(config.SlowWorkerGracePeriod / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			set.CheckHealth(cfg)
		}
	}
}
