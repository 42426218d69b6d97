package filedownload

import (
	"context"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harrowgate/fetchcore/internal/chunkworker"
	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/engineerr"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/probe"
	"github.com/harrowgate/fetchcore/internal/ratelimit"
	"github.com/harrowgate/fetchcore/internal/speed"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// runChunked drives the parallel-chunk path: a pool of chunkworker.Worker
// goroutines draining a FIFO chunk Queue, an aggregator folding their
// progress deltas into coalesced checkpoint flushes and TaskProgress
// events, a health monitor reassigning stalled chunks, and a retry
// budget of config.MaxDownloadRetries spanning the whole download.
func (d *Downloader) runChunked(ctx context.Context, client *http.Client, p Params, res *probe.Result, f *os.File, pause *atomic.Bool, progress ProgressFunc) (Outcome, error) {
	entries := planOrReuse(p.Dest, p.URL, res, d.Cfg)
	total := res.FileSize

	// writtenCounters is the authoritative, race-free source of
	// per-chunk progress: each Worker updates its own slot atomically on
	// every write, independent of how promptly progressCh is drained.
	writtenCounters := make([]atomic.Int64, len(entries))
	for i, e := range entries {
		writtenCounters[i].Store(e.Written)
	}
	written := func() []int64 {
		snap := make([]int64, len(writtenCounters))
		for i := range writtenCounters {
			snap[i] = writtenCounters[i].Load()
		}
		return snap
	}

	startDownloaded := sum(written())
	est := speed.New(startDownloaded)
	limiter := ratelimit.New(d.Cfg.GetSpeedLimitBytesPerSec())

	progressCh := make(chan chunkworker.Delta, 4096)
	stopAggregator := make(chan struct{})
	aggregatorDone := make(chan struct{})

	flush := func() {
		snapshot := written()
		downloaded := sum(snapshot)

		planSnap := make([]chunkPlanEntry, len(entries))
		for i, e := range entries {
			planSnap[i] = chunkPlanEntry{Start: e.Start, End: e.End, Written: snapshot[i]}
		}
		if err := saveCheckpoint(p, res, snapshot, planSnap); err != nil {
			xlog.Debug("filedownload: checkpoint flush for %s: %v", p.Dest, err)
		}

		eta, ok := est.ETA(total, downloaded)
		var etaPtr *float64
		if ok {
			s := eta.Seconds()
			etaPtr = &s
		}
		d.Bus.Publish(events.Event{
			Kind: events.TaskProgress, TaskID: p.TaskID,
			Downloaded: downloaded, Total: total, Speed: est.Rate(), ETASeconds: etaPtr,
		})
	}

	go func() {
		defer close(aggregatorDone)
		ticker := time.NewTicker(config.ProgressFlushEvery)
		defer ticker.Stop()
		dirty := false
		downloadedAgg := startDownloaded
		for {
			select {
			case delta, ok := <-progressCh:
				if !ok {
					return
				}
				downloadedAgg += delta.N
				downloaded := downloadedAgg
				est.Update(downloaded)
				if progress != nil {
					eta, ok2 := est.ETA(total, downloaded)
					var etaPtr *float64
					if ok2 {
						s := eta.Seconds()
						etaPtr = &s
					}
					progress(downloaded, total, est.Rate(), etaPtr)
				}
				dirty = true
			case <-ticker.C:
				if dirty {
					flush()
					dirty = false
				}
			case <-stopAggregator:
				flush()
				return
			}
		}
	}()

	activeSet := chunkworker.NewActiveSet()
	healthCtx, healthCancel := context.WithCancel(ctx)
	defer healthCancel()
	go chunkworker.Monitor(healthCtx, activeSet, d.Cfg)

	observedCh := observingChan(progressCh, activeSet, d.Cfg)
	defer close(observedCh)

	var finalOutcome Outcome
	var finalErr error

	for retry := 0; ; retry++ {
		snapshot := written()
		var pending []chunkworker.PlannedChunk
		for i, e := range entries {
			if snapshot[i] < e.End-e.Start {
				pending = append(pending, chunkworker.PlannedChunk{
					Index: i, Range: chunkworker.Range{Start: e.Start, End: e.End}, Written: snapshot[i],
				})
			}
		}

		if len(pending) == 0 {
			finalOutcome, finalErr = Completed, nil
			break
		}

		queue := chunkworker.NewQueue(pending)
		errCh := make(chan error, 1)
		var stopFlag atomic.Int32 // 0 none, 1 paused, 2 cancelled
		counter := int32(len(pending))

		numWorkers := d.Cfg.GetMaxConcurrentChunks()
		if numWorkers > len(pending) {
			numWorkers = len(pending)
		}
		var wg sync.WaitGroup
		for w := 0; w < numWorkers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					pc, ok := queue.Pop()
					if !ok {
						return
					}

					workerCtx, cancel := context.WithCancel(ctx)
					active := chunkworker.NewActive(pc.Index, cancel)
					activeSet.Register(active)

					wk := &chunkworker.Worker{
						Index: pc.Index, Range: pc.Range, URL: res.EffectiveURL, Headers: p.Headers,
						File: f, Client: client, Limiter: limiter, Cfg: d.Cfg,
						Progress: observedCh, PauseFlag: pause, WrittenCounter: &writtenCounters[pc.Index],
					}
					outcome, wrote, werr := wk.Run(workerCtx, pc.Written)
					activeSet.Unregister(pc.Index)
					cancel()

					switch {
					case werr != nil:
						select {
						case errCh <- werr:
						default:
						}
						queue.Close()
						return
					case outcome == chunkworker.Cancelled && ctx.Err() != nil:
						stopFlag.Store(2)
						queue.Close()
						return
					case outcome == chunkworker.Cancelled:
						queue.Push(chunkworker.PlannedChunk{Index: pc.Index, Range: pc.Range, Written: wrote})
						continue
					case outcome == chunkworker.Paused:
						stopFlag.Store(1)
						queue.Close()
						return
					default: // Completed
						if atomic.AddInt32(&counter, -1) == 0 {
							queue.Close()
						}
					}
				}
			}()
		}
		wg.Wait()

		if err := firstError(errCh); err != nil {
			kind := engineerr.KindOf(err)
			if kind != engineerr.Network || retry+1 >= config.MaxDownloadRetries {
				finalOutcome, finalErr = Failed, err
				break
			}
			xlog.Debug("filedownload: retry %d/%d for %s after %v", retry+1, config.MaxDownloadRetries, p.Dest, err)
			select {
			case <-time.After(backoffDelay(retry)):
			case <-ctx.Done():
				finalOutcome, finalErr = Cancelled, nil
				goto done
			}
			continue
		}

		if stopFlag.Load() == 2 || ctx.Err() != nil {
			finalOutcome, finalErr = Cancelled, nil
			break
		}
		if stopFlag.Load() == 1 {
			finalOutcome, finalErr = Paused, nil
			break
		}
		// Otherwise loop again: some chunks may remain pending if the
		// queue closed early without counter reaching zero (shouldn't
		// normally happen, but re-checking is cheap and safe).
	}

done:
	close(stopAggregator)
	<-aggregatorDone

	if finalOutcome != Completed {
		return finalOutcome, finalErr
	}
	return d.runVerification(ctx, p)
}

func firstError(ch chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

// observingChan wraps progressCh so every delta also folds into the
// health monitor's per-chunk speed estimate. The returned channel must
// be closed exactly once, after every worker that might send on it has
// returned.
func observingChan(progressCh chan chunkworker.Delta, set *chunkworker.ActiveSet, cfg *config.Config) chan chunkworker.Delta {
	out := make(chan chunkworker.Delta, 64)
	go func() {
		for d := range out {
			set.Observe(d.Index, d.N, cfg)
			progressCh <- d
		}
	}()
	return out
}
