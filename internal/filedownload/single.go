package filedownload

import (
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/harrowgate/fetchcore/internal/checkpoint"
	"github.com/harrowgate/fetchcore/internal/chunkworker"
	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/engineerr"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/probe"
	"github.com/harrowgate/fetchcore/internal/ratelimit"
	"github.com/harrowgate/fetchcore/internal/speed"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// runSingleStream handles the degenerate plan of spec §4.5: the server
// either does not advertise Accept-Ranges, or did not return a usable
// Content-Length. Either way the whole resource is fetched as one chunk
// starting at offset zero; it is not resumable across restarts, since
// without range support a retry cannot avoid re-fetching bytes already
// on disk.
func (d *Downloader) runSingleStream(ctx context.Context, client *http.Client, p Params, res *probe.Result, f *os.File, pause *atomic.Bool, progress ProgressFunc) (Outcome, error) {
	if err := f.Truncate(0); err != nil {
		return Failed, engineerr.New(engineerr.Io, err)
	}
	// A sidecar from a prior ranged attempt at this destination would be
	// stale and misleading once we've truncated the file; drop it.
	checkpoint.Delete(p.Dest)

	total := res.FileSize
	est := speed.New(0)
	limiter := ratelimit.New(d.Cfg.GetSpeedLimitBytesPerSec())

	progressCh := make(chan chunkworker.Delta, 256)
	done := make(chan struct{})
	var downloaded int64

	go func() {
		defer close(done)
		ticker := time.NewTicker(config.ProgressFlushEvery)
		defer ticker.Stop()
		dirty := false
		emit := func() {
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
		for {
			select {
			case delta, ok := <-progressCh:
				if !ok {
					if dirty {
						emit()
					}
					return
				}
				downloaded += delta.N
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
					emit()
					dirty = false
				}
			}
		}
	}()

	end := total
	if end <= 0 {
		end = 1<<62 - 1 // effectively unbounded; the worker stops at EOF regardless
	}

	var finalOutcome Outcome
	var finalErr error

	for retry := 0; ; retry++ {
		wk := &chunkworker.Worker{
			Range: chunkworker.Range{Start: 0, End: end}, URL: res.EffectiveURL, Headers: p.Headers,
			File: f, Client: client, Limiter: limiter, Cfg: d.Cfg,
			Progress: progressCh, PauseFlag: pause,
		}
		outcome, _, err := wk.Run(ctx, 0)
		if err == nil {
			finalOutcome, finalErr = fromChunkOutcome(outcome), nil
			break
		}
		if ctx.Err() != nil {
			finalOutcome, finalErr = Cancelled, nil
			break
		}
		kind := engineerr.KindOf(err)
		if kind != engineerr.Network || retry+1 >= config.MaxDownloadRetries {
			finalOutcome, finalErr = Failed, err
			break
		}
		xlog.Debug("filedownload: single-stream retry %d/%d for %s after %v", retry+1, config.MaxDownloadRetries, p.Dest, err)
		if err := f.Truncate(0); err != nil {
			finalOutcome, finalErr = Failed, engineerr.New(engineerr.Io, err)
			break
		}
		downloaded = 0
		select {
		case <-time.After(backoffDelay(retry)):
		case <-ctx.Done():
			finalOutcome, finalErr = Cancelled, nil
			goto doneSingle
		}
	}

doneSingle:
	close(progressCh)
	<-done

	if finalOutcome != Completed {
		return finalOutcome, finalErr
	}
	return d.runVerification(ctx, p)
}

func fromChunkOutcome(o chunkworker.Outcome) Outcome {
	switch o {
	case chunkworker.Completed:
		return Completed
	case chunkworker.Paused:
		return Paused
	case chunkworker.Cancelled:
		return Cancelled
	default:
		return Failed
	}
}
