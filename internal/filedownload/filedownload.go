// Package filedownload orchestrates a single URL-to-path transfer: it
// probes for length and range support, plans chunks (reusing a
// checkpoint when still valid), spawns chunk workers or falls back to a
// single stream, merges progress, drives the retry budget, and triggers
// verification, per spec §4.5.
package filedownload

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/harrowgate/fetchcore/internal/checkpoint"
	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/engineerr"
	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/probe"
	"github.com/harrowgate/fetchcore/internal/task"
	"github.com/harrowgate/fetchcore/internal/transport"
	"github.com/harrowgate/fetchcore/internal/verify"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// Outcome is the terminal result of one Run call, per spec §4.5.
type Outcome int

const (
	Completed Outcome = iota
	Paused
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "Completed"
	case Paused:
		return "Paused"
	case Cancelled:
		return "Cancelled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Params names the inputs a caller supplies for one run. The Coordinator
// owns the Task record; Params is the read-only projection the
// Downloader needs.
type Params struct {
	TaskID   string
	URL      string
	Dest     string
	Headers  map[string]string
	Checksum *task.Checksum
}

// ProgressFunc is invoked on every progress delta (it is not throttled
// to config.ProgressFlushEvery, unlike the checkpoint flush and the
// TaskProgress event) with the latest aggregate progress, so the caller
// (the Coordinator) can
// update its own Task record without the Downloader owning it, per the
// single-owner registry design in spec §9.
type ProgressFunc func(downloaded, total int64, speed float64, eta *float64)

// Downloader runs one File Downloader invocation per spec §4.5.
type Downloader struct {
	Cfg *config.Config
	Bus *events.Multicaster
}

// Run executes p to completion, pause, cancellation, or exhausted
// retries. pause is polled cooperatively by chunk workers; ctx
// cancellation is the cancel signal.
func (d *Downloader) Run(ctx context.Context, p Params, pause *atomic.Bool, progress ProgressFunc) (Outcome, error) {
	client, err := transport.New(d.Cfg, d.Cfg.GetMaxConcurrentChunks())
	if err != nil {
		return Failed, engineerr.New(engineerr.Internal, err)
	}

	res, err := probe.Server(ctx, client, d.Cfg, p.URL, p.Headers, "")
	if err != nil {
		if ctx.Err() != nil {
			return Cancelled, nil
		}
		return Failed, engineerr.New(engineerr.Network, err)
	}

	f, err := os.OpenFile(p.Dest, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return Failed, engineerr.New(engineerr.Io, err)
	}
	defer f.Close()

	if !res.SupportsRange || res.FileSize <= 0 {
		return d.runSingleStream(ctx, client, p, res, f, pause, progress)
	}
	return d.runChunked(ctx, client, p, res, f, pause, progress)
}

// planOrReuse decides whether an existing checkpoint sidecar can be
// trusted (spec §4.5 Plan / §9 Open Question 1: a Content-Length
// mismatch discards the checkpoint and restarts from zero) and returns
// the chunk plan to use.
func planOrReuse(dest, url string, res *probe.Result, cfg *config.Config) []chunkPlanEntry {
	rec, err := checkpoint.Load(dest)
	if err == nil && rec.URL == url && rec.TotalSize == res.FileSize {
		validators := true
		if rec.ETag != "" && res.ETag != "" && rec.ETag != res.ETag {
			validators = false
		}
		if rec.LastModified != "" && res.LastModified != "" && rec.LastModified != res.LastModified {
			validators = false
		}
		if fi, statErr := os.Stat(dest); validators && statErr == nil && rec.Valid(fi.Size()) {
			entries := make([]chunkPlanEntry, len(rec.Chunks))
			for i, c := range rec.Chunks {
				entries[i] = chunkPlanEntry{Start: c.Start, End: c.End, Written: c.Written}
			}
			xlog.Debug("filedownload: reusing checkpoint for %s (%d chunks)", dest, len(entries))
			return entries
		}
	}

	// Whatever is at Path(dest) now — a mismatched, corrupt, or
	// otherwise unusable sidecar — is stale: discard and restart from
	// zero (spec §9 Open Question 1, and §7's corruption-recovery rule).
	if err := checkpoint.Delete(dest); err != nil {
		xlog.Debug("filedownload: discarding checkpoint for %s: %v", dest, err)
	}

	return freshPlan(res.FileSize, cfg)
}

type chunkPlanEntry struct {
	Start, End, Written int64
}

// freshPlan partitions [0, total) into ceil(total/chunk_size) equal
// ranges, the last absorbing the remainder, clamped to
// max_concurrent*4 chunks per spec §4.5.
func freshPlan(total int64, cfg *config.Config) []chunkPlanEntry {
	chunkSize := cfg.GetChunkSize()
	n := (total + chunkSize - 1) / chunkSize
	if n < 1 {
		n = 1
	}
	if max := int64(cfg.MaxChunks()); n > max {
		n = max
		chunkSize = (total + n - 1) / n
	}

	entries := make([]chunkPlanEntry, 0, n)
	var start int64
	for start < total {
		end := start + chunkSize
		if end > total {
			end = total
		}
		entries = append(entries, chunkPlanEntry{Start: start, End: end})
		start = end
	}
	return entries
}

func saveCheckpoint(p Params, res *probe.Result, written []int64, chunks []chunkPlanEntry) error {
	rec := &checkpoint.Record{
		URL:          p.URL,
		Dest:         p.Dest,
		TotalSize:    res.FileSize,
		ETag:         res.ETag,
		LastModified: res.LastModified,
	}
	for i, c := range chunks {
		rec.Chunks = append(rec.Chunks, checkpoint.ChunkRecord{Start: c.Start, End: c.End, Written: written[i]})
	}
	return checkpoint.Save(rec)
}

func sum(xs []int64) int64 {
	var t int64
	for _, x := range xs {
		t += x
	}
	return t
}

func (d *Downloader) runVerification(ctx context.Context, p Params) (Outcome, error) {
	if p.Checksum == nil {
		if err := checkpoint.Delete(p.Dest); err != nil {
			xlog.Debug("filedownload: delete checkpoint for %s: %v", p.Dest, err)
		}
		return Completed, nil
	}

	d.Bus.Publish(events.Event{Kind: events.VerifyStarted, TaskID: p.TaskID})
	ok, actual, err := verify.Verify(ctx, p.Dest, p.Checksum.Kind, p.Checksum.Hex)
	if err != nil {
		d.Bus.Publish(events.Event{Kind: events.VerifyCompleted, TaskID: p.TaskID, Success: false})
		if ctx.Err() != nil {
			return Cancelled, nil
		}
		return Failed, engineerr.New(engineerr.Io, err)
	}
	d.Bus.Publish(events.Event{Kind: events.VerifyCompleted, TaskID: p.TaskID, Success: ok})
	if !ok {
		return Failed, engineerr.Mismatch(p.Checksum.Hex, actual)
	}
	if err := checkpoint.Delete(p.Dest); err != nil {
		xlog.Debug("filedownload: delete checkpoint for %s: %v", p.Dest, err)
	}
	return Completed, nil
}

// backoffDelay computes the exponential-backoff-with-jitter delay for
// the given zero-based retry attempt, per spec §4.4 Retry.
func backoffDelay(attempt int) time.Duration {
	d := config.RetryBaseDelay
	for i := 0; i < attempt; i++ {
		d *= config.RetryBackoffFactor
		if d > config.RetryMaxDelay {
			d = config.RetryMaxDelay
			break
		}
	}
	delta := (pseudoRand(attempt)*2 - 1) * config.RetryJitterFrac
	return time.Duration(float64(d) * (1 + delta))
}

// pseudoRand returns a cheap deterministic-enough jitter source in
// [0,1) without pulling in math/rand's global lock on a hot retry path.
func pseudoRand(seed int) float64 {
	x := uint64(seed)*2654435761 + uint64(time.Now().UnixNano())
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	return float64(x%1000) / 1000
}
