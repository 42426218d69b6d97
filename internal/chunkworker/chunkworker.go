// Package chunkworker implements one worker per planned byte range of a
// download, per spec §4.4: it issues a ranged GET, streams the body to
// the output file at the correct absolute offset via positional writes,
// reports progress deltas, and honours pause/cancel.
package chunkworker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/engineerr"
	"github.com/harrowgate/fetchcore/internal/hostbackoff"
	"github.com/harrowgate/fetchcore/internal/ratelimit"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

// Range is a half-open byte range [Start, End) of the source resource.
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 { return r.End - r.Start }

// Outcome is the terminal state of a single Worker.Run call.
type Outcome int

const (
	Completed Outcome = iota
	Paused
	Cancelled
)

// Delta is one progress notification: n bytes were just written for the
// chunk identified by Index.
type Delta struct {
	Index int
	N     int64
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*config.KB)
		return &b
	},
}

// Worker streams one planned Range into File at File's absolute offset.
type Worker struct {
	Index   int
	Range   Range
	URL     string
	Headers map[string]string

	File    *os.File
	Client  *http.Client
	Limiter *ratelimit.Limiter
	Cfg     *config.Config

	Progress chan<- Delta

	// WrittenCounter, if set, is updated atomically on every successful
	// write with the chunk's cumulative bytes written. It is the
	// authoritative source callers should read for checkpointing and
	// retry planning: unlike Progress, which may be throttled or
	// buffered, it is always current the instant Run last returned.
	WrittenCounter *atomic.Int64

	// PauseFlag is polled between buffer writes; when it loads true the
	// worker stops and returns Paused with progress already flushed.
	PauseFlag *atomic.Bool
}

// Run streams bytes from Range.Start+alreadyWritten to Range.End into
// w.File, resuming a chunk that already has alreadyWritten bytes on
// disk from a prior attempt or a checkpoint. It returns the outcome and
// the cumulative bytes written for this chunk (alreadyWritten included).
func (w *Worker) Run(ctx context.Context, alreadyWritten int64) (Outcome, int64, error) {
	written := alreadyWritten
	if w.WrittenCounter != nil {
		w.WrittenCounter.Store(written)
	}
	start := w.Range.Start + alreadyWritten
	if start >= w.Range.End {
		return Completed, written, nil
	}

	host := hostOf(w.URL)
	bo := hostbackoff.Get(host)
	bo.WaitIfBlocked()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL, nil)
	if err != nil {
		return 0, written, engineerr.New(engineerr.Internal, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, w.Range.End-1))
	req.Header.Set("User-Agent", w.Cfg.GetUserAgent())
	for k, v := range w.Cfg.GetDefaultHeaders() {
		req.Header.Set(k, v)
	}
	for k, v := range w.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.Client.Do(req)
	if err != nil {
		return 0, written, engineerr.New(engineerr.Network, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := bo.Handle429(resp)
		return 0, written, engineerr.New(engineerr.Network, fmt.Errorf("rate limited, retry after %v", wait))
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// expected
	case http.StatusOK:
		if start > 0 {
			return 0, written, engineerr.New(engineerr.RangeUnsupported,
				fmt.Errorf("server returned 200 for a ranged request at offset %d", start))
		}
	default:
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
			return 0, written, engineerr.New(engineerr.Network, fmt.Errorf("retryable status %d", resp.StatusCode))
		}
		return 0, written, engineerr.Status(resp.StatusCode, fmt.Errorf("unexpected status"))
	}

	bo.ReportSuccess()

	bufPtr := bufPool.Get().(*[]byte)
	defer bufPool.Put(bufPtr)
	buf := *bufPtr

	offset := start
	for {
		if w.PauseFlag != nil && w.PauseFlag.Load() {
			return Paused, written, nil
		}
		select {
		case <-ctx.Done():
			return Cancelled, written, nil
		default:
		}

		remaining := w.Range.End - offset
		if remaining <= 0 {
			break
		}
		readSize := int64(len(buf))
		if readSize > remaining {
			readSize = remaining
		}

		n, readErr := resp.Body.Read(buf[:readSize])
		if n > 0 {
			if err := w.Limiter.Wait(ctx, n); err != nil {
				return Cancelled, written, nil
			}
			if _, werr := w.File.WriteAt(buf[:n], offset); werr != nil {
				return 0, written, engineerr.New(engineerr.Io, werr)
			}
			offset += int64(n)
			written += int64(n)
			if w.WrittenCounter != nil {
				w.WrittenCounter.Add(int64(n))
			}
			if w.Progress != nil {
				w.Progress <- Delta{Index: w.Index, N: int64(n)}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			kind := engineerr.Network
			xlog.Debug("chunk %d read error at offset %d: %v", w.Index, offset, readErr)
			return 0, written, engineerr.New(kind, readErr)
		}
	}

	return Completed, written, nil
}

func hostOf(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	return u.Host
}
