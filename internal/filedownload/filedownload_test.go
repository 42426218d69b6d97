package filedownload

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/harrowgate/fetchcore/internal/checkpoint"
	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/events"
)

const testETag = `"v1"`

func rangedTestServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", testETag)
		w.Header().Set("Accept-Ranges", "bytes")
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			start, end = 0, len(data)-1
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

// TestRun_ResumeAfterCrashIsByteIdentical is the headline resumability
// invariant of spec §8: resuming from a checkpoint sidecar left behind
// by an interrupted process must produce a file identical to what an
// uninterrupted download of the same resource would have produced. It
// simulates the crash directly — a partial destination file plus a
// checkpoint sidecar, written without ever running a Downloader — rather
// than timing a cancellation, so the test is deterministic.
func TestRun_ResumeAfterCrashIsByteIdentical(t *testing.T) {
	data := make([]byte, 60_000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv := rangedTestServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	cfg := &config.Config{ChunkSize: 20_000, MaxConcurrentChunks: 4}

	// Baseline: a single uninterrupted download.
	baselineDest := filepath.Join(dir, "baseline.bin")
	baseline := &Downloader{Cfg: cfg, Bus: events.NewMulticaster()}
	outcome, err := baseline.Run(context.Background(), Params{TaskID: "baseline", URL: srv.URL, Dest: baselineDest}, &atomic.Bool{}, nil)
	if err != nil || outcome != Completed {
		t.Fatalf("baseline download: outcome=%v err=%v", outcome, err)
	}
	want, err := os.ReadFile(baselineDest)
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash partway through a resumed download: write a
	// partial destination file and a matching checkpoint sidecar by
	// hand, as if a previous process had died mid-flight.
	resumedDest := filepath.Join(dir, "resumed.bin")
	entries := freshPlan(int64(len(data)), cfg)
	if len(entries) < 3 {
		t.Fatalf("expected at least 3 planned chunks to exercise partial resume, got %d", len(entries))
	}

	f, err := os.OpenFile(resumedDest, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	written := make([]int64, len(entries))
	for i, e := range entries {
		switch i {
		case 0: // fully written already
			if _, err := f.WriteAt(data[e.Start:e.End], e.Start); err != nil {
				t.Fatal(err)
			}
			written[i] = e.End - e.Start
		case 1: // partially written
			half := (e.End - e.Start) / 2
			if _, err := f.WriteAt(data[e.Start:e.Start+half], e.Start); err != nil {
				t.Fatal(err)
			}
			written[i] = half
		default: // untouched
			written[i] = 0
		}
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	rec := &checkpoint.Record{URL: srv.URL, Dest: resumedDest, TotalSize: int64(len(data)), ETag: testETag}
	for i, e := range entries {
		rec.Chunks = append(rec.Chunks, checkpoint.ChunkRecord{Start: e.Start, End: e.End, Written: written[i]})
	}
	if err := checkpoint.Save(rec); err != nil {
		t.Fatal(err)
	}

	// A fresh Downloader, as a new process would construct after restart,
	// picks the checkpoint back up and finishes it.
	resumed := &Downloader{Cfg: cfg, Bus: events.NewMulticaster()}
	outcome, err = resumed.Run(context.Background(), Params{TaskID: "resumed", URL: srv.URL, Dest: resumedDest}, &atomic.Bool{}, nil)
	if err != nil || outcome != Completed {
		t.Fatalf("resumed download: outcome=%v err=%v", outcome, err)
	}

	got, err := os.ReadFile(resumedDest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("resumed download is not byte-identical to an uninterrupted one (len got=%d want=%d)", len(got), len(want))
	}

	if _, err := checkpoint.Load(resumedDest); err == nil {
		t.Error("expected checkpoint sidecar to be deleted after a completed download")
	}
}
