// Package probe determines a target URL's download metadata before any
// chunk worker is spawned: effective size, range support, filename,
// content type, and cache-validators used to decide whether an existing
// checkpoint can still be trusted.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harrowgate/fetchcore/internal/config"
	"github.com/harrowgate/fetchcore/internal/filename"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

const (
	probeTimeout = 15 * time.Second
	probeRetries = 3
)

// Result is everything the rest of the engine needs to plan a download.
type Result struct {
	EffectiveURL  string // after redirects
	FileSize      int64  // 0 if unknown
	SupportsRange bool
	Filename      string
	ContentType   string
	ETag          string
	LastModified  string
}

// Server determines rawurl's download metadata, per spec §4.5: a HEAD
// request first, falling back to a ranged GET for the first byte when
// HEAD fails or doesn't conclusively report range support. headers, if
// non-nil, are layered on top of cfg's defaults on every request this
// probe issues, same as the chunk workers do. filenameHint, if
// non-empty, overrides any filename derived from headers or the URL.
func Server(ctx context.Context, client *http.Client, cfg *config.Config, rawurl string, headers map[string]string, filenameHint string) (*Result, error) {
	if result, ok := headProbe(ctx, client, cfg, rawurl, headers, filenameHint); ok {
		xlog.Debug("probe %s: size=%d range=%v filename=%s (via HEAD)", rawurl, result.FileSize, result.SupportsRange, result.Filename)
		return result, nil
	}
	return rangedProbe(ctx, client, cfg, rawurl, headers, filenameHint)
}

// headProbe issues a single HEAD request. It reports ok=false whenever
// HEAD doesn't conclusively answer both "does this exist" and "does it
// support ranges" — a transport error, a non-200 status, or a 200
// without an explicit "Accept-Ranges: bytes" — so the caller falls back
// to the ranged GET, which answers both questions unambiguously via its
// status code alone.
func headProbe(ctx context.Context, client *http.Client, cfg *config.Config, rawurl string, headers map[string]string, filenameHint string) (*Result, bool) {
	headCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, rawurl, nil)
	if err != nil {
		return nil, false
	}
	setCommonHeaders(req, cfg, headers)

	resp, err := client.Do(req)
	if err != nil {
		xlog.Debug("probe HEAD %s failed, falling back to ranged GET: %v", rawurl, err)
		return nil, false
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		xlog.Debug("probe HEAD %s returned %d, falling back to ranged GET", rawurl, resp.StatusCode)
		return nil, false
	}

	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes") {
		return nil, false
	}

	result := &Result{
		EffectiveURL:  resp.Request.URL.String(),
		SupportsRange: true,
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		ContentType:   resp.Header.Get("Content-Type"),
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
	}

	if filenameHint != "" {
		result.Filename = filenameHint
	} else if name, _, ferr := filename.Determine(result.EffectiveURL, resp); ferr == nil {
		result.Filename = name
	} else {
		xlog.Debug("filename determination failed: %v", ferr)
		result.Filename = "download.bin"
	}
	return result, true
}

// rangedProbe sends a ranged GET for the first byte to determine whether
// the target supports resumable downloads, making up to probeRetries
// attempts in total when the request fails at the transport level.
func rangedProbe(ctx context.Context, client *http.Client, cfg *config.Config, rawurl string, headers map[string]string, filenameHint string) (*Result, error) {
	var resp *http.Response
	var err error

	for attempt := 0; attempt < probeRetries; attempt++ {
		if attempt > 0 {
			xlog.Debug("probe retry %d for %s", attempt+1, rawurl)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(probeCtx, http.MethodGet, rawurl, nil)
		if reqErr != nil {
			return nil, fmt.Errorf("building probe request: %w", reqErr)
		}
		req.Header.Set("Range", "bytes=0-0")
		setCommonHeaders(req, cfg, headers)

		resp, err = client.Do(req)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("probe failed after %d attempts: %w", probeRetries, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	result := &Result{
		EffectiveURL: resp.Request.URL.String(),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRange = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					result.FileSize, _ = strconv.ParseInt(sizeStr, 10, 64)
				}
			}
		}
	case http.StatusOK:
		result.SupportsRange = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			result.FileSize, _ = strconv.ParseInt(cl, 10, 64)
		}
	default:
		return nil, fmt.Errorf("unexpected probe status: %d", resp.StatusCode)
	}

	name, _, ferr := filename.Determine(result.EffectiveURL, resp)
	if ferr != nil {
		xlog.Debug("filename determination failed: %v", ferr)
		name = "download.bin"
	}
	if filenameHint != "" {
		result.Filename = filenameHint
	} else {
		result.Filename = name
	}

	xlog.Debug("probe %s: size=%d range=%v filename=%s", rawurl, result.FileSize, result.SupportsRange, result.Filename)
	return result, nil
}

// setCommonHeaders layers cfg's default headers, then the per-task
// overrides, onto req, same precedence as chunkworker.Worker.Run.
func setCommonHeaders(req *http.Request, cfg *config.Config, headers map[string]string) {
	req.Header.Set("User-Agent", cfg.GetUserAgent())
	for k, v := range cfg.GetDefaultHeaders() {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
