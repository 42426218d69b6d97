// Package ratelimit implements the per-download token-bucket limiter of
// spec §4.2: a global bytes/sec gate shared by all chunk workers of a
// single File Downloader.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates byte throughput. A zero-value or nil-backed Limiter
// (bytes_per_sec unset) is a no-op pass-through, mirroring the
// nil-safe-default idiom used throughout this codebase's config getters.
type Limiter struct {
	rl *rate.Limiter
}

// New returns a Limiter configured for bytesPerSec with a burst ceiling
// of one second worth of tokens. bytesPerSec <= 0 yields a pass-through
// limiter.
func New(bytesPerSec int64) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{}
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))}
}

// Wait blocks until n bytes worth of tokens are available, or ctx is
// done. A pass-through Limiter returns immediately.
//
// rate.Limiter rejects a single WaitN call for more tokens than its
// burst size, so a buffer larger than the configured bytes/sec (an
// unusual but legal configuration, e.g. a 1 MiB read buffer against a
// 64 KiB/s cap) is drained in burst-sized slices instead of one call.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || l.rl == nil {
		return nil
	}
	burst := l.rl.Burst()
	for n > 0 {
		take := n
		if burst > 0 && take > burst {
			take = burst
		}
		if err := l.rl.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}
