// Package speed implements the rolling-window speed/ETA estimator of
// spec §4.3.
package speed

import (
	"sync"
	"time"
)

// Estimator tracks instantaneous and lifetime average throughput for a
// single download.
type Estimator struct {
	mu sync.Mutex

	start          time.Time
	startBytes     int64
	windowStart    time.Time
	windowBytes    int64
	lastSampleTime time.Time
	instantRate    float64
}

// New creates an Estimator whose lifetime window starts now, having
// already transferred startBytes (e.g. on resume).
func New(startBytes int64) *Estimator {
	now := time.Now()
	return &Estimator{
		start:       now,
		startBytes:  startBytes,
		windowStart: now,
	}
}

// minWindow is the minimum elapsed time before a sample is trusted,
// avoiding division noise on very frequent updates (spec §4.3).
const minWindow = 100 * time.Millisecond

// Update records that `downloaded` total bytes have now been observed
// and recomputes the instantaneous rate if at least minWindow has
// elapsed since the last sample.
func (e *Estimator) Update(downloaded int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.lastSampleTime.IsZero() {
		e.lastSampleTime = now
		e.windowStart = now
		e.windowBytes = downloaded - e.startBytes
		return
	}

	elapsed := now.Sub(e.windowStart)
	if elapsed < minWindow {
		return
	}

	delta := downloaded - e.startBytes - e.windowBytes
	e.instantRate = float64(delta) / elapsed.Seconds()

	e.windowBytes = downloaded - e.startBytes
	e.windowStart = now
	e.lastSampleTime = now
}

// Rate returns the most recent instantaneous rate in bytes/sec.
func (e *Estimator) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instantRate
}

// AverageRate returns the lifetime average rate in bytes/sec.
func (e *Estimator) AverageRate(downloaded int64) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := time.Since(e.start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(downloaded-e.startBytes) / elapsed
}

// ETA returns the estimated remaining time given total and downloaded
// bytes, or ok=false when total is unknown or the instantaneous rate is
// zero (spec §4.3).
func (e *Estimator) ETA(total, downloaded int64) (eta time.Duration, ok bool) {
	if total <= 0 {
		return 0, false
	}
	rate := e.Rate()
	if rate <= 0 {
		return 0, false
	}
	remaining := total - downloaded
	if remaining < 0 {
		remaining = 0
	}
	seconds := float64(remaining) / rate
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds * float64(time.Second)), true
}
