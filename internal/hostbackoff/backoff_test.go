package hostbackoff

import (
	"net/http"
	"testing"
	"time"
)

func TestBackoff_Handle429_RetryAfterSeconds(t *testing.T) {
	b := New("example.com")
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"2"}}}

	wait := b.Handle429(resp)
	if wait < 1500*time.Millisecond || wait > 2500*time.Millisecond {
		t.Errorf("wait = %v, want ~2s", wait)
	}
	if !b.IsBlocked() {
		t.Error("expected blocked after 429")
	}
}

func TestBackoff_ExponentialWithoutRetryAfter(t *testing.T) {
	b := New("example.com")
	resp := &http.Response{Header: http.Header{}}

	w1 := b.Handle429(resp)
	w2 := b.Handle429(resp)
	if w2 <= w1 {
		t.Errorf("expected backoff to grow, got w1=%v w2=%v", w1, w2)
	}
}

func TestBackoff_ReportSuccessResets(t *testing.T) {
	b := New("example.com")
	resp := &http.Response{Header: http.Header{}}
	b.Handle429(resp)
	b.Handle429(resp)
	b.ReportSuccess()

	w := b.Handle429(resp)
	if w < 700*time.Millisecond || w > 1300*time.Millisecond {
		t.Errorf("expected fresh ~1s backoff after reset, got %v", w)
	}
}

func TestGet_SharesStatePerHost(t *testing.T) {
	a := Get("shared.example.com")
	b := Get("shared.example.com")
	if a != b {
		t.Error("expected same *Backoff instance for the same host")
	}
}
