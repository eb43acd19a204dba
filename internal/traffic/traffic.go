// Package traffic keeps per-second request outcome counts for health reporting.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	Success Outcome = iota
	Error           // 5xx
	Denied          // 429 from the rate limiter
)

// Counts are outcome totals over a span.
type Counts struct {
	Success int
	Error   int
	Denied  int
}

// ErrorRate is errors / (successes + errors). Denials are excluded; zero traffic is rate 0.
func (c Counts) ErrorRate() float64 {
	total := c.Success + c.Error
	if total == 0 {
		return 0
	}
	return float64(c.Error) / float64(total)
}

type bucket struct {
	second int64
	counts Counts
}

// Window is a ring of one-second buckets. Spans longer than its retention are clamped.
// Safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	buckets []bucket
	now     func() time.Time
}

// NewWindow keeps outcomes for retention (rounded up to whole seconds, at least 1s).
func NewWindow(retention time.Duration) *Window {
	n := int((retention + time.Second - 1) / time.Second)
	if n < 1 {
		n = 1
	}
	return &Window{buckets: make([]bucket, n), now: time.Now}
}

// Record counts one outcome in the current second.
func (w *Window) Record(o Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	b := &w.buckets[sec%int64(len(w.buckets))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	switch o {
	case Success:
		b.counts.Success++
	case Error:
		b.counts.Error++
	case Denied:
		b.counts.Denied++
	}
}

// Counts sums outcomes recorded within the last span.
func (w *Window) Counts(span time.Duration) Counts {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now().Unix()
	secs := int64(span / time.Second)
	if max := int64(len(w.buckets)); secs > max {
		secs = max
	}
	oldest := now - secs
	var out Counts
	for _, b := range w.buckets {
		if b.second == 0 || b.second <= oldest || b.second > now {
			continue
		}
		out.Success += b.counts.Success
		out.Error += b.counts.Error
		out.Denied += b.counts.Denied
	}
	return out
}

// Reset clears all buckets.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
