package monitor

import (
	"time"

	"github.com/openfleet/fleetd/internal/metrics"
)

// ring is a bounded sample history for one agent. Oldest entries are
// overwritten once the buffer fills.
type ring struct {
	buf  []metrics.ProcessSample
	next int
	n    int
}

func newRing(size int) *ring {
	if size <= 0 {
		size = 1
	}
	return &ring{buf: make([]metrics.ProcessSample, size)}
}

func (r *ring) push(s metrics.ProcessSample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

// last returns the most recent sample, if any.
func (r *ring) last() (metrics.ProcessSample, bool) {
	if r.n == 0 {
		return metrics.ProcessSample{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

// window returns samples no older than the cutoff, oldest first.
func (r *ring) window(cutoff time.Time) []metrics.ProcessSample {
	out := make([]metrics.ProcessSample, 0, r.n)
	start := (r.next - r.n + len(r.buf)) % len(r.buf)
	for i := 0; i < r.n; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// slope computes (last-first)/elapsedSeconds for the extracted value over the
// given samples. Needs at least two samples spanning a non-zero interval.
func slope(samples []metrics.ProcessSample, value func(metrics.ProcessSample) float64) (float64, bool) {
	if len(samples) < 2 {
		return 0, false
	}
	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return (value(last) - value(first)) / elapsed, true
}
