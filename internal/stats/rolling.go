// Package stats holds the windowed aggregates behind the live report: a
// bounded rolling buffer with incremental per-window sums, and the mid-price
// sample window built on it.
package stats

import (
	"sort"
	"time"
)

// compactMin is the dead-prefix length that triggers buffer compaction.
const compactMin = 256

type point struct {
	t time.Time
	v float64
}

type window struct {
	span  time.Duration
	start int // absolute index into points of the first point inside the window
	sum   float64
}

// Rolling keeps timestamped values for a bounded retention span. Registered
// windows keep a running sum that is adjusted on insert and eviction, so a
// mean over any of them is O(1). Time never moves backwards: a value stamped
// earlier than the current watermark is treated as arriving at the watermark.
type Rolling struct {
	retention time.Duration
	points    []point
	head      int
	watermark time.Time
	windows   []*window
}

// NewRolling returns a buffer retaining retention worth of values with
// running sums for each of spans. Spans longer than retention are clamped.
func NewRolling(retention time.Duration, spans ...time.Duration) *Rolling {
	r := &Rolling{retention: retention}
	for _, s := range spans {
		if s > retention {
			s = retention
		}
		if r.find(s) == nil {
			r.windows = append(r.windows, &window{span: s})
		}
	}
	return r
}

func (r *Rolling) find(span time.Duration) *window {
	for _, w := range r.windows {
		if w.span == span {
			return w
		}
	}
	return nil
}

// Push appends a value and evicts everything that fell out of retention.
func (r *Rolling) Push(t time.Time, v float64) {
	if t.Before(r.watermark) {
		t = r.watermark
	}
	r.points = append(r.points, point{t: t, v: v})
	for _, w := range r.windows {
		w.sum += v
	}
	r.advance(t)
}

// Advance moves the watermark forward to now without adding a value, so
// windows drain while no data arrives. Earlier times are ignored.
func (r *Rolling) Advance(now time.Time) {
	if now.Before(r.watermark) {
		return
	}
	r.advance(now)
}

func (r *Rolling) advance(now time.Time) {
	r.watermark = now
	cutoff := now.Add(-r.retention)
	for r.head < len(r.points) && r.points[r.head].t.Before(cutoff) {
		r.head++
	}
	for _, w := range r.windows {
		if w.start < r.head {
			for i := w.start; i < r.head; i++ {
				w.sum -= r.points[i].v
			}
			w.start = r.head
		}
		wc := now.Add(-w.span)
		for w.start < len(r.points) && r.points[w.start].t.Before(wc) {
			w.sum -= r.points[w.start].v
			w.start++
		}
		if w.start == len(r.points) {
			w.sum = 0
		}
	}
	if r.head >= compactMin && r.head*2 >= len(r.points) {
		r.compact()
	}
}

// compact drops the evicted prefix and re-sums every window exactly, which
// also clears accumulated floating point drift.
func (r *Rolling) compact() {
	n := copy(r.points, r.points[r.head:])
	for i := n; i < len(r.points); i++ {
		r.points[i] = point{}
	}
	r.points = r.points[:n]
	for _, w := range r.windows {
		w.start -= r.head
		w.sum = 0
		for i := w.start; i < n; i++ {
			w.sum += r.points[i].v
		}
	}
	r.head = 0
}

// Mean returns the arithmetic mean of values stamped at or after
// watermark-span. Unregistered spans fall back to a scan.
func (r *Rolling) Mean(span time.Duration) (float64, bool) {
	if span > r.retention {
		span = r.retention
	}
	if w := r.find(span); w != nil {
		n := len(r.points) - w.start
		if n == 0 {
			return 0, false
		}
		return w.sum / float64(n), true
	}
	live := r.points[r.head:]
	cutoff := r.watermark.Add(-span)
	i := sort.Search(len(live), func(i int) bool { return !live[i].t.Before(cutoff) })
	if i == len(live) {
		return 0, false
	}
	sum := 0.0
	for _, p := range live[i:] {
		sum += p.v
	}
	return sum / float64(len(live)-i), true
}

// Count returns the number of values inside span.
func (r *Rolling) Count(span time.Duration) int {
	if w := r.find(span); w != nil {
		return len(r.points) - w.start
	}
	live := r.points[r.head:]
	cutoff := r.watermark.Add(-span)
	i := sort.Search(len(live), func(i int) bool { return !live[i].t.Before(cutoff) })
	return len(live) - i
}

// Len returns the number of retained values.
func (r *Rolling) Len() int { return len(r.points) - r.head }

// Oldest returns the time of the oldest retained value.
func (r *Rolling) Oldest() (time.Time, bool) {
	if r.Len() == 0 {
		return time.Time{}, false
	}
	return r.points[r.head].t, true
}

// Newest returns the most recent value.
func (r *Rolling) Newest() (time.Time, float64, bool) {
	if r.Len() == 0 {
		return time.Time{}, 0, false
	}
	p := r.points[len(r.points)-1]
	return p.t, p.v, true
}

// Watermark returns the latest time seen by Push or Advance.
func (r *Rolling) Watermark() time.Time { return r.watermark }

// Span returns the time covered by retained values.
func (r *Rolling) Span() time.Duration {
	oldest, ok := r.Oldest()
	if !ok {
		return 0
	}
	newest, _, _ := r.Newest()
	return newest.Sub(oldest)
}

// Each visits retained values oldest first.
func (r *Rolling) Each(fn func(t time.Time, v float64)) {
	for _, p := range r.points[r.head:] {
		fn(p.t, p.v)
	}
}

// Reset drops every value. The watermark is kept so time stays monotonic.
func (r *Rolling) Reset() {
	r.points = r.points[:0]
	r.head = 0
	for _, w := range r.windows {
		w.start = 0
		w.sum = 0
	}
}
