package forecast

import (
	"sort"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/stats"
)

// Tracker holds outstanding predictions until a sample at or past their
// target time arrives, then folds the absolute error into rolling windows.
type Tracker struct {
	pending    []models.PendingForecast // ordered by TargetTime
	errs       *stats.Rolling
	windows    []time.Duration
	grace      time.Duration
	maxPending int

	resolved uint64
	expired  uint64
	dropped  uint64
}

// NewTracker returns a tracker that discards predictions left unresolved
// for grace past their target and keeps at most maxPending outstanding.
func NewTracker(grace time.Duration, maxPending int, retention time.Duration, windows ...time.Duration) *Tracker {
	if len(windows) == 0 {
		windows = stats.DefaultWindows
	}
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &Tracker{
		errs:       stats.NewRolling(retention, windows...),
		windows:    windows,
		grace:      grace,
		maxPending: maxPending,
	}
}

// Register adds a prediction. A prediction with the same target time as an
// outstanding one replaces it. When the pending set is full the prediction
// with the earliest target is dropped.
func (t *Tracker) Register(p models.PendingForecast) {
	i := sort.Search(len(t.pending), func(i int) bool {
		return !t.pending[i].TargetTime.Before(p.TargetTime)
	})
	if i < len(t.pending) && t.pending[i].TargetTime.Equal(p.TargetTime) {
		t.pending[i] = p
		return
	}
	t.pending = append(t.pending, models.PendingForecast{})
	copy(t.pending[i+1:], t.pending[i:])
	t.pending[i] = p

	if over := len(t.pending) - t.maxPending; over > 0 {
		t.pending = append(t.pending[:0], t.pending[over:]...)
		t.dropped += uint64(over)
	}
}

// Observe resolves every pending prediction whose target is at or before
// the sample time. Predictions already past their grace window are
// discarded instead. Each prediction leaves the pending set exactly once.
func (t *Tracker) Observe(s models.Sample) []models.ErrorRecord {
	n := sort.Search(len(t.pending), func(i int) bool {
		return t.pending[i].TargetTime.After(s.Time)
	})
	if n == 0 {
		return nil
	}
	var out []models.ErrorRecord
	for _, p := range t.pending[:n] {
		if s.Time.Sub(p.TargetTime) > t.grace {
			t.expired++
			continue
		}
		diff := p.Value - s.Mid
		if diff < 0 {
			diff = -diff
		}
		rec := models.ErrorRecord{ResolvedAt: s.Time, AbsoluteError: diff}
		t.errs.Push(rec.ResolvedAt, rec.AbsoluteError)
		out = append(out, rec)
		t.resolved++
	}
	t.pending = append(t.pending[:0], t.pending[n:]...)
	return out
}

// Expire drops predictions whose grace window closed before now and
// advances the error windows. It returns how many were dropped.
func (t *Tracker) Expire(now time.Time) int {
	cutoff := now.Add(-t.grace)
	n := sort.Search(len(t.pending), func(i int) bool {
		return !t.pending[i].TargetTime.Before(cutoff)
	})
	if n > 0 {
		t.pending = append(t.pending[:0], t.pending[n:]...)
		t.expired += uint64(n)
	}
	t.errs.Advance(now)
	return n
}

// RollingError returns the mean absolute error over the trailing window.
func (t *Tracker) RollingError(window time.Duration) (float64, bool) { return t.errs.Mean(window) }

// RollingErrors returns the mean absolute error for every configured window.
func (t *Tracker) RollingErrors() []models.WindowValue { return stats.WindowValues(t.errs, t.windows) }

// Pending returns the number of outstanding predictions.
func (t *Tracker) Pending() int { return len(t.pending) }

// Counters returns lifetime resolved, expired and dropped counts.
func (t *Tracker) Counters() (resolved, expired, dropped uint64) {
	return t.resolved, t.expired, t.dropped
}
