package stats

import (
	"time"

	"BookPulse/internal/domain/models"
)

// Default retention and report windows.
const (
	DefaultRetention = 15 * time.Minute
)

// DefaultWindows are the trailing windows reported for averages and errors.
var DefaultWindows = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}

// SampleWindow holds mid-price samples for the retention span and tracks the
// widest spread seen during the run.
type SampleWindow struct {
	r         *Rolling
	windows   []time.Duration
	maxSpread *models.SpreadObservation
}

// NewSampleWindow returns a window with running sums for each of windows.
func NewSampleWindow(retention time.Duration, windows ...time.Duration) *SampleWindow {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	return &SampleWindow{r: NewRolling(retention, windows...), windows: windows}
}

// Push appends a sample and evicts samples older than newest-retention.
func (w *SampleWindow) Push(s models.Sample) { w.r.Push(s.Time, s.Mid) }

// Advance drains windows up to now without adding a sample.
func (w *SampleWindow) Advance(now time.Time) { w.r.Advance(now) }

// Average returns the mean mid over the trailing window, or false if no
// retained sample qualifies.
func (w *SampleWindow) Average(window time.Duration) (float64, bool) { return w.r.Mean(window) }

// Averages returns every configured window, oldest-first in config order.
func (w *SampleWindow) Averages() []models.WindowValue {
	return WindowValues(w.r, w.windows)
}

// ObserveSpread records a spread; the stored maximum never decreases.
// It reports whether obs became the new maximum.
func (w *SampleWindow) ObserveSpread(obs models.SpreadObservation) bool {
	if w.maxSpread != nil && obs.Spread <= w.maxSpread.Spread {
		return false
	}
	o := obs
	w.maxSpread = &o
	return true
}

// MaxSpread returns the widest spread observed so far.
func (w *SampleWindow) MaxSpread() (models.SpreadObservation, bool) {
	if w.maxSpread == nil {
		return models.SpreadObservation{}, false
	}
	return *w.maxSpread, true
}

// Samples returns a copy of the retained samples, oldest first.
func (w *SampleWindow) Samples() []models.Sample {
	out := make([]models.Sample, 0, w.r.Len())
	w.r.Each(func(t time.Time, v float64) {
		out = append(out, models.Sample{Time: t, Mid: v})
	})
	return out
}

// Latest returns the newest sample.
func (w *SampleWindow) Latest() (models.Sample, bool) {
	t, v, ok := w.r.Newest()
	return models.Sample{Time: t, Mid: v}, ok
}

// HistorySpan is the time covered by retained samples.
func (w *SampleWindow) HistorySpan() time.Duration { return w.r.Span() }

// Len returns the number of retained samples.
func (w *SampleWindow) Len() int { return w.r.Len() }

// Reset drops sample history. The max spread is a run-wide value and stays.
func (w *SampleWindow) Reset() { w.r.Reset() }

// WindowValues evaluates r.Mean for each span.
func WindowValues(r *Rolling, windows []time.Duration) []models.WindowValue {
	out := make([]models.WindowValue, 0, len(windows))
	for _, span := range windows {
		wv := models.WindowValue{Window: span, Seconds: int(span / time.Second)}
		if v, ok := r.Mean(span); ok {
			wv.Value = models.Float(v)
		}
		out = append(out, wv)
	}
	return out
}
