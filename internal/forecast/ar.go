package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/service"
)

var (
	ErrInsufficientHistory  = errors.New("forecast: insufficient history")
	ErrInsufficientVariance = errors.New("forecast: insufficient variance")
	ErrUnknownModel         = errors.New("forecast: unknown model handle")
)

// ridge is the relative diagonal load added to the normal equations.
const ridge = 1e-6

// ARForecaster fits an autoregressive model of the given order to the first
// differences of the mid series, resampled onto a fixed grid with forward
// fill. Fit quality is the in-sample R² of one-step-ahead level predictions.
type ARForecaster struct {
	order int
	step  time.Duration
}

// NewARForecaster returns a forecaster of the given order on a step grid.
func NewARForecaster(order int, step time.Duration) *ARForecaster {
	if order <= 0 {
		order = 5
	}
	if step <= 0 {
		step = time.Second
	}
	return &ARForecaster{order: order, step: step}
}

type arModel struct {
	coef     []float64 // coef[j] weighs the diff j+1 steps back
	drift    float64   // mean diff
	tail     []float64 // last order diffs, oldest first
	level    float64
	lastTime time.Time
	step     time.Duration
	fit      float64
}

func (m *arModel) clone() *arModel {
	c := *m
	c.tail = append([]float64(nil), m.tail...)
	return &c
}

// Train fits a fresh model on samples.
func (f *ARForecaster) Train(_ context.Context, samples []models.Sample) (service.ModelHandle, error) {
	grid, last := Resample(samples, f.step)
	p := f.order
	if len(grid) < 3*p+2 {
		return nil, fmt.Errorf("%w: %d grid points for order %d", ErrInsufficientHistory, len(grid), p)
	}

	diffs := make([]float64, len(grid)-1)
	drift := 0.0
	for i := range diffs {
		diffs[i] = grid[i+1] - grid[i]
		drift += diffs[i]
	}
	drift /= float64(len(diffs))

	// normal equations for x[t] = sum_j coef[j] * x[t-j-1] on centered diffs
	xtx := make([][]float64, p)
	for i := range xtx {
		xtx[i] = make([]float64, p)
	}
	xty := make([]float64, p)
	for t := p; t < len(diffs); t++ {
		y := diffs[t] - drift
		for i := 0; i < p; i++ {
			xi := diffs[t-i-1] - drift
			xty[i] += xi * y
			for j := 0; j < p; j++ {
				xtx[i][j] += xi * (diffs[t-j-1] - drift)
			}
		}
	}
	trace := 0.0
	for i := 0; i < p; i++ {
		trace += xtx[i][i]
	}
	load := ridge*trace/float64(p) + 1e-12
	for i := 0; i < p; i++ {
		xtx[i][i] += load
	}
	coef, err := solve(xtx, xty)
	if err != nil {
		return nil, err
	}

	m := &arModel{
		coef:     coef,
		drift:    drift,
		tail:     append([]float64(nil), diffs[len(diffs)-p:]...),
		level:    grid[len(grid)-1],
		lastTime: last,
		step:     f.step,
	}

	// in-sample one-step level predictions
	mean := 0.0
	for _, v := range grid[p+1:] {
		mean += v
	}
	mean /= float64(len(grid) - p - 1)
	var ssRes, ssTot float64
	for t := p; t < len(diffs); t++ {
		pred := grid[t] + m.step1(diffs[t-p:t])
		actual := grid[t+1]
		ssRes += (actual - pred) * (actual - pred)
		ssTot += (actual - mean) * (actual - mean)
	}
	if ssTot <= 1e-18 {
		return nil, ErrInsufficientVariance
	}
	m.fit = 1 - ssRes/ssTot
	return m, nil
}

// step1 predicts the next diff from the previous order diffs, oldest first.
func (m *arModel) step1(hist []float64) float64 {
	d := m.drift
	n := len(hist)
	for j, c := range m.coef {
		d += c * (hist[n-j-1] - m.drift)
	}
	return d
}

// Refresh rolls the model state forward over samples newer than its last
// grid point. Coefficients are unchanged.
func (f *ARForecaster) Refresh(_ context.Context, h service.ModelHandle, samples []models.Sample) (service.ModelHandle, error) {
	m, ok := h.(*arModel)
	if !ok || m == nil {
		return nil, ErrUnknownModel
	}
	next := m.clone()
	i := 0
	for g := m.lastTime.Add(m.step); len(samples) > 0 && !g.After(samples[len(samples)-1].Time); g = g.Add(m.step) {
		v := next.level
		for i < len(samples) && !samples[i].Time.After(g) {
			v = samples[i].Mid
			i++
		}
		next.tail = append(next.tail[1:], v-next.level)
		next.level = v
		next.lastTime = g
	}
	return next, nil
}

// Predict iterates the recursion horizon/step grid steps past the last
// observed point and returns the resulting level.
func (f *ARForecaster) Predict(_ context.Context, h service.ModelHandle, horizon time.Duration) (float64, error) {
	m, ok := h.(*arModel)
	if !ok || m == nil {
		return 0, ErrUnknownModel
	}
	steps := int(math.Ceil(float64(horizon) / float64(m.step)))
	if steps < 1 {
		steps = 1
	}
	hist := append([]float64(nil), m.tail...)
	level := m.level
	for k := 0; k < steps; k++ {
		d := m.step1(hist)
		level += d
		hist = append(hist[1:], d)
	}
	return level, nil
}

// FitQuality returns the in-sample R², or -Inf for an unknown handle.
func (f *ARForecaster) FitQuality(h service.ModelHandle) float64 {
	m, ok := h.(*arModel)
	if !ok || m == nil {
		return math.Inf(-1)
	}
	return m.fit
}

// Resample maps samples (oldest first) onto a grid starting at the first
// sample with the given step, forward filling gaps. It returns the grid
// values and the time of the last grid point.
func Resample(samples []models.Sample, step time.Duration) ([]float64, time.Time) {
	if len(samples) == 0 || step <= 0 {
		return nil, time.Time{}
	}
	start := samples[0].Time
	end := samples[len(samples)-1].Time
	n := int(end.Sub(start)/step) + 1
	out := make([]float64, 0, n)
	i := 0
	v := samples[0].Mid
	g := start
	for k := 0; k < n; k++ {
		g = start.Add(time.Duration(k) * step)
		for i < len(samples) && !samples[i].Time.After(g) {
			v = samples[i].Mid
			i++
		}
		out = append(out, v)
	}
	return out, g
}

// solve runs Gaussian elimination with partial pivoting on a copy of a.
func solve(a [][]float64, b []float64) ([]float64, error) {
	n := len(b)
	m := make([][]float64, n)
	for i := range a {
		m[i] = append(append([]float64(nil), a[i]...), b[i])
	}
	for col := 0; col < n; col++ {
		piv := col
		for r := col + 1; r < n; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[piv][col]) {
				piv = r
			}
		}
		if math.Abs(m[piv][col]) < 1e-15 {
			return nil, fmt.Errorf("%w: singular system", ErrInsufficientVariance)
		}
		m[col], m[piv] = m[piv], m[col]
		for r := col + 1; r < n; r++ {
			k := m[r][col] / m[col][col]
			for c := col; c <= n; c++ {
				m[r][c] -= k * m[col][c]
			}
		}
	}
	x := make([]float64, n)
	for r := n - 1; r >= 0; r-- {
		s := m[r][n]
		for c := r + 1; c < n; c++ {
			s -= m[r][c] * x[c]
		}
		x[r] = s / m[r][r]
	}
	return x, nil
}

var _ service.Forecaster = (*ARForecaster)(nil)
