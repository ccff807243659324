package forecast

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"BookPulse/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResampleForwardFills(t *testing.T) {
	samples := []models.Sample{
		{Time: at(0), Mid: 1},
		{Time: at(0).Add(300 * time.Millisecond), Mid: 2},
		{Time: at(3), Mid: 5},
	}
	grid, last := Resample(samples, time.Second)
	assert.Equal(t, []float64{1, 2, 2, 5}, grid)
	assert.Equal(t, at(3), last)

	grid, _ = Resample(nil, time.Second)
	assert.Empty(t, grid)
}

func TestARRejectsShortAndFlatSeries(t *testing.T) {
	f := NewARForecaster(5, time.Second)
	ctx := context.Background()

	_, err := f.Train(ctx, series(0, 5))
	assert.ErrorIs(t, err, ErrInsufficientHistory)

	flat := make([]models.Sample, 0, 200)
	for i := 0; i < 200; i++ {
		flat = append(flat, models.Sample{Time: at(i), Mid: 100})
	}
	_, err = f.Train(ctx, flat)
	assert.ErrorIs(t, err, ErrInsufficientVariance)
}

func TestARFollowsTrend(t *testing.T) {
	f := NewARForecaster(5, time.Second)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))

	samples := make([]models.Sample, 0, 300)
	for i := 0; i < 300; i++ {
		samples = append(samples, models.Sample{Time: at(i), Mid: 100 + 0.5*float64(i) + rng.NormFloat64()*0.05})
	}
	h, err := f.Train(ctx, samples)
	require.NoError(t, err)
	assert.Greater(t, f.FitQuality(h), 0.9)

	v, err := f.Predict(ctx, h, time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 100+0.5*359, v, 2.0)
}

func TestARNoiseFitsPoorly(t *testing.T) {
	f := NewARForecaster(5, time.Second)
	rng := rand.New(rand.NewSource(5))
	samples := make([]models.Sample, 0, 600)
	for i := 0; i < 600; i++ {
		samples = append(samples, models.Sample{Time: at(i), Mid: 100 + rng.NormFloat64()})
	}
	h, err := f.Train(context.Background(), samples)
	require.NoError(t, err)
	assert.Less(t, f.FitQuality(h), 0.5)
}

func TestARRefreshAdvancesState(t *testing.T) {
	f := NewARForecaster(2, time.Second)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	samples := make([]models.Sample, 0, 200)
	for i := 0; i < 200; i++ {
		samples = append(samples, models.Sample{Time: at(i), Mid: 50 + float64(i) + rng.NormFloat64()*0.01})
	}
	h, err := f.Train(ctx, samples[:100])
	require.NoError(t, err)
	before, err := f.Predict(ctx, h, time.Second)
	require.NoError(t, err)

	h2, err := f.Refresh(ctx, h, samples[100:])
	require.NoError(t, err)
	after, err := f.Predict(ctx, h2, time.Second)
	require.NoError(t, err)

	assert.InDelta(t, 150, before, 0.5)
	assert.InDelta(t, 250, after, 0.5)
	assert.Equal(t, f.FitQuality(h), f.FitQuality(h2))

	// the original handle is untouched
	again, _ := f.Predict(ctx, h, time.Second)
	assert.Equal(t, before, again)
}

func TestARUnknownHandle(t *testing.T) {
	f := NewARForecaster(5, time.Second)
	_, err := f.Predict(context.Background(), "nope", time.Minute)
	assert.ErrorIs(t, err, ErrUnknownModel)
	_, err = f.Refresh(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrUnknownModel)
	assert.True(t, math.IsInf(f.FitQuality(42), -1))
}
