package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/service"
	"BookPulse/internal/forecast"
	"BookPulse/pkg/logger"
	"BookPulse/pkg/metrics"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(p, q string) models.PriceLevel { return models.PriceLevel{Price: d(p), Quantity: d(q)} }

func snapshotMsg(bids, asks []models.PriceLevel) *models.FeedMessage {
	return &models.FeedMessage{Type: models.MsgSnapshot, ProductID: "BTC-USD", Bids: bids, Asks: asks}
}

func deltaMsg(changes ...models.Change) *models.FeedMessage {
	return &models.FeedMessage{Type: models.MsgDelta, ProductID: "BTC-USD", Changes: changes}
}

func change(side, p, q string) models.Change {
	return models.Change{Side: side, Price: d(p), Quantity: d(q)}
}

type fakeModel struct{ last float64 }

// fakeForecaster predicts last+1 and reports a fixed fit.
type fakeForecaster struct {
	fit float64
	err error
}

func (f *fakeForecaster) Train(_ context.Context, s []models.Sample) (service.ModelHandle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeModel{last: s[len(s)-1].Mid}, nil
}

func (f *fakeForecaster) Refresh(_ context.Context, h service.ModelHandle, s []models.Sample) (service.ModelHandle, error) {
	return &fakeModel{last: s[len(s)-1].Mid}, nil
}

func (f *fakeForecaster) Predict(_ context.Context, h service.ModelHandle, _ time.Duration) (float64, error) {
	return h.(*fakeModel).last + 1, nil
}

func (f *fakeForecaster) FitQuality(service.ModelHandle) float64 { return f.fit }

type captureSink struct {
	mu    sync.Mutex
	snaps []*models.StatsSnapshot
}

func (c *captureSink) Emit(s *models.StatsSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.snaps)
}

func newEngine(cfg EngineConfig, f service.Forecaster, opts ...EngineOption) *BookEngine {
	if cfg.ProductID == "" {
		cfg.ProductID = "BTC-USD"
	}
	sched := forecast.NewScheduler(forecast.DefaultSchedulerConfig(), f)
	return NewBookEngine(cfg, sched, logger.Nop(), metrics.Nop{}, opts...)
}

func TestEngineSnapshotReport(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1}, WithSink(sink))

	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3")},
	))
	e.handleReport(context.Background(), at(5))

	snap := e.Latest()
	require.NotNil(t, snap)
	require.Equal(t, 1, sink.count())
	assert.Equal(t, &models.Quote{Price: 100, Quantity: 2}, snap.BestBid)
	assert.Equal(t, &models.Quote{Price: 101, Quantity: 3}, snap.BestAsk)
	require.NotNil(t, snap.Mid)
	assert.Equal(t, 100.5, *snap.Mid)
	require.NotNil(t, snap.MaxSpread)
	assert.Equal(t, 1.0, snap.MaxSpread.Spread)
	assert.Equal(t, at(0), snap.MaxSpread.ObservedAt)
	assert.True(t, snap.Reliable)
	assert.Nil(t, snap.Forecast)
	assert.Equal(t, 60, snap.ForecastHorizon)

	require.Len(t, snap.MidAverages, 3)
	for _, w := range snap.MidAverages {
		require.NotNil(t, w.Value)
		assert.Equal(t, 100.5, *w.Value)
	}
	for _, w := range snap.ForecastErrors {
		assert.Nil(t, w.Value)
	}
	assert.Len(t, snap.Depth.Bids, 1)
	assert.Len(t, snap.Depth.Asks, 1)
}

func TestEngineEmptySideSuppressesSamples(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3")},
	))
	require.Equal(t, 1, e.window.Len())

	e.handleMessage(at(1), deltaMsg(change("buy", "100", "0")))
	e.handleSampleTick(at(2))
	e.handleSampleTick(at(3))
	assert.Equal(t, 1, e.window.Len())

	e.handleReport(context.Background(), at(5))
	snap := e.Latest()
	assert.Nil(t, snap.BestBid)
	assert.Nil(t, snap.Mid)
	assert.NotNil(t, snap.BestAsk)

	e.handleMessage(at(6), deltaMsg(change("buy", "99.5", "1")))
	assert.Equal(t, 2, e.window.Len())
	last, ok := e.window.Latest()
	require.True(t, ok)
	assert.Equal(t, 100.25, last.Mid)
}

func TestEngineQuantityChangeDoesNotSample(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2"), lvl("99", "1")},
		[]models.PriceLevel{lvl("101", "3")},
	))
	e.handleMessage(at(1), deltaMsg(change("buy", "100", "7"), change("buy", "98", "4")))
	assert.Equal(t, 1, e.window.Len())

	e.handleMessage(at(2), deltaMsg(change("sell", "100.5", "1")))
	assert.Equal(t, 2, e.window.Len())
}

func TestEngineDeltaBeforeSnapshotIgnored(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), deltaMsg(change("buy", "100", "1")))
	e.handleSampleTick(at(1))
	bids, asks := e.book.Len()
	assert.Zero(t, bids+asks)
	assert.Zero(t, e.window.Len())
}

func TestEngineIntegrityFaultFlagsOneReport(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3")},
	))
	e.handleMessage(at(1), deltaMsg(
		change("middle", "100", "1"),
		change("buy", "100", "-1"),
		change("buy", "102", "1"),
	))
	e.handleReport(context.Background(), at(5))
	snap := e.Latest()
	assert.False(t, snap.Reliable)
	assert.Equal(t, 3, snap.IntegrityFaults)
	assert.False(t, snap.Crossed)
	assert.Equal(t, 100.0, snap.BestBid.Price)
	assert.Equal(t, 2.0, snap.BestBid.Quantity)

	e.handleReport(context.Background(), at(10))
	assert.True(t, e.Latest().Reliable)
	assert.Zero(t, e.Latest().IntegrityFaults)
}

func TestEngineSamplesOnlyTheFinalStateOfAMessage(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3"), lvl("110", "1")},
	))
	// removing 101 alone would leave a 10 wide spread and a 105 mid
	e.handleMessage(at(1), deltaMsg(change("sell", "101", "0"), change("sell", "100.5", "1")))

	assert.Equal(t, 2, e.window.Len())
	last, ok := e.window.Latest()
	require.True(t, ok)
	assert.Equal(t, 100.25, last.Mid)

	ms, ok := e.window.MaxSpread()
	require.True(t, ok)
	assert.Equal(t, 1.0, ms.Spread)
	assert.Equal(t, at(0), ms.ObservedAt)

	e.handleReport(context.Background(), at(5))
	for _, w := range e.Latest().MidAverages {
		require.NotNil(t, w.Value)
		assert.InDelta(t, 100.375, *w.Value, 1e-9)
	}
}

func TestEngineKeepsMessageThatCrossesOnlyMidway(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3"), lvl("103", "1")},
	))
	e.handleMessage(at(1), deltaMsg(change("buy", "102", "1"), change("sell", "101", "0")))
	e.handleReport(context.Background(), at(5))

	snap := e.Latest()
	assert.True(t, snap.Reliable)
	assert.Zero(t, snap.IntegrityFaults)
	assert.Equal(t, 102.0, snap.BestBid.Price)
	assert.Equal(t, 103.0, snap.BestAsk.Price)
}

func TestEngineNoReportAfterCancel(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1}, WithSink(sink))
	e.handleMessage(at(0), snapshotMsg(
		[]models.PriceLevel{lvl("100", "2")},
		[]models.PriceLevel{lvl("101", "3")},
	))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.handleReport(ctx, at(5))

	assert.Zero(t, sink.count())
	assert.Nil(t, e.Latest())
}

func TestEngineResnapshotKeepsHistoryByDefault(t *testing.T) {
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 1})
	book := snapshotMsg([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")})
	e.handleMessage(at(0), book)
	e.handleSampleTick(at(1))
	e.handleMessage(at(2), snapshotMsg([]models.PriceLevel{lvl("200", "2")}, []models.PriceLevel{lvl("202", "3")}))

	assert.Equal(t, 3, e.window.Len())
	e.handleReport(context.Background(), at(5))
	snap := e.Latest()
	assert.Equal(t, 200.0, snap.BestBid.Price)
	assert.Equal(t, 2.0, snap.MaxSpread.Spread)
	require.NotNil(t, snap.MidAverages[0].Value)
	assert.InDelta(t, (100.5+100.5+201)/3, *snap.MidAverages[0].Value, 1e-9)
}

func TestEngineResnapshotCanResetHistory(t *testing.T) {
	e := newEngine(EngineConfig{ResetHistoryOnResnapshot: true}, &fakeForecaster{fit: 1})
	e.handleMessage(at(0), snapshotMsg([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("103", "3")}))
	e.handleSampleTick(at(1))
	e.tracker.Register(models.PendingForecast{IssuedAt: at(0), TargetTime: at(60), Value: 1})
	e.handleMessage(at(2), snapshotMsg([]models.PriceLevel{lvl("200", "2")}, []models.PriceLevel{lvl("201", "3")}))

	assert.Equal(t, 1, e.window.Len())
	assert.Equal(t, 1, e.tracker.Pending())
	ms, ok := e.window.MaxSpread()
	require.True(t, ok)
	assert.Equal(t, 3.0, ms.Spread)
}

func TestEngineTrainsThenForecasts(t *testing.T) {
	ctx := context.Background()
	e := newEngine(EngineConfig{}, &fakeForecaster{fit: 0.9})
	e.handleMessage(at(0), snapshotMsg([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")}))

	for s := 1; s <= 125; s++ {
		e.handleSampleTick(at(s))
		e.runDue(ctx, at(s))
		if e.sched.Training() {
			assert.Equal(t, 120, s)
			select {
			case res := <-e.trained:
				e.handleTrained(at(s), res)
			case <-time.After(2 * time.Second):
				t.Fatal("training did not finish")
			}
		}
	}
	assert.Equal(t, models.ModelTrained, e.sched.State())
	assert.Zero(t, e.tracker.Pending())

	e.handleSampleTick(at(126))
	e.runDue(ctx, at(126))
	assert.Equal(t, 1, e.tracker.Pending())

	e.handleReport(context.Background(), at(130))
	snap := e.Latest()
	require.NotNil(t, snap.Forecast)
	assert.Equal(t, 101.5, *snap.Forecast)
	assert.True(t, snap.Model.Reliable)
	assert.Equal(t, 1, snap.Model.Pending)
	assert.Equal(t, at(132), *snap.Model.NextUpdateAt)

	// the forecast resolves on the first sample at or after 186s
	for s := 127; s <= 186; s++ {
		e.handleSampleTick(at(s))
	}
	e.handleReport(context.Background(), at(187))
	require.NotNil(t, e.Latest().ForecastErrors[0].Value)
	assert.InDelta(t, 1.0, *e.Latest().ForecastErrors[0].Value, 1e-9)
}

func TestEngineTrainingFailureEscalates(t *testing.T) {
	ctx := context.Background()
	e := newEngine(EngineConfig{}, &fakeForecaster{err: errors.New("flat")})
	e.handleMessage(at(0), snapshotMsg([]models.PriceLevel{lvl("100", "2")}, []models.PriceLevel{lvl("101", "3")}))
	for s := 1; s <= 120; s++ {
		e.handleSampleTick(at(s))
	}
	e.runDue(ctx, at(120))
	require.True(t, e.sched.Training())
	e.handleTrained(at(120), <-e.trained)

	st := e.modelStatus()
	assert.Equal(t, models.ModelUntrained, st.State)
	assert.Equal(t, 1, st.ConsecutivePoorFits)
	assert.Equal(t, 66*time.Second, st.UpdateInterval)
	assert.Equal(t, 180*time.Second, st.RetrainInterval)
}

func TestEngineRunServesQueriesAndReports(t *testing.T) {
	sink := &captureSink{}
	e := newEngine(EngineConfig{ReportInterval: 10 * time.Millisecond, SampleInterval: 5 * time.Millisecond}, &fakeForecaster{fit: 1}, WithSink(sink))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.Submit(ctx, snapshotMsg(
		[]models.PriceLevel{lvl("100", "2"), lvl("99", "1")},
		[]models.PriceLevel{lvl("101", "3")},
	)))
	require.NoError(t, e.Submit(ctx, deltaMsg(change("sell", "100.5", "1"))))

	// queries and feed messages are separate channels, so wait for the delta
	var depth models.Depth
	require.Eventually(t, func() bool {
		var err error
		depth, err = e.Depth(ctx, 5)
		return err == nil && len(depth.Asks) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []models.Quote{{Price: 100, Quantity: 2}, {Price: 99, Quantity: 1}}, depth.Bids)
	assert.Equal(t, []models.Quote{{Price: 100.5, Quantity: 1}, {Price: 101, Quantity: 3}}, depth.Asks)

	st, err := e.ModelStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.ModelUntrained, st.State)

	require.Eventually(t, func() bool { return sink.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.ErrorIs(t, e.Submit(context.Background(), deltaMsg()), ErrEngineStopped)
	_, err = e.Depth(context.Background(), 1)
	assert.ErrorIs(t, err, ErrEngineStopped)
}
