package server

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/forecast"
	"BookPulse/internal/usecase"
	"BookPulse/pkg/config"
	"BookPulse/pkg/logger"
	"BookPulse/pkg/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type idleStream struct{ connected atomic.Bool }

func (s *idleStream) Connect(context.Context) error   { s.connected.Store(true); return nil }
func (s *idleStream) Subscribe(context.Context) error { return nil }
func (s *idleStream) Reconnect(context.Context) error { return nil }
func (s *idleStream) Close() error                    { s.connected.Store(false); return nil }
func (s *idleStream) IsConnected() bool               { return s.connected.Load() }

func (s *idleStream) Read(ctx context.Context) (<-chan models.RawFrame, <-chan error) {
	frames := make(chan models.RawFrame)
	errs := make(chan error)
	go func() {
		<-ctx.Done()
		close(frames)
		close(errs)
	}()
	return frames, errs
}

type countingCloser struct{ n *atomic.Int32 }

func (c countingCloser) Close() error { c.n.Add(1); return nil }

func newEngine(t *testing.T) (*usecase.BookEngine, *usecase.StatsReporter) {
	t.Helper()
	rep := usecase.NewStatsReporter(logger.Nop(), metrics.Nop{}, nil)
	sched := forecast.NewScheduler(forecast.DefaultSchedulerConfig(), forecast.NewARForecaster(5, time.Second))
	eng := usecase.NewBookEngine(usecase.EngineConfig{ProductID: "BTC-USD"}, sched, logger.Nop(), metrics.Nop{}, usecase.WithSink(rep))
	return eng, rep
}

func TestAppRunsUntilCancelled(t *testing.T) {
	eng, rep := newEngine(t)
	stream := &idleStream{}
	router := usecase.NewFrameRouter(func([]byte) (*models.FeedMessage, error) { return &models.FeedMessage{}, nil }, eng, logger.Nop(), metrics.Nop{})
	collector := usecase.NewFeedCollector(stream, router, metrics.Nop{}, logger.Nop(), nil)

	var closed atomic.Int32
	app := New(config.Default(), logger.Nop(), Components{
		Engine:    eng,
		Reporter:  rep,
		Collector: collector,
		Closers:   []NamedCloser{{Name: "a", Closer: countingCloser{&closed}}, {Name: "b", Closer: countingCloser{&closed}}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	require.Eventually(t, stream.IsConnected, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.False(t, stream.IsConnected())
	assert.Equal(t, int32(2), closed.Load())

	_, err := eng.ModelStatus(context.Background())
	assert.ErrorIs(t, err, usecase.ErrEngineStopped)
}

func TestAppRequiresFeedSource(t *testing.T) {
	eng, rep := newEngine(t)
	app := New(config.Default(), logger.Nop(), Components{Engine: eng, Reporter: rep})
	err := app.Run(context.Background())
	assert.ErrorContains(t, err, "no feed source")
}

func TestAppFailsOnEmptyDirArchive(t *testing.T) {
	eng, rep := newEngine(t)
	router := usecase.NewFrameRouter(func([]byte) (*models.FeedMessage, error) { return nil, nil }, eng, logger.Nop(), metrics.Nop{})
	empty := func(string) ([]models.RawFrame, error) { return nil, nil }
	app := New(config.Default(), logger.Nop(), Components{
		Engine:    eng,
		Reporter:  rep,
		DirReplay: usecase.NewDirReplay("./cache", empty, router, logger.Nop()),
	})
	err := app.Run(context.Background())
	assert.ErrorContains(t, err, "directory replay: no archived frames in ./cache")
}
