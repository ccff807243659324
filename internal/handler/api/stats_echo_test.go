package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/service/metrics"
	"BookPulse/internal/service/ratelimit"
	"BookPulse/internal/usecase"
	"BookPulse/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	latest *models.StatsSnapshot
	depthN int
	err    error
}

func (f *fakeSource) ProductID() string             { return "BTC-USD" }
func (f *fakeSource) Latest() *models.StatsSnapshot { return f.latest }
func (f *fakeSource) ModelStatus(context.Context) (models.ModelStatus, error) {
	return models.ModelStatus{State: models.ModelTrained, UpdateSeconds: 6}, f.err
}

func (f *fakeSource) Depth(_ context.Context, n int) (models.Depth, error) {
	f.depthN = n
	return models.Depth{Bids: []models.Quote{{Price: 100, Quantity: 2}}, Asks: []models.Quote{{Price: 101, Quantity: 3}}}, f.err
}

type fakeCache struct{ snap *models.StatsSnapshot }

func (f *fakeCache) Put(context.Context, *models.StatsSnapshot) error { return nil }
func (f *fakeCache) Latest(context.Context, string) (*models.StatsSnapshot, error) {
	return f.snap, nil
}

type fakeStore struct {
	from, to time.Time
	limit    int
	err      error
}

func (f *fakeStore) Init(context.Context) error                                { return nil }
func (f *fakeStore) Store(context.Context, *models.StatsSnapshot) error        { return nil }
func (f *fakeStore) StoreBatch(context.Context, []*models.StatsSnapshot) error { return nil }
func (f *fakeStore) Health(context.Context) error                              { return nil }
func (f *fakeStore) Close() error                                              { return nil }

func (f *fakeStore) Query(_ context.Context, _ string, from, to time.Time, limit int) ([]models.HistoryPoint, error) {
	f.from, f.to, f.limit = from, to, limit
	if f.err != nil {
		return nil, f.err
	}
	return []models.HistoryPoint{{ProductID: "BTC-USD", GeneratedAt: to, Mid: models.Float(100.5)}}, nil
}

func setup(src *fakeSource, opts ...HandlerOption) *echo.Echo {
	opts = append([]HandlerOption{WithNow(func() time.Time { return t0 })}, opts...)
	h := NewStatsEchoHandler(logger.Nop(), src, metrics.NewAPI(prometheus.NewRegistry()), opts...)
	e := echo.New()
	h.RegisterRoutes(e)
	return e
}

func get(e *echo.Echo, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.NoError(t, json.Unmarshal(env.Data, dest))
}

func TestStatsEndpoint(t *testing.T) {
	src := &fakeSource{}
	e := setup(src)
	assert.Equal(t, http.StatusNotFound, get(e, "/api/stats").Code)

	src.latest = &models.StatsSnapshot{ProductID: "BTC-USD", GeneratedAt: t0, Mid: models.Float(100.5)}
	rec := get(e, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.StatsSnapshot
	decodeData(t, rec, &snap)
	assert.Equal(t, 100.5, *snap.Mid)
}

func TestStatsFallsBackToCache(t *testing.T) {
	cached := &models.StatsSnapshot{ProductID: "BTC-USD", GeneratedAt: t0.Add(-time.Minute)}
	e := setup(&fakeSource{}, WithSnapshotCache(&fakeCache{snap: cached}))
	rec := get(e, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.StatsSnapshot
	decodeData(t, rec, &snap)
	assert.True(t, snap.GeneratedAt.Equal(cached.GeneratedAt))
}

func TestBookEndpoint(t *testing.T) {
	src := &fakeSource{}
	e := setup(src)

	rec := get(e, "/api/book")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, src.depthN)

	get(e, "/api/book?depth=3")
	assert.Equal(t, 3, src.depthN)

	assert.Equal(t, http.StatusBadRequest, get(e, "/api/book?depth=51").Code)

	src.err = usecase.ErrEngineStopped
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "/api/book").Code)
}

func TestModelEndpoint(t *testing.T) {
	rec := get(setup(&fakeSource{}), "/api/model")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"trained"`)
	assert.Contains(t, rec.Body.String(), `"update_interval_seconds":6`)

	rec = get(setup(&fakeSource{err: errors.New("boom")}), "/api/model")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	store := &fakeStore{}
	e := setup(&fakeSource{}, WithHistory(store, 10, 1, time.Hour))

	rec := get(e, "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, t0.Add(-15*time.Minute), store.from)
	assert.Equal(t, t0, store.to)
	assert.Equal(t, 100, store.limit)
	var resp models.HistoryResponse
	decodeData(t, rec, &resp)
	require.Len(t, resp.Points, 1)

	rec = get(e, "/api/history?from=2024-03-01T00:00:00Z&to=2024-03-01T06:00:00Z&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC), store.from.UTC(), "span is capped")
	assert.Equal(t, 5, store.limit)

	assert.Equal(t, http.StatusBadRequest, get(e, "/api/history?from=soon").Code)
	assert.Equal(t, http.StatusBadRequest, get(e, "/api/history?limit=5000").Code)

	store.err = errors.New("clickhouse down")
	assert.Equal(t, http.StatusServiceUnavailable, get(e, "/api/history").Code)
}

func TestHistoryRateLimited(t *testing.T) {
	clock := t0
	l := ratelimit.NewWithClock(func() time.Time { return clock })
	e := setup(&fakeSource{}, WithHistory(&fakeStore{}, 2, 1, 0), WithLimiter(l))

	assert.Equal(t, http.StatusOK, get(e, "/api/history").Code)
	assert.Equal(t, http.StatusOK, get(e, "/api/history").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(e, "/api/history").Code)
	clock = clock.Add(time.Second)
	assert.Equal(t, http.StatusOK, get(e, "/api/history").Code)
}

func TestHistoryWithoutStorage(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, get(setup(&fakeSource{}), "/api/history").Code)
}

func TestHealthEndpoint(t *testing.T) {
	ok := func(context.Context) error { return nil }
	e := setup(&fakeSource{}, WithHealthCheck("engine", ok), WithHealthCheck("feed", ok))
	rec := get(e, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var res map[string]string
	decodeData(t, rec, &res)
	assert.Equal(t, map[string]string{"engine": "ok", "feed": "ok"}, res)

	e = setup(&fakeSource{}, WithHealthCheck("feed", func(context.Context) error { return errors.New("disconnected") }))
	rec = get(e, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}
