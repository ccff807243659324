package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	models "BookPulse/internal/domain/models"
	domrepo "BookPulse/internal/domain/repository"
	"BookPulse/internal/service/metrics"
	"BookPulse/internal/service/ratelimit"
	"BookPulse/internal/usecase"
	xhttp "BookPulse/pkg/http"
	xlogger "BookPulse/pkg/logger"
	"BookPulse/pkg/util"

	"github.com/labstack/echo/v4"
)

// StatsSource is the engine as seen by the API.
type StatsSource interface {
	ProductID() string
	Latest() *models.StatsSnapshot
	Depth(ctx context.Context, n int) (models.Depth, error)
	ModelStatus(ctx context.Context) (models.ModelStatus, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// StatsEchoHandler serves the latest statistics and stored history.
type StatsEchoHandler struct {
	logger  *xlogger.Logger
	source  StatsSource
	cache   domrepo.SnapshotCache
	store   domrepo.Storage
	checks  map[string]HealthCheck
	rl      *ratelimit.Limiter
	metrics *metrics.API
	now     func() time.Time

	historyBurst float64
	historyRate  float64
	maxSpan      time.Duration
}

// HandlerOption configures StatsEchoHandler.
type HandlerOption func(*StatsEchoHandler)

// WithSnapshotCache serves /api/stats from the cache until the engine has a report.
func WithSnapshotCache(c domrepo.SnapshotCache) HandlerOption {
	return func(h *StatsEchoHandler) { h.cache = c }
}

// WithHistory enables /api/history on store.
func WithHistory(store domrepo.Storage, burst, perSecond float64, maxSpan time.Duration) HandlerOption {
	return func(h *StatsEchoHandler) {
		h.store = store
		if burst > 0 {
			h.historyBurst = burst
		}
		if perSecond > 0 {
			h.historyRate = perSecond
		}
		if maxSpan > 0 {
			h.maxSpan = maxSpan
		}
	}
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthCheck) HandlerOption {
	return func(h *StatsEchoHandler) { h.checks[name] = check }
}

// WithLimiter replaces the history rate limiter.
func WithLimiter(l *ratelimit.Limiter) HandlerOption {
	return func(h *StatsEchoHandler) { h.rl = l }
}

// WithNow replaces the clock used for default history ranges.
func WithNow(now func() time.Time) HandlerOption {
	return func(h *StatsEchoHandler) { h.now = now }
}

func NewStatsEchoHandler(logger *xlogger.Logger, source StatsSource, m *metrics.API, opts ...HandlerOption) *StatsEchoHandler {
	h := &StatsEchoHandler{
		logger:       logger,
		source:       source,
		checks:       make(map[string]HealthCheck),
		rl:           ratelimit.New(),
		metrics:      m,
		now:          time.Now,
		historyBurst: 5,
		historyRate:  1,
		maxSpan:      24 * time.Hour,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *StatsEchoHandler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api")
	g.GET("/stats", h.Stats)
	g.GET("/book", h.Book)
	g.GET("/model", h.Model)
	g.GET("/history", h.History)
	e.GET("/health", h.Health)
}

func (h *StatsEchoHandler) observe(endpoint string, start time.Time, err error) {
	h.metrics.Latency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.Errors.WithLabelValues(endpoint).Inc()
	}
}

// Stats returns the latest report.
func (h *StatsEchoHandler) Stats(c echo.Context) error {
	start := time.Now()
	snap := h.source.Latest()
	var err error
	if snap == nil && h.cache != nil {
		snap, err = h.cache.Latest(c.Request().Context(), h.source.ProductID())
		if err != nil {
			h.logger.Warn("snapshot cache read failed", xlogger.Error(err))
		}
	}
	h.observe("stats", start, err)
	if snap == nil {
		return xhttp.AppErrorResponse(c, xhttp.NotFoundError("no report generated yet"))
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	return xhttp.SuccessResponse(c, snap)
}

// Book returns the top levels of both sides.
func (h *StatsEchoHandler) Book(c echo.Context) error {
	start := time.Now()
	req := &models.BookRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	depth, err := h.source.Depth(c.Request().Context(), req.Depth)
	h.observe("book", start, err)
	if err != nil {
		return h.engineError(c, "book", err)
	}
	return xhttp.SuccessResponse(c, map[string]interface{}{
		"product_id": h.source.ProductID(),
		"bids":       depth.Bids,
		"asks":       depth.Asks,
	})
}

// Model returns the forecast scheduler status.
func (h *StatsEchoHandler) Model(c echo.Context) error {
	start := time.Now()
	st, err := h.source.ModelStatus(c.Request().Context())
	h.observe("model", start, err)
	if err != nil {
		return h.engineError(c, "model", err)
	}
	return xhttp.SuccessResponse(c, st)
}

// History returns stored reports, newest first.
func (h *StatsEchoHandler) History(c echo.Context) error {
	start := time.Now()
	if !h.rl.Allow(c.RealIP(), h.historyBurst, h.historyRate) {
		h.metrics.Limited.WithLabelValues("history").Inc()
		return xhttp.AppErrorResponse(c, xhttp.TooManyRequestsError("history rate limit exceeded"))
	}
	if h.store == nil {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("history storage is not configured"))
	}

	req := &models.HistoryRequest{}
	if verr := xhttp.ReadAndValidateRequest(c, req); verr != nil {
		return xhttp.BadRequestResponse(c, verr)
	}
	now := h.now().UTC()
	to := now
	if req.To != "" {
		t, ok := util.ParseTime(req.To)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("to", "to must be RFC3339 or unix time"))
		}
		to = t
	}
	from := to.Add(-15 * time.Minute)
	if req.From != "" {
		t, ok := util.ParseTime(req.From)
		if !ok {
			return xhttp.AppErrorResponse(c, xhttp.BadRequestErrorf("from", "from must be RFC3339 or unix time"))
		}
		from = t
	}
	from, to = util.NormalizeRange(from, to, h.maxSpan)

	points, err := h.store.Query(c.Request().Context(), h.source.ProductID(), from, to, req.Limit)
	h.observe("history", start, err)
	if err != nil {
		h.logger.Error("history query failed", xlogger.Error(err))
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("history query failed").WithError(err))
	}
	if points == nil {
		points = []models.HistoryPoint{}
	}
	return xhttp.SuccessResponse(c, models.HistoryResponse{
		ProductID: h.source.ProductID(),
		From:      from,
		To:        to,
		Points:    points,
	})
}

// Health reports each dependency; any failure turns the response into 503.
func (h *StatsEchoHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	result := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	return xhttp.DataResponse(c, status, result)
}

func (h *StatsEchoHandler) engineError(c echo.Context, endpoint string, err error) error {
	if errors.Is(err, usecase.ErrEngineStopped) {
		return xhttp.AppErrorResponse(c, xhttp.UnavailableError("engine stopped"))
	}
	h.logger.Error(endpoint+" request failed", xlogger.Error(err))
	return xhttp.InternalServerErrorResponse(c)
}
