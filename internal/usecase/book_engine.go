package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
	"BookPulse/internal/forecast"
	"BookPulse/internal/orderbook"
	"BookPulse/internal/stats"
	"BookPulse/pkg/logger"
)

// ErrEngineStopped is returned to callers once the engine loop has exited.
var ErrEngineStopped = errors.New("engine stopped")

// SnapshotSink receives every report produced by the engine. Emit must not block.
type SnapshotSink interface {
	Emit(s *models.StatsSnapshot)
}

// EngineConfig tunes the engine loop.
type EngineConfig struct {
	ProductID                string
	ReportInterval           time.Duration
	SampleInterval           time.Duration
	ExpireInterval           time.Duration
	Retention                time.Duration
	Windows                  []time.Duration
	DepthLevels              int
	ResetHistoryOnResnapshot bool
	Grace                    time.Duration
	MaxPending               int
	InboxSize                int
}

func (c *EngineConfig) setDefaults() {
	if c.ReportInterval <= 0 {
		c.ReportInterval = 5 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = time.Second
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = 10 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = stats.DefaultRetention
	}
	if len(c.Windows) == 0 {
		c.Windows = stats.DefaultWindows
	}
	if c.DepthLevels <= 0 {
		c.DepthLevels = 10
	}
	if c.Grace <= 0 {
		c.Grace = 30 * time.Second
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 4096
	}
}

// BookEngine is the single owner of the order book, the sample window, the
// forecast tracker and the retrain scheduler. All mutations happen on the
// goroutine running Run; other goroutines talk to it through channels.
type BookEngine struct {
	cfg     EngineConfig
	log     *logger.Logger
	metrics drepo.Metrics
	sink    SnapshotSink
	now     func() time.Time

	book    *orderbook.Book
	window  *stats.SampleWindow
	tracker *forecast.Tracker
	sched   *forecast.Scheduler

	inbox   chan *models.FeedMessage
	queries chan func()
	trained chan forecast.TrainResult
	done    chan struct{}

	latest   atomic.Pointer[models.StatsSnapshot]
	synced   bool
	faults   int
	training sync.WaitGroup
}

// EngineOption customizes a BookEngine.
type EngineOption func(*BookEngine)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *BookEngine) { e.now = now }
}

// WithSink sets where reports go.
func WithSink(s SnapshotSink) EngineOption {
	return func(e *BookEngine) { e.sink = s }
}

// NewBookEngine wires the core components around sched.
func NewBookEngine(cfg EngineConfig, sched *forecast.Scheduler, log *logger.Logger, metrics drepo.Metrics, opts ...EngineOption) *BookEngine {
	cfg.setDefaults()
	e := &BookEngine{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		now:     time.Now,
		book:    orderbook.New(),
		window:  stats.NewSampleWindow(cfg.Retention, cfg.Windows...),
		tracker: forecast.NewTracker(cfg.Grace, cfg.MaxPending, cfg.Retention, cfg.Windows...),
		sched:   sched,
		inbox:   make(chan *models.FeedMessage, cfg.InboxSize),
		queries: make(chan func()),
		trained: make(chan forecast.TrainResult, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProductID returns the product the engine tracks.
func (e *BookEngine) ProductID() string { return e.cfg.ProductID }

// Submit hands a decoded message to the engine. It blocks while the inbox
// is full so feed order is kept and nothing is dropped.
func (e *BookEngine) Submit(ctx context.Context, m *models.FeedMessage) error {
	if m == nil {
		return nil
	}
	select {
	case e.inbox <- m:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Latest returns the most recent report, or nil before the first one.
func (e *BookEngine) Latest() *models.StatsSnapshot { return e.latest.Load() }

// Depth returns the top n levels per side, read on the engine goroutine.
func (e *BookEngine) Depth(ctx context.Context, n int) (models.Depth, error) {
	var d models.Depth
	err := e.query(ctx, func() { d = e.book.Depth(n) })
	return d, err
}

// ModelStatus returns the scheduler status, read on the engine goroutine.
func (e *BookEngine) ModelStatus(ctx context.Context) (models.ModelStatus, error) {
	var st models.ModelStatus
	err := e.query(ctx, func() { st = e.modelStatus() })
	return st, err
}

func (e *BookEngine) query(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case e.queries <- func() { fn(); close(ran) }:
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Run is the engine loop. It returns when ctx is cancelled; no report is
// emitted after that point.
func (e *BookEngine) Run(ctx context.Context) error {
	defer close(e.done)

	report := time.NewTicker(e.cfg.ReportInterval)
	defer report.Stop()
	sample := time.NewTicker(e.cfg.SampleInterval)
	defer sample.Stop()
	expire := time.NewTicker(e.cfg.ExpireInterval)
	defer expire.Stop()
	model := time.NewTimer(time.Hour)
	defer model.Stop()

	e.log.Info("engine started",
		logger.String("product", e.cfg.ProductID),
		logger.Duration("report_interval_ms", e.cfg.ReportInterval),
	)

	for {
		select {
		case <-ctx.Done():
			e.sched.Abort()
			e.training.Wait()
			e.log.Info("engine stopped", logger.String("product", e.cfg.ProductID))
			return nil
		case m := <-e.inbox:
			e.handleMessage(e.now(), m)
		case fn := <-e.queries:
			fn()
		case res := <-e.trained:
			e.handleTrained(e.now(), res)
		case <-sample.C:
			e.handleSampleTick(e.now())
		case <-expire.C:
			e.handleExpire(e.now())
		case <-report.C:
			e.handleReport(ctx, e.now())
		case <-model.C:
		}
		now := e.now()
		e.runDue(ctx, now)
		model.Reset(e.untilNextModelTick(now))
	}
}

// untilNextModelTick is the wait before the next update or retrain is due.
// An untrained model is re-checked on every sample tick instead.
func (e *BookEngine) untilNextModelTick(now time.Time) time.Duration {
	if e.sched.State() != models.ModelTrained {
		return time.Hour
	}
	next := e.sched.NextUpdateAt()
	if r := e.sched.NextRetrainAt(); r.Before(next) && !e.sched.Training() {
		next = r
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

func (e *BookEngine) handleMessage(now time.Time, m *models.FeedMessage) {
	start := time.Now()
	e.metrics.RecordMessage(m.Type)
	switch m.Type {
	case models.MsgSnapshot:
		e.applySnapshot(now, m)
	case models.MsgDelta:
		e.applyDelta(now, m)
	case models.MsgError:
		e.metrics.RecordError("feed_error")
		e.log.Warn("feed error message", logger.String("message", m.Message))
	default:
		e.log.Debug("feed message ignored", logger.String("type", m.Type))
	}
	e.metrics.RecordLatency("engine_apply", time.Since(start).Seconds())
}

func (e *BookEngine) applySnapshot(now time.Time, m *models.FeedMessage) {
	if e.synced {
		e.log.Info("book re-snapshot",
			logger.String("product", e.cfg.ProductID),
			logger.Bool("reset_history", e.cfg.ResetHistoryOnResnapshot),
		)
		if e.cfg.ResetHistoryOnResnapshot {
			e.window.Reset()
		}
	}
	rejected, err := e.book.ApplySnapshot(m.Bids, m.Asks)
	e.synced = true
	if rejected > 0 {
		e.fault(fmt.Errorf("%w: %d snapshot levels rejected", orderbook.ErrNegativeQuantity, rejected), rejected)
	}
	if err != nil {
		e.fault(err, 1)
	}
	bids, asks := e.book.Len()
	e.log.Debug("snapshot applied", logger.Int("bids", bids), logger.Int("asks", asks))
	e.emitSample(now)
}

func (e *BookEngine) applyDelta(now time.Time, m *models.FeedMessage) {
	if !e.synced {
		e.metrics.RecordError("delta_before_snapshot")
		return
	}
	// the changes of one message are one book transition: intermediate
	// states are never sampled
	upd, errs := e.book.ApplyChanges(m.Changes)
	for _, err := range errs {
		e.fault(err, 1)
	}
	if upd.Changed() {
		e.emitSample(now)
	}
}

// fault records n data-integrity faults; the next report is flagged.
func (e *BookEngine) fault(err error, n int) {
	e.faults += n
	switch {
	case errors.Is(err, orderbook.ErrCrossedBook):
		e.metrics.RecordError("crossed_book")
	case errors.Is(err, orderbook.ErrUnknownSide):
		e.metrics.RecordError("unknown_side")
	default:
		e.metrics.RecordError("integrity")
	}
	e.log.Warn("book integrity fault", logger.String("product", e.cfg.ProductID), logger.Error(err))
}

// emitSample records the current mid as a sample, when there is one.
func (e *BookEngine) emitSample(now time.Time) {
	if e.book.Crossed() {
		return
	}
	mid, ok := e.book.Mid()
	if !ok {
		return
	}
	s := models.Sample{Time: now, Mid: mid.InexactFloat64()}
	e.window.Push(s)
	e.metrics.RecordLastPrice(e.cfg.ProductID, s.Mid)

	if spread, ok := e.book.Spread(); ok {
		bid, _ := e.book.BestBid()
		ask, _ := e.book.BestAsk()
		obs := models.SpreadObservation{
			Spread:     spread.InexactFloat64(),
			BestBid:    bid.Price.InexactFloat64(),
			BestAsk:    ask.Price.InexactFloat64(),
			ObservedAt: now,
		}
		e.window.ObserveSpread(obs)
		e.metrics.RecordSpread(e.cfg.ProductID, obs.Spread)
	}

	for _, rec := range e.tracker.Observe(s) {
		e.log.Debug("forecast resolved", logger.Float64("abs_error", rec.AbsoluteError))
	}
}

// handleSampleTick re-samples the current mid so the series stays on a
// regular grid while the top of book is quiet.
func (e *BookEngine) handleSampleTick(now time.Time) {
	e.window.Advance(now)
	if e.synced {
		e.emitSample(now)
	}
}

func (e *BookEngine) handleExpire(now time.Time) {
	if n := e.tracker.Expire(now); n > 0 {
		e.metrics.RecordError("forecast_expired")
		e.log.Debug("pending forecasts expired", logger.Int("count", n))
	}
}

// handleReport builds and emits a report. Nothing is emitted once ctx is
// done, even if the tick raced the cancellation.
func (e *BookEngine) handleReport(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	e.window.Advance(now)
	snap := e.buildSnapshot(now)
	e.faults = 0
	e.latest.Store(snap)
	e.metrics.RecordModel(e.cfg.ProductID, snap.Model)
	for _, w := range snap.ForecastErrors {
		if w.Value != nil {
			e.metrics.RecordForecastError(e.cfg.ProductID, w.Seconds, *w.Value)
		}
	}
	if e.sink != nil {
		e.sink.Emit(snap)
	}
}

func (e *BookEngine) buildSnapshot(now time.Time) *models.StatsSnapshot {
	snap := &models.StatsSnapshot{
		ProductID:       e.cfg.ProductID,
		GeneratedAt:     now,
		MidAverages:     e.window.Averages(),
		ForecastHorizon: int(e.sched.Horizon() / time.Second),
		ForecastErrors:  e.tracker.RollingErrors(),
		IntegrityFaults: e.faults,
		Crossed:         e.book.Crossed(),
		Model:           e.modelStatus(),
		Depth:           e.book.Depth(e.cfg.DepthLevels),
	}
	snap.Reliable = e.faults == 0 && !snap.Crossed
	if bid, ok := e.book.BestBid(); ok {
		snap.BestBid = models.QuoteOf(bid)
	}
	if ask, ok := e.book.BestAsk(); ok {
		snap.BestAsk = models.QuoteOf(ask)
	}
	if mid, ok := e.book.Mid(); ok && !snap.Crossed {
		snap.Mid = models.Float(mid.InexactFloat64())
	}
	if ms, ok := e.window.MaxSpread(); ok {
		snap.MaxSpread = &ms
	}
	if p, ok := e.sched.LatestForecast(); ok {
		snap.Forecast = models.Float(p.Value)
	}
	return snap
}

func (e *BookEngine) modelStatus() models.ModelStatus {
	st := e.sched.Status()
	st.Pending = e.tracker.Pending()
	return st
}

// runDue starts a training run or refreshes the model when due.
func (e *BookEngine) runDue(ctx context.Context, now time.Time) {
	if ctx.Err() != nil {
		return
	}
	if e.sched.TrainDue(now, e.window.HistorySpan()) {
		e.startTraining(ctx, now)
	}
	if e.sched.UpdateDue(now) {
		e.update(ctx, now)
	}
}

// startTraining fits a model off the loop on a copy of the history.
func (e *BookEngine) startTraining(ctx context.Context, now time.Time) {
	job := e.sched.BeginTraining(now)
	samples := e.window.Samples()
	f := e.sched.Forecaster()
	e.log.Info("model training started",
		logger.Uint64("job", job.ID),
		logger.Bool("initial", job.Initial),
		logger.Int("samples", len(samples)),
	)
	e.training.Add(1)
	go func() {
		defer e.training.Done()
		res := forecast.RunTraining(ctx, f, job, samples)
		select {
		case e.trained <- res:
		case <-ctx.Done():
		}
	}()
}

func (e *BookEngine) handleTrained(now time.Time, res forecast.TrainResult) {
	outcome := e.sched.CompleteTraining(now, res)
	e.metrics.RecordLatency("model_train", res.Duration.Seconds())
	fields := []logger.Field{
		logger.Uint64("job", res.JobID),
		logger.String("outcome", outcome.String()),
		logger.Duration("update_interval_ms", e.sched.UpdateInterval()),
		logger.Duration("retrain_interval_ms", e.sched.RetrainInterval()),
		logger.Int("consecutive_poor_fits", e.sched.ConsecutivePoorFits()),
	}
	switch outcome {
	case forecast.OutcomeStale:
		return
	case forecast.OutcomeFailed:
		e.metrics.RecordError("model_train")
		e.log.Warn("model training failed", append(fields, logger.Error(res.Err))...)
	case forecast.OutcomePoorFit:
		e.log.Warn("model fits poorly", append(fields, logger.Float64("fit_quality", res.Fit))...)
	default:
		e.log.Info("model trained", append(fields, logger.Float64("fit_quality", res.Fit))...)
	}
	e.metrics.RecordModel(e.cfg.ProductID, e.modelStatus())
}

func (e *BookEngine) update(ctx context.Context, now time.Time) {
	start := time.Now()
	p, err := e.sched.Update(ctx, now, e.window.Samples())
	e.metrics.RecordLatency("model_update", time.Since(start).Seconds())
	if err != nil {
		e.metrics.RecordError("model_update")
		e.log.Warn("model update failed", logger.Error(err))
		return
	}
	e.tracker.Register(p)
	e.log.Debug("forecast issued",
		logger.Float64("value", p.Value),
		logger.Time("target", p.TargetTime),
	)
}
