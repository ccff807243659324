package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
	"BookPulse/pkg/logger"
)

// SnapshotHandler consumes emitted snapshots.
type SnapshotHandler interface {
	Name() string
	Handle(ctx context.Context, s *models.StatsSnapshot) error
}

// StatsReporter decouples snapshot assembly from delivery. Emit never blocks
// the engine loop: when the queue is full the oldest snapshot is dropped.
type StatsReporter struct {
	handlers []SnapshotHandler
	log      *logger.Logger
	metrics  drepo.Metrics
	timeout  time.Duration

	queue   chan *models.StatsSnapshot
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped atomic.Bool
	dropped atomic.Int64
}

type ReporterOption func(*StatsReporter)

// WithQueueSize bounds the number of snapshots waiting for delivery.
func WithQueueSize(n int) ReporterOption {
	return func(r *StatsReporter) {
		if n > 0 {
			r.queue = make(chan *models.StatsSnapshot, n)
		}
	}
}

// WithHandlerTimeout bounds a single handler call.
func WithHandlerTimeout(d time.Duration) ReporterOption {
	return func(r *StatsReporter) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewStatsReporter creates a reporter delivering to handlers in order.
func NewStatsReporter(log *logger.Logger, metrics drepo.Metrics, handlers []SnapshotHandler, opts ...ReporterOption) *StatsReporter {
	r := &StatsReporter{
		handlers: handlers,
		log:      log,
		metrics:  metrics,
		timeout:  5 * time.Second,
		queue:    make(chan *models.StatsSnapshot, 64),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Emit queues s for delivery.
func (r *StatsReporter) Emit(s *models.StatsSnapshot) {
	if s == nil || r.stopped.Load() {
		return
	}
	for {
		select {
		case r.queue <- s:
			return
		default:
		}
		select {
		case <-r.queue:
			r.dropped.Add(1)
			r.metrics.RecordError("reporter_drop")
		default:
		}
	}
}

// Dropped reports how many snapshots were discarded because the queue was full.
func (r *StatsReporter) Dropped() int64 { return r.dropped.Load() }

// Start launches the dispatcher.
func (r *StatsReporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.wg.Add(1)
	go r.dispatch(ctx)
}

// Stop delivers what is already queued and waits for the dispatcher.
func (r *StatsReporter) Stop() {
	r.mu.Lock()
	started := r.started
	r.started = false
	r.mu.Unlock()
	if !r.stopped.CompareAndSwap(false, true) {
		return
	}
	close(r.stopCh)
	if started {
		r.wg.Wait()
	}
}

func (r *StatsReporter) dispatch(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case s := <-r.queue:
			r.deliver(ctx, s)
		case <-r.stopCh:
			r.drain()
			return
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

// drain runs on a fresh context so shutdown still flushes queued snapshots.
func (r *StatsReporter) drain() {
	ctx := context.Background()
	for {
		select {
		case s := <-r.queue:
			r.deliver(ctx, s)
		default:
			return
		}
	}
}

func (r *StatsReporter) deliver(ctx context.Context, s *models.StatsSnapshot) {
	for _, h := range r.handlers {
		start := time.Now()
		hctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := h.Handle(hctx, s)
		cancel()
		if err != nil {
			r.metrics.RecordError("sink_" + h.Name())
			r.log.Warn("snapshot sink failed",
				logger.String("sink", h.Name()),
				logger.String("product", s.ProductID),
				logger.Error(err),
			)
			continue
		}
		r.metrics.RecordLatency("sink_"+h.Name(), time.Since(start).Seconds())
	}
}

// LogSink prints snapshots in the console report format.
type LogSink struct {
	w   io.Writer
	loc *time.Location
	mu  sync.Mutex
}

func NewLogSink(w io.Writer, loc *time.Location) *LogSink {
	return &LogSink{w: w, loc: loc}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Handle(_ context.Context, snap *models.StatsSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, FormatSnapshot(snap, s.loc)+"\n"); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// CacheSink keeps the latest snapshot in the snapshot cache.
type CacheSink struct {
	cache drepo.SnapshotCache
}

func NewCacheSink(c drepo.SnapshotCache) *CacheSink { return &CacheSink{cache: c} }

func (s *CacheSink) Name() string { return "cache" }

func (s *CacheSink) Handle(ctx context.Context, snap *models.StatsSnapshot) error {
	return s.cache.Put(ctx, snap)
}
