package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
	mid "BookPulse/internal/middleware"
	"BookPulse/pkg/logger"
)

// FeedCollector reads the live feed and hands frames to the router in order.
type FeedCollector struct {
	stream  drepo.FeedStream
	router  *FrameRouter
	metrics drepo.Metrics
	log     *logger.Logger
	pipe    *mid.ArchivePipeline

	backoffMin time.Duration
	backoffMax time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeedCollector creates a new FeedCollector instance. pipe may be nil.
func NewFeedCollector(stream drepo.FeedStream, router *FrameRouter, metrics drepo.Metrics, log *logger.Logger, pipe *mid.ArchivePipeline) *FeedCollector {
	return &FeedCollector{
		stream:     stream,
		router:     router,
		metrics:    metrics,
		log:        log,
		pipe:       pipe,
		backoffMin: time.Second,
		backoffMax: 30 * time.Second,
	}
}

// SetBackoff bounds the delay between reconnect attempts.
func (c *FeedCollector) SetBackoff(min, max time.Duration) {
	if min > 0 {
		c.backoffMin = min
	}
	if max >= c.backoffMin {
		c.backoffMax = max
	}
}

// IsConnected returns true if the feed stream is connected.
func (c *FeedCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

// Start connects, subscribes and begins consuming in the background.
func (c *FeedCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx); err != nil {
		_ = c.stream.Close()
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

func (c *FeedCollector) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil || errors.Is(err, ErrEngineStopped) {
			c.log.Info("level 2 channel closed")
			return
		}
		c.metrics.RecordError("stream")
		c.log.Warn("feed stream lost", logger.Error(err))
		if !c.reconnect(ctx) {
			c.log.Info("level 2 channel closed")
			return
		}
	}
}

// consume processes one connection's frames; it returns once the stream ends.
func (c *FeedCollector) consume(ctx context.Context) error {
	frames, errs := c.stream.Read(ctx)
	for f := range frames {
		if err := c.handle(ctx, f); err != nil {
			return err
		}
	}
	if err, ok := <-errs; ok && err != nil {
		return err
	}
	return errors.New("feed stream closed")
}

func (c *FeedCollector) handle(ctx context.Context, f models.RawFrame) error {
	if c.pipe != nil {
		_ = c.pipe.Process(ctx, f)
	}
	return c.router.Route(ctx, f)
}

// reconnect retries with capped exponential backoff until it succeeds or ctx ends.
func (c *FeedCollector) reconnect(ctx context.Context) bool {
	delay := c.backoffMin
	for attempt := 1; ; attempt++ {
		err := c.stream.Reconnect(ctx)
		if err == nil {
			c.log.Info("feed reconnected", logger.Int("attempt", attempt))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.metrics.RecordError("reconnect")
		c.log.Warn("feed reconnect failed",
			logger.Int("attempt", attempt),
			logger.Duration("retry_in_ms", delay),
			logger.Error(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if delay *= 2; delay > c.backoffMax {
			delay = c.backoffMax
		}
	}
}

// Shutdown stops the pipeline, closes the stream and waits for the reader.
func (c *FeedCollector) Shutdown(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	err := c.stream.Close()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return err
}
