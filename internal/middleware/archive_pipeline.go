package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"BookPulse/internal/domain/models"
	domrepo "BookPulse/internal/domain/repository"
)

// ArchivePipeline sits between the feed reader and a FeedArchive.
// It validates frames and buffers them so a slow or unavailable archive
// never holds up ingestion. Frames reach the archive in arrival order.
type ArchivePipeline struct {
	archive    domrepo.FeedArchive
	metrics    domrepo.Metrics
	bufSize    int
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	bufCh      chan models.RawFrame
	stopCh     chan struct{}
	wg         sync.WaitGroup
	started    bool
	mu         sync.Mutex
}

type PipelineOption func(*ArchivePipeline)

// WithBufferSize sets the number of frames held while the archive catches up.
func WithBufferSize(n int) PipelineOption {
	return func(p *ArchivePipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithRetry sets per-frame retry attempts and the backoff bounds between them.
func WithRetry(max int, min, maxDelay time.Duration) PipelineOption {
	return func(p *ArchivePipeline) {
		if max >= 0 {
			p.maxRetries = max
		}
		if min > 0 {
			p.backoffMin = min
		}
		if maxDelay >= p.backoffMin {
			p.backoffMax = maxDelay
		}
	}
}

// NewArchivePipeline creates a new pipeline.
func NewArchivePipeline(archive domrepo.FeedArchive, metrics domrepo.Metrics, opts ...PipelineOption) *ArchivePipeline {
	p := &ArchivePipeline{
		archive:    archive,
		metrics:    metrics,
		bufSize:    10000,
		maxRetries: 5,
		backoffMin: 50 * time.Millisecond,
		backoffMax: 2 * time.Second,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.RawFrame, p.bufSize)
	return p
}

// Start launches the background writer.
func (p *ArchivePipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go p.loop(ctx)
}

func (p *ArchivePipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			p.flush()
			return
		case <-ctx.Done():
			p.flush()
			return
		case f := <-p.bufCh:
			p.write(ctx, f)
		}
	}
}

// write archives f, retrying with capped exponential backoff.
func (p *ArchivePipeline) write(ctx context.Context, f models.RawFrame) {
	backoff := p.backoffMin
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := p.archive.Archive(ctx, f)
		if err == nil {
			p.metrics.RecordLatency("archive_write", time.Since(start).Seconds())
			return
		}
		p.metrics.RecordError("archive_write")
		if attempt >= p.maxRetries {
			p.metrics.RecordError("archive_drop")
			return
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-p.stopCh:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
		if backoff *= 2; backoff > p.backoffMax {
			backoff = p.backoffMax
		}
	}
}

// flush makes one attempt for every frame still buffered.
func (p *ArchivePipeline) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case f := <-p.bufCh:
			if err := p.archive.Archive(ctx, f); err != nil {
				p.metrics.RecordError("archive_drop")
			}
		default:
			return
		}
	}
}

// Stop flushes what is buffered and waits for the writer.
func (p *ArchivePipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

// Process validates f and queues it without blocking.
func (p *ArchivePipeline) Process(ctx context.Context, f models.RawFrame) error {
	if err := validateFrame(f); err != nil {
		p.metrics.RecordError("archive_validate")
		return err
	}
	select {
	case p.bufCh <- f:
		p.metrics.RecordLatency("archive_buffer_depth", float64(len(p.bufCh)))
		return nil
	default:
		p.metrics.RecordError("archive_buffer_full")
		return fmt.Errorf("archive buffer full")
	}
}

// Pending reports how many frames wait to be written.
func (p *ArchivePipeline) Pending() int { return len(p.bufCh) }

func validateFrame(f models.RawFrame) error {
	if f.ProductID == "" {
		return fmt.Errorf("product id empty")
	}
	if f.ReceivedAt.IsZero() {
		return fmt.Errorf("received time missing")
	}
	if len(f.Payload) == 0 {
		return fmt.Errorf("payload empty")
	}
	return nil
}
