package usecase

import (
	"context"
	"fmt"
	"time"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
)

// Backend names accepted by SnapshotProcessor.
const (
	BackendLog        = "log"
	BackendKafka      = "kafka"
	BackendClickHouse = "clickhouse"
)

// SnapshotProcessor routes snapshots to the configured backend.
type SnapshotProcessor struct {
	pub     drepo.Publisher
	store   drepo.Storage
	metrics drepo.Metrics
	backend string
}

// NewSnapshotProcessor creates a new SnapshotProcessor instance.
func NewSnapshotProcessor(pub drepo.Publisher, store drepo.Storage, metrics drepo.Metrics, backend string) *SnapshotProcessor {
	return &SnapshotProcessor{pub: pub, store: store, metrics: metrics, backend: backend}
}

func (p *SnapshotProcessor) Name() string { return p.backend }

// Handle lets the processor act as a reporter sink.
func (p *SnapshotProcessor) Handle(ctx context.Context, s *models.StatsSnapshot) error {
	return p.Process(ctx, s)
}

// Process sends a single snapshot to the backend.
func (p *SnapshotProcessor) Process(ctx context.Context, s *models.StatsSnapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}

	start := time.Now()
	var err error

	switch p.backend {
	case BackendLog:
		// console output is handled by the log sink
	case BackendKafka:
		err = p.pub.Publish(ctx, s)
	case BackendClickHouse:
		err = p.store.Store(ctx, s)
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}

	if err != nil {
		p.metrics.RecordError("process")
		return fmt.Errorf("process snapshot: %w", err)
	}

	p.metrics.RecordMessageSent(p.backend, s.ProductID)
	p.metrics.RecordLatency("process", time.Since(start).Seconds())
	return nil
}

// ProcessBatch sends several snapshots at once.
func (p *SnapshotProcessor) ProcessBatch(ctx context.Context, snaps []*models.StatsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	start := time.Now()
	var err error

	switch p.backend {
	case BackendLog:
	case BackendKafka:
		err = p.pub.PublishBatch(ctx, snaps)
	case BackendClickHouse:
		err = p.store.StoreBatch(ctx, snaps)
	default:
		err = fmt.Errorf("unknown backend: %s", p.backend)
	}

	if err != nil {
		p.metrics.RecordError("process_batch")
		return fmt.Errorf("process batch: %w", err)
	}

	for _, s := range snaps {
		p.metrics.RecordMessageSent(p.backend, s.ProductID)
	}
	p.metrics.RecordLatency("process_batch", time.Since(start).Seconds())
	return nil
}

// Close closes underlying resources if available.
func (p *SnapshotProcessor) Close() {
	if p.pub != nil {
		_ = p.pub.Close()
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}
