package usecase

import (
	"context"
	"fmt"

	"BookPulse/internal/domain/models"
	"BookPulse/pkg/queue"
)

// SnapshotPersistType is the queue message type for snapshot persistence.
const SnapshotPersistType = "snapshot.persist"

// SnapshotPersistJob persists queued snapshots through the processor. The
// queue retries failed attempts and dead-letters the rest.
type SnapshotPersistJob struct {
	proc *SnapshotProcessor
}

func NewSnapshotPersistJob(proc *SnapshotProcessor) *SnapshotPersistJob {
	return &SnapshotPersistJob{proc: proc}
}

func (j *SnapshotPersistJob) Name() string { return "snapshot_persist" }

func (j *SnapshotPersistJob) Type() string { return SnapshotPersistType }

func (j *SnapshotPersistJob) Handle(ctx context.Context, payload interface{}) error {
	snap, err := queue.ParsePayload[models.StatsSnapshot](payload)
	if err != nil {
		return fmt.Errorf("snapshot payload: %w", err)
	}
	return j.proc.Process(ctx, snap)
}

// QueueSink hands snapshots to the job queue instead of the backend.
type QueueSink struct {
	q queue.QueueService
}

func NewQueueSink(q queue.QueueService) *QueueSink { return &QueueSink{q: q} }

func (s *QueueSink) Name() string { return "queue" }

func (s *QueueSink) Handle(ctx context.Context, snap *models.StatsSnapshot) error {
	return s.q.PublishMessage(ctx, SnapshotPersistType, snap)
}
