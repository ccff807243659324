package repository

import (
	"context"
	"strconv"

	"BookPulse/internal/domain/models"
	"BookPulse/internal/domain/repository"
	pkgkafka "BookPulse/pkg/kafka"
)

// producer is the part of pkg/kafka.Producer the publishers use.
type producer interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaSnapshotPublisher implements Publisher for Kafka. Snapshots are keyed
// by product so one product stays on one partition.
type KafkaSnapshotPublisher struct {
	producer producer
	topic    string
}

// NewKafkaSnapshotPublisher creates Kafka publisher.
func NewKafkaSnapshotPublisher(p *pkgkafka.Producer, topic string) repository.Publisher {
	return &KafkaSnapshotPublisher{producer: p, topic: topic}
}

func (p *KafkaSnapshotPublisher) Publish(ctx context.Context, s *models.StatsSnapshot) error {
	return p.producer.Publish(ctx, p.topic, []byte(s.ProductID), s)
}

func (p *KafkaSnapshotPublisher) PublishBatch(ctx context.Context, snaps []*models.StatsSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, len(snaps))
	for i, s := range snaps {
		msgs[i] = pkgkafka.Message{
			Key:   []byte(s.ProductID),
			Value: s,
			Headers: map[string]string{
				"reliable": strconv.FormatBool(s.Reliable),
			},
		}
	}
	return p.producer.PublishBatch(ctx, p.topic, msgs)
}

func (p *KafkaSnapshotPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// KafkaFeedArchive writes raw frames to a topic that replay mode reads back.
type KafkaFeedArchive struct {
	producer producer
	topic    string
}

// NewKafkaFeedArchive creates a FeedArchive backed by Kafka. The producer is
// shared, so Close leaves it open.
func NewKafkaFeedArchive(p *pkgkafka.Producer, topic string) repository.FeedArchive {
	return &KafkaFeedArchive{producer: p, topic: topic}
}

func (a *KafkaFeedArchive) Archive(ctx context.Context, f models.RawFrame) error {
	return a.producer.Publish(ctx, a.topic, []byte(f.ProductID), f)
}

func (a *KafkaFeedArchive) Close() error { return nil }
