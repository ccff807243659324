package usecase

import (
	"context"
	"encoding/json"
	"time"

	"BookPulse/internal/domain/models"
	domrepo "BookPulse/internal/domain/repository"
	pkgkafka "BookPulse/pkg/kafka"
)

// KafkaFeedHandler replays archived raw frames into the engine. Run it with a
// single consumer worker so frames keep their archived order.
type KafkaFeedHandler struct {
	topic   string
	router  *FrameRouter
	metrics domrepo.Metrics
}

func NewKafkaFeedHandler(topic string, router *FrameRouter, metrics domrepo.Metrics) *KafkaFeedHandler {
	return &KafkaFeedHandler{topic: topic, router: router, metrics: metrics}
}

func (h *KafkaFeedHandler) Topic() string { return h.topic }

// incoming message schema: models.RawFrame as JSON
func (h *KafkaFeedHandler) Handle(ctx context.Context, b []byte) error {
	var f models.RawFrame
	if err := json.Unmarshal(b, &f); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return err
	}
	if !f.ReceivedAt.IsZero() {
		// how far the replay trails the original feed
		h.metrics.RecordLatency("replay_lag_seconds", time.Since(f.ReceivedAt).Seconds())
	}

	start := time.Now()
	if err := h.router.Route(ctx, f); err != nil {
		h.metrics.RecordError("consumer_route")
		return err
	}
	h.metrics.RecordLatency("replay_route_seconds", time.Since(start).Seconds())
	return nil
}

var _ pkgkafka.MessageHandler = (*KafkaFeedHandler)(nil)
