package usecase

import (
	"context"
	"errors"

	"BookPulse/internal/domain/models"
	drepo "BookPulse/internal/domain/repository"
	"BookPulse/pkg/logger"
)

// Decoder turns a raw frame payload into a feed message.
type Decoder func(raw []byte) (*models.FeedMessage, error)

// FeedSink accepts decoded messages in feed order.
type FeedSink interface {
	ProductID() string
	Submit(ctx context.Context, m *models.FeedMessage) error
}

// FrameRouter decodes frames and forwards book messages to the engine. Live
// ingestion and Kafka replay share it so both follow the same rules.
type FrameRouter struct {
	decode  Decoder
	sink    FeedSink
	log     *logger.Logger
	metrics drepo.Metrics
}

func NewFrameRouter(decode Decoder, sink FeedSink, log *logger.Logger, metrics drepo.Metrics) *FrameRouter {
	return &FrameRouter{decode: decode, sink: sink, log: log, metrics: metrics}
}

// Route handles one frame. Only a stopped engine or a cancelled context is
// returned as an error; bad frames are counted and skipped.
func (r *FrameRouter) Route(ctx context.Context, f models.RawFrame) error {
	m, err := r.decode(f.Payload)
	if err != nil {
		r.metrics.RecordError("decode")
		r.log.Warn("dropping undecodable frame", logger.Error(err), logger.Int("bytes", len(f.Payload)))
		return nil
	}

	switch m.Type {
	case models.MsgSubscriptions:
		r.log.Info("subscribed to level 2 channel", logger.String("product", r.sink.ProductID()))
		return nil
	case models.MsgHeartbeat:
		return nil
	}
	if m.ProductID != "" && m.ProductID != r.sink.ProductID() {
		r.metrics.RecordError("foreign_product")
		return nil
	}

	if err := r.sink.Submit(ctx, m); err != nil {
		if errors.Is(err, ErrEngineStopped) || ctx.Err() != nil {
			return err
		}
		r.metrics.RecordError("submit")
	}
	return nil
}
