package repository

import (
	"context"
	"time"

	"BookPulse/internal/domain/models"
)

// FeedStream is a level-2 market data connection for one product.
type FeedStream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Read(ctx context.Context) (<-chan models.RawFrame, <-chan error)
	Reconnect(ctx context.Context) error
	Close() error
	IsConnected() bool
}

// FeedArchive keeps raw feed frames for later replay.
type FeedArchive interface {
	Archive(ctx context.Context, f models.RawFrame) error
	Close() error
}

type Publisher interface {
	Publish(ctx context.Context, s *models.StatsSnapshot) error
	PublishBatch(ctx context.Context, snaps []*models.StatsSnapshot) error
	Close() error
}

type Storage interface {
	Init(ctx context.Context) error // ensure tables, health checks
	Store(ctx context.Context, s *models.StatsSnapshot) error
	StoreBatch(ctx context.Context, snaps []*models.StatsSnapshot) error
	Query(ctx context.Context, productID string, from, to time.Time, limit int) ([]models.HistoryPoint, error)
	Health(ctx context.Context) error // ping
	Close() error
}

// SnapshotCache holds the latest snapshot per product.
type SnapshotCache interface {
	Put(ctx context.Context, s *models.StatsSnapshot) error
	Latest(ctx context.Context, productID string) (*models.StatsSnapshot, error)
}

type Metrics interface {
	RecordMessage(kind string)
	RecordMessageSent(backend, product string)
	RecordError(kind string)
	RecordLastPrice(product string, price float64)
	RecordSpread(product string, spread float64)
	RecordLatency(op string, seconds float64)
	RecordModel(product string, st models.ModelStatus)
	RecordForecastError(product string, windowSeconds int, value float64)
}
