//go:build wireinject
// +build wireinject

package di

import (
	"BookPulse/pkg/config"
	"BookPulse/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideClickHouseClient,
		ProvideRedisClient,

		// Observability
		ProvideLogger,
		ProvideMetrics,
		ProvideAPIMetrics,

		// Repositories
		ProvideSnapshotStore,
		ProvideSnapshotPublisher,
		ProvideSnapshotCache,
		ProvideFeedArchive,

		// Forecasting
		ProvideForecaster,
		ProvideScheduler,

		// Use cases
		ProvideSnapshotProcessor,
		ProvideJobQueue,
		ProvideStatsReporter,
		ProvideBookEngine,
		ProvideFrameRouter,
		ProvideFeedCollector,
		ProvideKafkaConsumer,
		ProvideReplayHandler,
		ProvideDirReplay,

		// Transport
		ProvideStatsHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
