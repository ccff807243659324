package di

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"BookPulse/internal/domain/repository"
	"BookPulse/internal/domain/service"
	"BookPulse/internal/forecast"
	"BookPulse/internal/handler/api"
	mid "BookPulse/internal/middleware"
	internalrepo "BookPulse/internal/repository"
	"BookPulse/internal/service/coinbase"
	svcmetrics "BookPulse/internal/service/metrics"
	"BookPulse/internal/usecase"
	"BookPulse/pkg/cache"
	pkgch "BookPulse/pkg/clickhouse"
	"BookPulse/pkg/config"
	xhttp "BookPulse/pkg/http"
	pkgkafka "BookPulse/pkg/kafka"
	"BookPulse/pkg/logger"
	"BookPulse/pkg/metrics"
	"BookPulse/pkg/queue"
	"BookPulse/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// ProvideKafkaProducer creates the shared Kafka producer, or nil when no
// component publishes to Kafka.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	needed := cfg.Backend.Type == usecase.BackendKafka ||
		(cfg.Archive.Enabled && cfg.Archive.Kind == "kafka") ||
		cfg.Logger.CollectorTopic != ""
	if !needed {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

// ProvideLogger builds the application logger. Error digests go to Kafka when
// logger.collector_topic is set.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	if cfg.Logger.CollectorTopic != "" && producer != nil {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval: cfg.Logger.CollectorInterval,
			Topic:        cfg.Logger.CollectorTopic,
			Source:       "bookpulse/" + cfg.Feed.ProductID,
			Publisher:    producer,
		})
	}
	return l.With(logger.String("product", cfg.Feed.ProductID)), nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideAPIMetrics registers the HTTP API collectors.
func ProvideAPIMetrics() *svcmetrics.API {
	return svcmetrics.NewAPI(prometheus.DefaultRegisterer)
}

// ProvideClickHouseClient connects to ClickHouse when it backs the snapshot
// history, otherwise returns nil.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Backend.Type != usecase.BackendClickHouse {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideSnapshotStore creates the ClickHouse snapshot table, or nil without
// a ClickHouse client.
func ProvideSnapshotStore(ch *pkgch.Client, cfg *config.Config) (repository.Storage, error) {
	if ch == nil {
		return nil, nil
	}
	store := internalrepo.NewClickHouseSnapshotStore(ch.DB(), cfg.ClickHouse.Database, cfg.ClickHouse.Table)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideSnapshotPublisher creates the Kafka snapshot publisher for the kafka backend.
func ProvideSnapshotPublisher(producer *pkgkafka.Producer, cfg *config.Config) repository.Publisher {
	if producer == nil || cfg.Backend.Type != usecase.BackendKafka {
		return nil
	}
	return internalrepo.NewKafkaSnapshotPublisher(producer, cfg.Kafka.Topic)
}

// ProvideRedisClient dials Redis when enabled, otherwise returns nil.
func ProvideRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client, err := cache.NewRedisClient(
		cache.WithRedisAddr(cfg.Redis.Addr),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
	)
	if err != nil {
		return nil, fmt.Errorf("redis client: %w", err)
	}
	return client, nil
}

// ProvideSnapshotCache keeps the latest report in Redis behind an in-process
// L1, or in memory only when Redis is disabled.
func ProvideSnapshotCache(client *redis.Client, cfg *config.Config) repository.SnapshotCache {
	var svc cache.Service
	if client != nil {
		svc = cache.NewLayeredCache(
			cache.NewRedisCacheWithClient(client, cfg.Redis.Prefix),
			cache.WithLayeredMemorySize(cfg.Redis.L1Size),
			cache.WithLayeredMemoryTTL(cfg.Stats.ReportInterval),
		)
	} else {
		svc = cache.NewMemoryCache(cache.WithMemoryMaxSize(cfg.Redis.L1Size))
	}
	return internalrepo.NewSnapshotCache(svc, cfg.Redis.TTL)
}

// ProvideSnapshotProcessor routes reports to the configured backend.
func ProvideSnapshotProcessor(pub repository.Publisher, store repository.Storage, m repository.Metrics, cfg *config.Config) *usecase.SnapshotProcessor {
	return usecase.NewSnapshotProcessor(pub, store, m, cfg.Backend.Type)
}

// ProvideJobQueue creates the Redis job queue for snapshot persistence when
// queue.enabled, otherwise nil.
func ProvideJobQueue(l *logger.Logger, client *redis.Client, proc *usecase.SnapshotProcessor, cfg *config.Config) *queue.RedisQueue {
	if !cfg.Queue.Enabled || client == nil {
		return nil
	}
	q := queue.NewRedisQueue(l, &queue.QueueConfig{
		Workers:       cfg.Queue.Workers,
		RetryLimit:    cfg.Queue.RetryLimit,
		RetryDelay:    cfg.Queue.RetryDelay,
		MaxRetryDelay: cfg.Queue.MaxRetryDelay,
	}, client, queue.ModeProducerConsumer, queue.WithKeyPrefix(cfg.Redis.Prefix+":queue"))
	q.RegisterJob(usecase.NewSnapshotPersistJob(proc))
	return q
}

// ProvideForecaster selects the in-process AR model or the remote model service.
func ProvideForecaster(cfg *config.Config) service.Forecaster {
	if cfg.Forecast.Kind == "http" {
		return forecast.NewRemoteForecaster(cfg.Forecast.ServiceURL, cfg.Feed.ProductID, cfg.Forecast.Timeout, cfg.Forecast.Attempts)
	}
	return forecast.NewARForecaster(cfg.Forecast.AROrder, cfg.Forecast.ResampleStep)
}

// ProvideScheduler creates the retrain scheduler.
func ProvideScheduler(cfg *config.Config, f service.Forecaster) *forecast.Scheduler {
	return forecast.NewScheduler(forecast.SchedulerConfig{
		MinHistory:      cfg.Forecast.MinHistory,
		UpdateInterval:  cfg.Forecast.UpdateInterval,
		RetrainInterval: cfg.Forecast.RetrainInterval,
		EscalationStep:  cfg.Forecast.EscalationStep,
		FitThreshold:    cfg.Forecast.FitThreshold,
		Horizon:         cfg.Forecast.Horizon,
	}, f)
}

// ProvideStatsReporter fans reports out to the console, the snapshot cache and
// either the backend or the job queue.
func ProvideStatsReporter(
	l *logger.Logger,
	m repository.Metrics,
	snapCache repository.SnapshotCache,
	proc *usecase.SnapshotProcessor,
	q *queue.RedisQueue,
	cfg *config.Config,
) *usecase.StatsReporter {
	handlers := []usecase.SnapshotHandler{
		usecase.NewLogSink(os.Stdout, cfg.Location()),
		usecase.NewCacheSink(snapCache),
	}
	switch {
	case cfg.Backend.Type == usecase.BackendLog:
	case q != nil:
		handlers = append(handlers, usecase.NewQueueSink(q))
	default:
		handlers = append(handlers, proc)
	}
	return usecase.NewStatsReporter(l, m, handlers, usecase.WithQueueSize(cfg.Stats.ReporterQueue))
}

// ProvideBookEngine creates the engine that owns the book and the models.
func ProvideBookEngine(
	cfg *config.Config,
	sched *forecast.Scheduler,
	l *logger.Logger,
	m repository.Metrics,
	reporter *usecase.StatsReporter,
) *usecase.BookEngine {
	return usecase.NewBookEngine(usecase.EngineConfig{
		ProductID:                cfg.Feed.ProductID,
		ReportInterval:           cfg.Stats.ReportInterval,
		SampleInterval:           cfg.Stats.SampleInterval,
		Retention:                cfg.Stats.Retention,
		Windows:                  cfg.Stats.Windows,
		DepthLevels:              cfg.Stats.DepthLevels,
		ResetHistoryOnResnapshot: cfg.Stats.ResetHistoryOnResnapshot,
		Grace:                    cfg.Forecast.Grace,
		MaxPending:               cfg.Forecast.MaxPending,
	}, sched, l, m, usecase.WithSink(reporter))
}

// ProvideFrameRouter decodes exchange frames into engine messages.
func ProvideFrameRouter(engine *usecase.BookEngine, l *logger.Logger, m repository.Metrics) *usecase.FrameRouter {
	return usecase.NewFrameRouter(coinbase.Decode, engine, l, m)
}

// ProvideFeedArchive selects where raw frames are archived, or nil when
// archiving is off.
func ProvideFeedArchive(producer *pkgkafka.Producer, cfg *config.Config) (repository.FeedArchive, error) {
	if !cfg.Archive.Enabled {
		return nil, nil
	}
	if cfg.Archive.Kind == "dir" {
		return internalrepo.NewDirFeedArchive(cfg.Archive.Dir)
	}
	if producer == nil {
		return nil, fmt.Errorf("kafka archive needs a producer")
	}
	return internalrepo.NewKafkaFeedArchive(producer, cfg.Archive.Topic), nil
}

// ProvideFeedCollector creates the live websocket collector, or nil in replay mode.
func ProvideFeedCollector(
	cfg *config.Config,
	l *logger.Logger,
	m repository.Metrics,
	router *usecase.FrameRouter,
	archive repository.FeedArchive,
) *usecase.FeedCollector {
	if cfg.Feed.Source != "websocket" {
		return nil
	}
	stream := coinbase.New(coinbase.Config{
		URL:            cfg.Feed.WebSocketURL,
		ProductID:      cfg.Feed.ProductID,
		Channel:        cfg.Feed.Channel,
		ReconnectDelay: 0, // the collector owns the backoff
		PingInterval:   cfg.Feed.PingInterval,
		BufferSize:     cfg.Feed.BufferSize,
	}, l)

	var pipe *mid.ArchivePipeline
	if archive != nil {
		pipe = mid.NewArchivePipeline(archive, m,
			mid.WithBufferSize(cfg.Archive.BufferSize),
			mid.WithRetry(cfg.Archive.MaxRetries, cfg.Archive.BackoffMin, cfg.Archive.BackoffMax),
		)
	}
	c := usecase.NewFeedCollector(stream, router, m, l, pipe)
	c.SetBackoff(cfg.Feed.ReconnectDelay, cfg.Feed.BackoffMax)
	return c
}

// ProvideKafkaConsumer creates the replay consumer when feed.source is kafka.
// One worker keeps archived frames in order.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger, m repository.Metrics) (*pkgkafka.Consumer, error) {
	if cfg.Feed.Source != "kafka" {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerAutoOffsetReset(cfg.Kafka.Consumer.Offset),
		pkgkafka.WithConsumerWorkers(1),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
		pkgkafka.WithConsumerRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.HookFuncs{
		Err: func(_ context.Context, d pkgkafka.Delivery, err error) {
			m.RecordError("replay")
			l.Warn("replay frame failed",
				logger.String("topic", d.Topic),
				logger.Int("partition", d.Message.Partition),
				logger.Int64("offset", d.Message.Offset),
				logger.Int("attempt", d.Attempt),
				logger.Error(err))
		},
	})
	l.Info("replay consumer configured",
		logger.Strings("brokers", cfg.Kafka.Brokers),
		logger.String("group", cfg.Kafka.Consumer.GroupID),
		logger.String("dlq", cfg.Kafka.Consumer.DLQTopic))
	return consumer, nil
}

// ProvideDirReplay replays a directory archive when feed.source is dir.
func ProvideDirReplay(cfg *config.Config, router *usecase.FrameRouter, l *logger.Logger) *usecase.DirReplay {
	if cfg.Feed.Source != "dir" {
		return nil
	}
	return usecase.NewDirReplay(cfg.Archive.Dir, internalrepo.ReadDirFrames, router, l)
}

// ProvideReplayHandler feeds archived frames back through the router.
func ProvideReplayHandler(cfg *config.Config, router *usecase.FrameRouter, m repository.Metrics) *usecase.KafkaFeedHandler {
	return usecase.NewKafkaFeedHandler(cfg.Archive.Topic, router, m)
}

// ProvideStatsHandler builds the HTTP API with health checks for every
// enabled dependency.
func ProvideStatsHandler(
	cfg *config.Config,
	l *logger.Logger,
	engine *usecase.BookEngine,
	apiMetrics *svcmetrics.API,
	snapCache repository.SnapshotCache,
	store repository.Storage,
	collector *usecase.FeedCollector,
	redisClient *redis.Client,
	q *queue.RedisQueue,
) *api.StatsEchoHandler {
	opts := []api.HandlerOption{
		api.WithSnapshotCache(snapCache),
		api.WithHealthCheck("engine", func(ctx context.Context) error {
			_, err := engine.ModelStatus(ctx)
			return err
		}),
	}
	if store != nil {
		opts = append(opts,
			api.WithHistory(store, cfg.History.Burst, cfg.History.PerSecond, cfg.History.MaxSpan),
			api.WithHealthCheck("clickhouse", store.Health),
		)
	}
	if collector != nil {
		opts = append(opts, api.WithHealthCheck("feed", func(context.Context) error {
			if !collector.IsConnected() {
				return fmt.Errorf("feed disconnected")
			}
			return nil
		}))
	}
	if redisClient != nil {
		opts = append(opts, api.WithHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}))
	}
	if q != nil {
		opts = append(opts, api.WithHealthCheck("queue", func(ctx context.Context) error {
			_, _, dead, err := q.Backlog(ctx)
			if err != nil {
				return err
			}
			if dead > 0 {
				l.Warn("snapshot jobs in dead letter list", logger.Int64("count", dead))
			}
			return nil
		}))
	}
	return api.NewStatsEchoHandler(l, engine, apiMetrics, opts...)
}

// ProvideHTTPServer creates the Echo server.
func ProvideHTTPServer(cfg *config.Config, l *logger.Logger, h *api.StatsEchoHandler) *xhttp.Server {
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(h, l,
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithMetricsPath(metricsPath),
		xhttp.WithCORSOrigins(cfg.Server.CORSOrigins),
	)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var _ io.Closer = closerFunc(nil)

// ProvideApp assembles the application. Only non-nil clients are closed.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	engine *usecase.BookEngine,
	reporter *usecase.StatsReporter,
	collector *usecase.FeedCollector,
	consumer *pkgkafka.Consumer,
	replay *usecase.KafkaFeedHandler,
	dirReplay *usecase.DirReplay,
	q *queue.RedisQueue,
	httpServer *xhttp.Server,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
	redisClient *redis.Client,
) *server.App {
	// the log collector flushes through the producer, so it goes first
	closers := []server.NamedCloser{
		{Name: "log collector", Closer: closerFunc(func() error { l.RemoveCollector(); return nil })},
	}
	if producer != nil {
		closers = append(closers, server.NamedCloser{Name: "kafka producer", Closer: producer})
	}
	if ch != nil {
		closers = append(closers, server.NamedCloser{Name: "clickhouse", Closer: ch})
	}
	if redisClient != nil {
		closers = append(closers, server.NamedCloser{Name: "redis", Closer: redisClient})
	}

	c := server.Components{
		Engine:    engine,
		Reporter:  reporter,
		Collector: collector,
		DirReplay: dirReplay,
		Queue:     q,
		HTTP:      httpServer,
		Closers:   closers,
	}
	if consumer != nil {
		c.Consumer = consumer
		c.Replay = replay
	}
	return server.New(cfg, l, c)
}
