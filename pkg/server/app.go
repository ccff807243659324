package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"BookPulse/internal/usecase"
	"BookPulse/pkg/config"
	xhttp "BookPulse/pkg/http"
	pkgkafka "BookPulse/pkg/kafka"
	applogger "BookPulse/pkg/logger"
	"BookPulse/pkg/queue"
)

// Components groups everything the application starts and stops. Optional
// parts are nil when their feature is disabled.
type Components struct {
	Engine    *usecase.BookEngine
	Reporter  *usecase.StatsReporter
	Collector *usecase.FeedCollector // live feed
	Consumer  *pkgkafka.Consumer     // replay feed
	Replay    pkgkafka.MessageHandler
	DirReplay *usecase.DirReplay // replay from archive.dir
	Queue     *queue.RedisQueue
	HTTP      *xhttp.Server
	// Closers release infrastructure clients in order after everything else stopped.
	Closers []NamedCloser
}

// NamedCloser is a client closed at shutdown.
type NamedCloser struct {
	Name string
	io.Closer
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg *config.Config
	log *applogger.Logger
	c   Components
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, log *applogger.Logger, c Components) *App {
	return &App{cfg: cfg, log: log, c: c}
}

// Run starts every component and blocks until ctx is cancelled or the engine
// stops on its own, then shuts down in dependency order.
func (a *App) Run(ctx context.Context) error {
	if a.c.Engine == nil || a.c.Reporter == nil {
		return errors.New("engine and reporter are required")
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- a.c.Engine.Run(engineCtx) }()

	a.c.Reporter.Start(ctx)

	if a.c.Queue != nil {
		if err := a.c.Queue.Start(); err != nil {
			stopEngine()
			<-engineDone
			a.c.Reporter.Stop()
			return fmt.Errorf("job queue: %w", err)
		}
	}

	if err := a.startFeed(ctx); err != nil {
		a.log.Error("feed start failed", applogger.Error(err))
		stopEngine()
		<-engineDone
		a.shutdown()
		return err
	}

	if a.c.HTTP != nil {
		if err := a.c.HTTP.Start(); err != nil {
			a.log.Error("http server start error", applogger.Error(err))
			stopEngine()
			<-engineDone
			a.shutdown()
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
		stopEngine()
		runErr = <-engineDone
	case runErr = <-engineDone:
		a.log.Warn("engine exited", applogger.Error(runErr))
	}
	a.shutdown()
	return runErr
}

func (a *App) startFeed(ctx context.Context) error {
	switch {
	case a.c.Collector != nil:
		if err := a.c.Collector.Start(ctx); err != nil {
			return fmt.Errorf("feed collector: %w", err)
		}
		a.log.Info("live feed started",
			applogger.String("product", a.cfg.Feed.ProductID),
			applogger.String("url", a.cfg.Feed.WebSocketURL))
	case a.c.Consumer != nil && a.c.Replay != nil:
		a.c.Consumer.RegisterHandler(a.c.Replay)
		if err := a.c.Consumer.Start(); err != nil {
			return fmt.Errorf("replay consumer: %w", err)
		}
		a.log.Info("replaying archived feed", applogger.String("topic", a.c.Replay.Topic()))
	case a.c.DirReplay != nil:
		if err := a.c.DirReplay.Start(ctx); err != nil {
			return fmt.Errorf("directory replay: %w", err)
		}
		a.log.Info("replaying archived feed", applogger.String("dir", a.cfg.Archive.Dir))
	default:
		return errors.New("no feed source configured")
	}
	return nil
}

// shutdown stops the feed, drains the reporter, stops HTTP and closes clients.
// The engine has already returned, so no partial report is produced.
func (a *App) shutdown() {
	a.log.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if a.c.Collector != nil {
		if err := a.c.Collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.c.DirReplay != nil {
		if err := a.c.DirReplay.Shutdown(ctx); err != nil {
			a.log.Warn("directory replay stop error", applogger.Error(err))
		}
	}
	if a.c.Consumer != nil {
		if err := a.c.Consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	a.c.Reporter.Stop()
	if n := a.c.Reporter.Dropped(); n > 0 {
		a.log.Warn("reports dropped by a slow sink", applogger.Int64("count", n))
	}

	if a.c.Queue != nil {
		if err := a.c.Queue.Stop(ctx); err != nil {
			a.log.Warn("job queue stop error", applogger.Error(err))
		}
	}
	if a.c.HTTP != nil {
		if err := a.c.HTTP.Stop(ctx); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}

	for _, c := range a.c.Closers {
		if err := c.Close(); err != nil {
			a.log.Warn("close error", applogger.String("client", c.Name), applogger.Error(err))
		}
	}
	a.log.Info("shutdown complete")
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
