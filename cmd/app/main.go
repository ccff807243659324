package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"BookPulse/internal/di"
	"BookPulse/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	product := flag.String("product", "", "product to track, e.g. BTC-USD (overrides feed.product_id)")
	url := flag.String("url", "", "exchange websocket URL (overrides feed.websocket_url)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if *product != "" {
		cfg.Feed.ProductID = *product
	}
	if *url != "" {
		cfg.Feed.WebSocketURL = *url
	}
	if *debug {
		cfg.Logger.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("env=%s product=%s source=%s backend=%s",
		cfg.Environment, cfg.Feed.ProductID, cfg.Feed.Source, cfg.Backend.Type)

	app, err := di.InitializeApp(cfg)
	if err != nil {
		log.Fatalf("app initialization failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Run blocks until a signal arrives or the engine stops.
	if err := app.Run(ctx); err != nil {
		log.Printf("app error: %v", err)
		os.Exit(1)
	}
}
