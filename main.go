package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leverage-bot/config"
	"leverage-bot/internal/api"
	"leverage-bot/internal/database"
	"leverage-bot/internal/engine"
	"leverage-bot/internal/events"
	"leverage-bot/internal/logging"
	"leverage-bot/internal/persist"
	"leverage-bot/internal/pricefeed"
	"leverage-bot/internal/vault"
	"leverage-bot/internal/venue"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().
		Str("mode", cfg.TradingConfig.Mode).
		Str("persistence", cfg.PersistenceConfig.Backend).
		Msg("starting leverage bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus := events.NewEventBus()

	// Persistence backend.
	var gateway persist.Gateway
	switch cfg.PersistenceConfig.Backend {
	case "redis":
		gateway = persist.NewRedisStore(
			cfg.PersistenceConfig.Redis.Addr,
			cfg.PersistenceConfig.Redis.Password,
			cfg.PersistenceConfig.Redis.DB,
			cfg.PersistenceConfig.Redis.Prefix,
			logger,
		)
	default:
		gateway, err = persist.NewFileStore(cfg.PersistenceConfig.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open data directory")
		}
	}
	defer gateway.Close()

	// Price feed cache, fed by stream or poller below.
	feed := pricefeed.NewCache(cfg.PriceFeedConfig.MaxAge.Std())

	// Venue client: real HTTP client behind a circuit breaker, or the
	// random-walk mock in synthetic mode.
	var venueClient venue.Client
	realMode := cfg.TradingConfig.Mode == "real"
	if realMode {
		vaultClient, err := vault.NewClient(cfg.VaultConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create vault client")
		}
		creds, err := vaultClient.Credentials(ctx, cfg.VenueConfig)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to resolve venue credentials")
		}

		httpClient := venue.NewHTTPClient(creds.APIKey, creds.SecretKey, cfg.VenueConfig.BaseURL, cfg.VenueConfig.Timeout.Std())
		breaker := venue.NewBreaker(httpClient, venue.DefaultBreakerConfig(), logger)
		breaker.OnTrip(func(reason string) {
			eventBus.Publish(events.Event{
				Type: events.EventBreakerTripped,
				Data: map[string]interface{}{"reason": reason},
			})
		})
		venueClient = breaker
	} else {
		venueClient = venue.NewMockClient()
	}

	// Optional closed-position archive.
	var archiver engine.Archiver
	if cfg.DatabaseConfig.Enabled {
		db, err := database.NewDB(cfg.DatabaseConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			logger.Fatal().Err(err).Msg("database migrations failed")
		}
		archiver = database.NewRepository(db)
	}

	eng := engine.New(cfg, gateway, venueClient, feed, eventBus, archiver, logger)
	if err := eng.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start engine")
	}

	// The poller tracks whatever the engine holds open, so positions opened
	// after startup get monitor coverage without re-wiring the feed.
	poller := pricefeed.NewPoller(venueClient, feed, cfg.PriceFeedConfig.PollInterval.Std(), logger)
	poller.WatchSource(func() []string {
		active := eng.ActivePositions()
		symbols := make([]string, 0, len(active))
		for _, p := range active {
			symbols = append(symbols, p.Symbol)
		}
		return symbols
	})
	go poller.Run(ctx)

	if realMode && cfg.PriceFeedConfig.StreamURL != "" {
		var watch []string
		for _, p := range eng.ActivePositions() {
			watch = append(watch, p.Symbol)
		}
		stream := pricefeed.NewStream(cfg.PriceFeedConfig.StreamURL, watch, feed, logger)
		go stream.Run(ctx)
	}

	server := api.NewServer(api.ServerConfig{
		Host:           cfg.ServerConfig.Host,
		Port:           cfg.ServerConfig.Port,
		ProductionMode: cfg.ServerConfig.ProductionMode,
	}, eng, eventBus, logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("engine shutdown failed")
	}
	logger.Info().Msg("shutdown complete")
}
