package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/kitchen-dispatch/internal/config"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/db"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/events"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/kitchen"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/storage/memory"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/storage/postgres"
	"github.com/vasiliy-maslov/kitchen-dispatch/internal/transport"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	log.Logger = log.With().Str("service", "dispatch-service").Logger()

	cfg, err := config.Load(envOr("CONFIG_FILE", "config.yaml"), ".env")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg.App)

	log.Info().Str("storage", cfg.StorageDriver).Str("timezone", cfg.Kitchen.Timezone).Msg("Dispatch service starting...")

	ctx := context.Background()

	var store kitchen.Store
	switch cfg.StorageDriver {
	case config.DriverMemory:
		store = memory.NewStore(memory.DefaultStations()...)
	default:
		pg, err := db.New(ctx, cfg.Postgres)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()

		if err := db.ApplyMigrations(cfg.Postgres.MigrationsPath, db.MigrationURL(cfg.Postgres)); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		pgStore, err := postgres.NewStore(ctx, pg.Pool)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create ticket store")
		}
		defer pgStore.Close()
		store = pgStore
	}

	var publisher kitchen.Publisher = kitchen.NoopPublisher{}
	if cfg.NATS.URL != "" {
		np, err := events.NewNATSPublisher(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer func() {
			if err := np.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close NATS publisher")
			}
		}()
		publisher = np
	}

	svc := kitchen.NewService(store, kitchen.Options{
		Publisher: publisher,
		Location:  cfg.Location(),
	})

	srv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      transport.NewRouter(svc, cfg.Retry),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.App.Port).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info().Msg("Shutting down...")
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
	}
	log.Info().Msg("Server stopped")
}

func setupLogger(app config.AppConfig) {
	level, err := zerolog.ParseLevel(app.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("log_level", app.LogLevel).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if app.Env != "development" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "dispatch-service").Logger()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
