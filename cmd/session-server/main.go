package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/phonerescue/phonerescue-server/internal/api"
	"github.com/phonerescue/phonerescue-server/internal/auth"
	"github.com/phonerescue/phonerescue-server/internal/broadcast"
	"github.com/phonerescue/phonerescue-server/internal/config"
	"github.com/phonerescue/phonerescue-server/internal/engine"
	"github.com/phonerescue/phonerescue-server/internal/lock"
	"github.com/phonerescue/phonerescue-server/internal/server"
	"github.com/phonerescue/phonerescue-server/internal/storage"
	"github.com/phonerescue/phonerescue-server/internal/worker"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/session-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Select store
	var store storage.Store
	if cfg.Database.DSN != "" {
		store, err = storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
		log.Info().Msg("Database not configured, using in-memory store")
	}
	defer store.Close()

	// Select device lock registry
	var locks lock.Registry
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		locks = lock.NewRedisRegistry(client, cfg.Redis.LockTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis device locks")
	} else {
		locks = lock.NewMemoryRegistry()
		log.Info().Msg("Redis not configured, using in-process device locks")
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// WaitGroup for services
	var wg sync.WaitGroup

	// Optional: connect to NATS for event mirroring
	var mirror broadcast.Mirror
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("phonerescue-session-server"),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
			nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
				log.Error().
					Err(err).
					Str("subject", sub.Subject).
					Msg("NATS error")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			mirror = broadcast.NewNATSMirror(nc)

			// Start NATS subscriber
			subscriber := server.NewNATSSubscriber(nc, store)

			wg.Add(1)
			go func() {
				defer wg.Done()
				log.Info().Msg("Starting NATS subscriber")
				if err := subscriber.Start(ctx); err != nil {
					log.Error().Err(err).Msg("NATS subscriber stopped")
				}
			}()
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Build the session controller
	adapter := &worker.SimAdapter{
		ItemCount: cfg.Adapter.ItemCount,
		StepDelay: cfg.Adapter.StepDelay,
	}
	workers := worker.NewDefaultRegistry(adapter)
	gate := auth.NewStoreGate(store)

	controller := engine.NewController(store, locks, workers, gate, mirror, engine.Config{
		WorkerTimeout:    cfg.Engine.WorkerTimeout,
		CancelGrace:      cfg.Engine.CancelGrace,
		WatchdogInterval: cfg.Engine.WatchdogInterval,
	})

	// Start session watchdog
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := controller.RunWatchdog(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Session watchdog stopped")
		}
	}()

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, controller)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	log.Info().Msg("Session server stopped")
}
