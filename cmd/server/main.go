/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reward engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file + REWARD_* env)
  2. Open the store selected by store.driver
  3. Seed the catalog file, if configured
  4. Settle intents left by a previous process
  5. Start the recovery scheduler and, with amqp.url set, the relay
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides store.sqlite_path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop background jobs
  4. Close publisher and store
  5. Exit

EXAMPLES:
  ./server -config=config.yaml
  ./server -db=":memory:" -port=3000
  REWARD_STORE_DRIVER=postgres REWARD_STORE_POSTGRES_DSN="host=db ..." ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Background jobs
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/taiyaki/reward-engine/api"
	"github.com/taiyaki/reward-engine/catalog"
	"github.com/taiyaki/reward-engine/config"
	"github.com/taiyaki/reward-engine/fulfillment"
	"github.com/taiyaki/reward-engine/logging"
	"github.com/taiyaki/reward-engine/redemption"
	"github.com/taiyaki/reward-engine/store/memory"
	"github.com/taiyaki/reward-engine/store/postgres"
	"github.com/taiyaki/reward-engine/store/sqlite"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}

	log := logging.New(cfg.Log)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("server exited")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()

	// Initialize store
	store, err := openStore(cfg.Store, log)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	if cfg.Catalog.SeedPath != "" {
		seed, err := catalog.LoadFile(cfg.Catalog.SeedPath)
		if err != nil {
			return err
		}
		report, err := seed.Apply(ctx, store)
		if err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		log.WithFields(logrus.Fields{
			"path":           cfg.Catalog.SeedPath,
			"items_created":  report.ItemsCreated,
			"prizes_created": report.PrizesCreated,
		}).Info("catalog seeded")
	}

	engine := redemption.NewEngine(store, cfg.EngineConfig(), log)
	recoverer := redemption.NewRecoverer(store, log)

	// Settle whatever the previous process left open before taking traffic.
	if _, err := recoverer.Reconcile(ctx, cfg.Recovery.StaleAfter); err != nil {
		log.WithError(err).Error("startup recovery incomplete")
	}

	scheduler := api.NewScheduler(log)
	scheduler.Add("recovery", cfg.Recovery.Interval, api.RecoveryJob(recoverer, cfg.Recovery.StaleAfter))

	var publisher fulfillment.Publisher
	if cfg.AMQP.URL != "" {
		publisher, err = fulfillment.NewAMQPPublisher(fulfillment.AMQPConfig{
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to start fulfillment publisher: %w", err)
		}
		defer publisher.Close()

		relay := fulfillment.NewRelay(store, publisher, log, cfg.Relay.BatchSize)
		scheduler.Add("relay", cfg.Relay.Interval, api.RelayJob(relay))
	} else {
		log.Info("amqp.url not set, fulfillment relay disabled")
	}

	scheduler.Start()
	defer scheduler.Stop()

	// Initialize handler
	handler := api.NewHandler(engine, store, log)
	handler.Recoverer = recoverer
	handler.StaleAfter = cfg.Recovery.StaleAfter
	handler.IsAdmin = cfg.IsAdmin

	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":   cfg.Server.Port,
			"driver": cfg.Store.Driver,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

func openStore(cfg config.StoreConfig, log *logrus.Logger) (redemption.Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil
	case "postgres":
		return postgres.New(cfg.PostgresDSN, log)
	default:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.WithField("path", cfg.SQLitePath).Info("opened SQLite store")
		return store, nil
	}
}
