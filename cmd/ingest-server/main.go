package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/ingest"
	"github.com/brainlytree/sensor-server/internal/integration"
	"github.com/brainlytree/sensor-server/internal/objectstore"
	"github.com/brainlytree/sensor-server/internal/session"
	"github.com/brainlytree/sensor-server/internal/snapshot"
	"github.com/brainlytree/sensor-server/internal/storage"
	"github.com/brainlytree/sensor-server/internal/transport"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/ingest-server.yml", "Configuration file path")
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

	// Connect to database
	store, err := storage.NewPostgresStore(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer store.Close()

	log.Info().Msg("Connected to database")

	// Assembled image storage
	objects, err := objectstore.NewFileStore(cfg.Storage.Dir, cfg.Storage.BaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open image storage")
	}

	// Optional NATS forwarder for downstream consumers
	var events integration.Publisher
	if cfg.NATS.URL != "" {
		forwarder, err := integration.Connect(cfg.NATS)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event forwarding")
		} else {
			defer forwarder.Close()
			events = forwarder
			log.Info().Str("url", cfg.NATS.URL).Msg("Connected to NATS")
		}
	}

	// Device-facing MQTT broker
	mqttClient, err := transport.NewMQTTClient(cfg.MQTT)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
	}
	defer mqttClient.Close()

	// Ingest pipeline and retry coordinator share the chunk buffers
	buffers := ingest.NewBufferRegistry()
	pipeline := ingest.NewPipeline(store, mqttClient, events, objects, buffers, cfg.Ingest)
	retry := ingest.NewRetryCoordinator(store, mqttClient, pipeline, buffers, cfg.Ingest)

	if err := mqttClient.Subscribe(pipeline); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to device topics")
	}

	// Snapshot generator doubles as the session finalizer so the
	// day's last snapshot lands before the session locks.
	generator := snapshot.NewGenerator(store, events, cfg.Snapshot.SweepInterval)
	lifecycle := session.NewLifecycle(store, generator, cfg.Session.SweepInterval)

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		retry.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		lifecycle.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		generator.Run(ctx)
	}()

	log.Info().Str("name", cfg.Server.Name).Str("version", cfg.Server.Version).Msg("Ingest server started")

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()
	wg.Wait()

	log.Info().Msg("Ingest server stopped")
}
