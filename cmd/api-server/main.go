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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/brainlytree/sensor-server/internal/api"
	"github.com/brainlytree/sensor-server/internal/config"
	"github.com/brainlytree/sensor-server/internal/ingest"
	"github.com/brainlytree/sensor-server/internal/integration"
	"github.com/brainlytree/sensor-server/internal/objectstore"
	"github.com/brainlytree/sensor-server/internal/storage"
	"github.com/brainlytree/sensor-server/internal/transport"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/api-server.yml", "Configuration file path")
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

	// The capture and manual-retry endpoints need the broker; the API
	// still serves reads when it is unreachable.
	var publisher transport.Publisher
	var retry *ingest.RetryCoordinator
	if cfg.MQTT.URL != "" {
		mqttClient, err := transport.NewMQTTClient(cfg.MQTT)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to MQTT broker, command endpoints disabled")
		} else {
			defer mqttClient.Close()
			publisher = mqttClient

			objects, err := objectstore.NewFileStore(cfg.Storage.Dir, cfg.Storage.BaseURL)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to open image storage")
			}

			var events integration.Publisher
			if cfg.NATS.URL != "" {
				forwarder, err := integration.Connect(cfg.NATS)
				if err != nil {
					log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without event forwarding")
				} else {
					defer forwarder.Close()
					events = forwarder
				}
			}

			buffers := ingest.NewBufferRegistry()
			pipeline := ingest.NewPipeline(store, mqttClient, events, objects, buffers, cfg.Ingest)
			retry = ingest.NewRetryCoordinator(store, mqttClient, pipeline, buffers, cfg.Ingest)
		}
	}

	// Start REST API server
	apiServer := api.NewRESTServer(cfg, store, publisher, retry)

	var wg sync.WaitGroup

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

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	wg.Wait()

	log.Info().Msg("API server stopped")
}
