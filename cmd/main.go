// Package main provides the entry point for the go-eagle gateway poller.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/pubsub"
	"github.com/resident-x/go-eagle/internal/service"
	pvoutput "github.com/resident-x/go-eagle/internal/service/pvoutput"
	"github.com/resident-x/go-eagle/internal/store"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Print(versionString())
		return 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", Version).Msg("Starting go-eagle")
	logServiceConfiguration(cfg)

	device, err := cfg.DeviceConfig()
	if err != nil {
		log.Error().Err(err).Msg("Invalid device configuration")
		return 1
	}

	vars, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open variable store")
		return 1
	}
	defer vars.Close()

	publisher := newPublisher(ctx, cfg, device)
	monitoring := newMonitoring(cfg)

	srv, err := service.NewMeterService(cfg, vars, publisher, monitoring)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create meter service")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		if service.IsMissingConfiguration(err) {
			log.Error().Err(err).Msg("Gateway is not configured, polling disabled")
		} else {
			log.Error().Err(err).Msg("Failed to start meter service")
		}
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping service")
		return 1
	}

	log.Info().Msg("Service stopped")
	return 0
}

func versionString() string {
	return fmt.Sprintf("go-eagle %s\n", Version)
}

// newPublisher connects to MQTT when enabled and falls back to the noop publisher.
func newPublisher(ctx context.Context, cfg *config.Config, device domain.DeviceConfig) service.StatePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg, device.Model, device.DeviceID)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}
	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

func newMonitoring(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		return pvoutput.NewNoopClient()
	}

	client := pvoutput.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
		return pvoutput.NewNoopClient()
	}
	return client
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// logServiceConfiguration logs the current service configuration for debugging.
func logServiceConfiguration(cfg *config.Config) {
	log.Debug().
		Str("log_level", cfg.LogLevel).
		Str("model", cfg.Device.Model).
		Str("address", cfg.Device.Address).
		Str("hardware_id", cfg.Device.HardwareID).
		Str("metering_type", cfg.Device.MeteringType).
		Str("timezone", cfg.Device.TimeZone).
		Bool("credentials", cfg.Device.Username != "").
		Msg("Gateway configuration")

	log.Debug().
		Int("interval_seconds", cfg.Polling.IntervalSeconds).
		Int("default_interval_seconds", cfg.Polling.DefaultIntervalSeconds).
		Int("max_interval_seconds", cfg.Polling.MaxIntervalSeconds).
		Str("season", cfg.Billing.Season).
		Msg("Polling and billing configuration")

	log.Debug().
		Str("driver", cfg.Store.Driver).
		Str("path", cfg.Store.Path).
		Str("namespace", cfg.Store.Namespace).
		Msg("Variable store configuration")

	log.Debug().
		Bool("enabled", cfg.API.Enabled).
		Str("host", cfg.API.Host).
		Int("port", cfg.API.Port).
		Msg("HTTP API configuration")

	if cfg.MQTT.Enabled {
		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		log.Debug().
			Str("host", cfg.MQTT.Host).
			Int("port", cfg.MQTT.Port).
			Str("topic", cfg.MQTT.Topic).
			Bool("retain", cfg.MQTT.Retain).
			Bool("ha_discovery", ha.Enabled).
			Str("discovery_prefix", ha.DiscoveryPrefix).
			Msg("MQTT configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("MQTT disabled")
	}

	if cfg.PVOutput.Enabled {
		log.Debug().
			Str("system_id", cfg.PVOutput.SystemID).
			Int("update_limit_minutes", cfg.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput configuration")
	} else {
		log.Debug().Bool("enabled", false).Msg("PVOutput disabled")
	}
}
