// Package config provides configuration management for the go-eagle application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/resident-x/go-eagle/internal/billing"
	"github.com/resident-x/go-eagle/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel string `mapstructure:"log_level"`

	// Gateway settings
	Device struct {
		Model          string `mapstructure:"model"`
		Address        string `mapstructure:"address"`
		Username       string `mapstructure:"username"`
		Password       string `mapstructure:"password"`
		HardwareID     string `mapstructure:"hardware_id"`
		MeteringType   string `mapstructure:"metering_type"`
		DeviceID       string `mapstructure:"device_id"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		TimeZone       string `mapstructure:"timezone"`
	} `mapstructure:"device"`

	// Polling settings, in seconds
	Polling struct {
		IntervalSeconds        int `mapstructure:"interval_seconds"`
		DefaultIntervalSeconds int `mapstructure:"default_interval_seconds"`
		MaxIntervalSeconds     int `mapstructure:"max_interval_seconds"`
	} `mapstructure:"polling"`

	// Billing settings
	Billing struct {
		Season string `mapstructure:"season"`
		Rates  struct {
			PeakSummer    float64 `mapstructure:"peak_summer"`
			OffPeakSummer float64 `mapstructure:"off_peak_summer"`
			PeakWinter    float64 `mapstructure:"peak_winter"`
			OffPeakWinter float64 `mapstructure:"off_peak_winter"`
		} `mapstructure:"rates"`
	} `mapstructure:"billing"`

	// Variable store settings
	Store struct {
		Driver    string `mapstructure:"driver"`
		Path      string `mapstructure:"path"`
		Namespace string `mapstructure:"namespace"`
	} `mapstructure:"store"`

	// HTTP API settings
	API struct {
		Enabled     bool     `mapstructure:"enabled"`
		Host        string   `mapstructure:"host"`
		Port        int      `mapstructure:"port"`
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled              bool   `mapstructure:"enabled"`
			DiscoveryPrefix      string `mapstructure:"discovery_prefix"`
			DeviceName           string `mapstructure:"device_name"`
			DeviceManufacturer   string `mapstructure:"device_manufacturer"`
			DeviceModel          string `mapstructure:"device_model"`
			RetainDiscovery      bool   `mapstructure:"retain_discovery"`
			ValueTemplateSuffix  string `mapstructure:"value_template_suffix"`
			ListenToBirthMessage bool   `mapstructure:"listen_to_birth_message"`
			RediscoveryInterval  int    `mapstructure:"rediscovery_interval_hours"`
			CleanupOnShutdown    bool   `mapstructure:"cleanup_on_shutdown"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool   `mapstructure:"enabled"`
		APIKey             string `mapstructure:"api_key"`
		SystemID           string `mapstructure:"system_id"`
		UpdateLimitMinutes int    `mapstructure:"update_limit_minutes"`
	} `mapstructure:"pvoutput"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
	}

	// Default gateway settings
	cfg.Device.Model = string(domain.ModelEagle200)
	cfg.Device.MeteringType = string(domain.MeteringDelivered)
	cfg.Device.TimeoutSeconds = 15
	cfg.Device.TimeZone = "Local"

	// Default polling settings
	cfg.Polling.IntervalSeconds = 60
	cfg.Polling.DefaultIntervalSeconds = 60
	cfg.Polling.MaxIntervalSeconds = 3600

	// Default billing settings
	cfg.Billing.Season = "Summer"

	// Default store settings
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "eagle.db"
	cfg.Store.Namespace = "eagle"

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080
	cfg.API.CORSOrigins = []string{"*"}

	// Default MQTT settings
	cfg.MQTT.Enabled = false
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/eagle"
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceName = "Energy Gateway"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "Rainforest Automation"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage = true
	cfg.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval = 24

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Info().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// EAGLE_DEVICE_ADDRESS overrides device.address.
	v.SetEnvPrefix("EAGLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("unable to bind %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return cfg, nil
}

// envKeys are the settings that can be supplied only through the environment.
var envKeys = []string{
	"log_level",
	"device.model", "device.address", "device.username", "device.password",
	"device.hardware_id", "device.metering_type", "device.device_id",
	"store.driver", "store.path",
	"mqtt.enabled", "mqtt.host", "mqtt.port", "mqtt.username", "mqtt.password",
	"pvoutput.api_key", "pvoutput.system_id",
}

// DeviceConfig converts the device section into the session's immutable device config.
func (c *Config) DeviceConfig() (domain.DeviceConfig, error) {
	model, err := domain.ParseModel(c.Device.Model)
	if err != nil {
		return domain.DeviceConfig{}, err
	}
	metering, err := domain.ParseMeteringType(c.Device.MeteringType)
	if err != nil {
		return domain.DeviceConfig{}, err
	}

	loc := time.Local
	if c.Device.TimeZone != "" && c.Device.TimeZone != "Local" {
		loc, err = time.LoadLocation(c.Device.TimeZone)
		if err != nil {
			return domain.DeviceConfig{}, fmt.Errorf("invalid timezone %q: %w", c.Device.TimeZone, err)
		}
	}

	cfg := domain.DeviceConfig{
		Model:        model,
		Address:      c.Device.Address,
		HardwareID:   c.Device.HardwareID,
		MeteringType: metering,
		DeviceID:     c.Device.DeviceID,
		Timeout:      time.Duration(c.Device.TimeoutSeconds) * time.Second,
		Location:     loc,
	}
	if c.Device.Username != "" || c.Device.Password != "" {
		cfg.Credentials = &domain.Credentials{ID: c.Device.Username, Secret: c.Device.Password}
	}
	return cfg, nil
}

// Rates returns the configured billing rates.
func (c *Config) Rates() billing.Rates {
	return billing.Rates{
		PeakSummer:    c.Billing.Rates.PeakSummer,
		OffPeakSummer: c.Billing.Rates.OffPeakSummer,
		PeakWinter:    c.Billing.Rates.PeakWinter,
		OffPeakWinter: c.Billing.Rates.OffPeakWinter,
	}
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-eagle Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")

	logger.Info().
		Str("model", c.Device.Model).
		Str("address", c.Device.Address).
		Str("hardware_id", c.Device.HardwareID).
		Str("metering_type", c.Device.MeteringType).
		Bool("credentials", c.Device.Username != "").
		Int("timeout_seconds", c.Device.TimeoutSeconds).
		Str("timezone", c.Device.TimeZone).
		Msg("Device")

	logger.Info().
		Int("interval_seconds", c.Polling.IntervalSeconds).
		Int("default_interval_seconds", c.Polling.DefaultIntervalSeconds).
		Int("max_interval_seconds", c.Polling.MaxIntervalSeconds).
		Msg("Polling")

	logger.Info().Str("season", c.Billing.Season).Msg("Billing")

	logger.Info().
		Str("driver", c.Store.Driver).
		Str("path", c.Store.Path).
		Str("namespace", c.Store.Namespace).
		Msg("Store")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Strs("cors_origins", c.API.CORSOrigins).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
