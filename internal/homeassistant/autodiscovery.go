// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-eagle/internal/domain"
)

//go:embed layouts/eagle_sensors.yaml
var eagleSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled             bool
	DiscoveryPrefix     string
	DeviceName          string
	DeviceManufacturer  string
	DeviceModel         string
	RetainDiscovery     bool
	ValueTemplateSuffix string
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
	StatusMapping     string `yaml:"status_mapping,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version        string                       `yaml:"version"`
	Description    string                       `yaml:"description"`
	StatusMappings map[string]map[string]string `yaml:"status_mappings"`
	Sensors        map[string]SensorConfig      `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
	model        domain.Model
}

// New creates a new Home Assistant auto-discovery instance. baseTopic is the topic the
// state snapshot is published on.
func New(config Config, baseTopic, deviceID string, model domain.Model) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
		model:     model,
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(eagleSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("component", "homeassistant").
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded")

	return nil
}

// Sensors returns the configured sensor names in sorted order.
func (ad *AutoDiscovery) Sensors() []string {
	names := make([]string, 0, len(ad.layoutConfig.Sensors))
	for name := range ad.layoutConfig.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyCalculations applies status mapping to the provided data.
func (ad *AutoDiscovery) ApplyCalculations(data map[string]interface{}) map[string]interface{} {
	processed := make(map[string]interface{}, len(data))
	for key, value := range data {
		processed[key] = value
	}

	for fieldName, sensor := range ad.layoutConfig.Sensors {
		value, exists := data[fieldName]
		if !exists || sensor.StatusMapping == "" {
			continue
		}
		mapping, ok := ad.layoutConfig.StatusMappings[sensor.StatusMapping]
		if !ok {
			log.Warn().Str("mapping_key", sensor.StatusMapping).Msg("Status mapping not found")
			continue
		}
		if mapped, found := mapping[fmt.Sprint(value)]; found {
			processed[fieldName] = mapped
		}
	}

	return processed
}

// GenerateDiscoveryMessages generates discovery messages for every configured sensor present in data.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(data map[string]interface{}) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for fieldName := range data {
		sensor, exists := ad.layoutConfig.Sensors[fieldName]
		if !exists {
			continue
		}
		messages[ad.getDiscoveryTopic(fieldName)] = ad.createDiscoveryMessage(fieldName, sensor)
	}

	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensor SensorConfig) DiscoveryMessage {
	var entityCategory string
	if sensor.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensor.Name,
		UniqueID:          fmt.Sprintf("%s_%s", ad.nodeID(), fieldName),
		StateTopic:        ad.baseTopic,
		ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", fieldName) + ad.config.ValueTemplateSuffix,
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		StateClass:        sensor.StateClass,
		Icon:              sensor.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{ad.nodeID()},
			Name:         ad.config.DeviceName,
			Manufacturer: ad.config.DeviceManufacturer,
			Model:        ad.getDeviceModel(),
			SwVersion:    "go-eagle",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}
}

func (ad *AutoDiscovery) nodeID() string {
	id := strings.TrimPrefix(strings.ToLower(ad.deviceID), "0x")
	id = strings.ReplaceAll(id, " ", "_")
	if id == "" {
		id = "meter"
	}
	return "eagle_" + id
}

// getDiscoveryTopic generates <discovery_prefix>/sensor/<node_id>/<object_id>/config.
func (ad *AutoDiscovery) getDiscoveryTopic(fieldName string) string {
	nodeID := ad.nodeID()
	objectID := fmt.Sprintf("%s_%s", nodeID, strings.ToLower(fieldName))
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// getDeviceModel returns the configured model or one derived from the gateway model.
func (ad *AutoDiscovery) getDeviceModel() string {
	if ad.config.DeviceModel != "" {
		return ad.config.DeviceModel
	}
	switch ad.model {
	case domain.ModelLegacy:
		return "EAGLE"
	case domain.ModelEagle200:
		return "EAGLE-200"
	default:
		return "Energy Gateway"
	}
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return strings.TrimSuffix(ad.baseTopic, "/state") + "/availability"
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates empty payloads that remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fieldNames []string) map[string]string {
	messages := make(map[string]string)
	for _, fieldName := range fieldNames {
		messages[ad.getDiscoveryTopic(fieldName)] = ""
	}
	return messages
}
