// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/homeassistant"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// PublishState is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishState(_ context.Context, _ map[string]string) error {
	return nil
}

// PublishAlert is a no-op for the NoopPublisher.
func (p *NoopPublisher) PublishAlert(_ context.Context, _ domain.CommFailureState) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// Alert is the payload published when the comm-failure state changes.
type Alert struct {
	Failing bool       `json:"failing"`
	Since   *time.Time `json:"since,omitempty"`
}

// MQTTPublisher publishes variable snapshots and comm alerts to an MQTT broker.
type MQTTPublisher struct {
	config        *config.Config
	model         domain.Model
	deviceID      string
	client        mqtt.Client
	clientFactory func(*mqtt.ClientOptions) mqtt.Client
	logger        zerolog.Logger

	mu                sync.RWMutex
	connected         bool
	haDiscovery       *homeassistant.AutoDiscovery
	discoveredSensors map[string]bool
	lastDiscoveryTime time.Time
	birthSubscribed   bool
}

// NewMQTTPublisher creates a new MQTT publisher for the gateway identified by deviceID.
func NewMQTTPublisher(cfg *config.Config, model domain.Model, deviceID string) *MQTTPublisher {
	return &MQTTPublisher{
		config:            cfg,
		model:             model,
		deviceID:          deviceID,
		clientFactory:     mqtt.NewClient,
		discoveredSensors: make(map[string]bool),
		logger:            log.With().Str("component", "mqtt").Logger(),
	}
}

// StateTopic is where variable snapshots are published.
func (p *MQTTPublisher) StateTopic() string {
	return p.config.MQTT.Topic + "/state"
}

// AlertTopic is where comm-failure alerts are published.
func (p *MQTTPublisher) AlertTopic() string {
	return p.config.MQTT.Topic + "/alert"
}

// availabilityTopic matches the topic advertised in discovery messages.
func (p *MQTTPublisher) availabilityTopic() string {
	return p.config.MQTT.Topic + "/availability"
}

// clientOptions builds the paho options including the connection handlers.
func (p *MQTTPublisher) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", p.config.MQTT.Host, p.config.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-eagle-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		opts.SetWill(p.availabilityTopic(), "offline", 0, true)
	}

	if p.config.MQTT.Username != "" {
		opts.SetUsername(p.config.MQTT.Username)
		opts.SetPassword(p.config.MQTT.Password)
	}

	return opts
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.setupHomeAssistantDiscovery(); err != nil {
			return fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
		}
	}

	if p.client == nil {
		p.client = p.clientFactory(p.clientOptions())
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled && p.config.MQTT.HomeAssistantAutoDiscovery.ListenToBirthMessage {
		p.subscribeToBirthMessage()
	}

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")
	return nil
}

// onConnect runs on every (re)connection and forces rediscovery.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	p.discoveredSensors = make(map[string]bool)
	p.lastDiscoveryTime = time.Time{}
	p.mu.Unlock()

	p.logger.Debug().Msg("MQTT connection established, cleared discovery cache")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.birthSubscribed = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.RLock()
	subscribed := p.birthSubscribed
	p.mu.RUnlock()
	if subscribed {
		return
	}

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix)

	token := p.client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if token.Wait() && token.Error() != nil {
		p.logger.Warn().Err(token.Error()).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage clears the discovery cache when Home Assistant comes online.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())
	p.logger.Debug().Str("topic", msg.Topic()).Str("payload", payload).Msg("Received Home Assistant birth message")

	if payload == "online" {
		p.logger.Info().Msg("Home Assistant came online, triggering auto-discovery refresh")
		p.mu.Lock()
		p.discoveredSensors = make(map[string]bool)
		p.lastDiscoveryTime = time.Time{}
		p.mu.Unlock()
	}
}

// shouldRediscover checks if the periodic rediscovery is due. Caller holds p.mu.
func (p *MQTTPublisher) shouldRediscover() bool {
	hours := p.config.MQTT.HomeAssistantAutoDiscovery.RediscoveryInterval
	if hours <= 0 {
		return false
	}
	if p.lastDiscoveryTime.IsZero() {
		return true
	}
	return time.Since(p.lastDiscoveryTime) >= time.Duration(hours)*time.Hour
}

// Publish sends data as JSON to the specified topic.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, p.config.MQTT.Retain, jsonData)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, retain bool, payload interface{}) error {
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}
	return nil
}

// PublishState publishes a snapshot of the stored variables. Numeric values are sent as
// JSON numbers; Home Assistant discovery is refreshed for the published sensors.
func (p *MQTTPublisher) PublishState(ctx context.Context, vars map[string]string) error {
	if !p.config.MQTT.Enabled || !p.isConnected() || len(vars) == 0 {
		return nil
	}

	data := make(map[string]interface{}, len(vars))
	for name, value := range vars {
		data[name] = stateValue(value)
	}

	if p.haDiscovery != nil {
		data = p.haDiscovery.ApplyCalculations(data)
		if err := p.publishHomeAssistantDiscovery(ctx, data); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	if err := p.Publish(ctx, p.StateTopic(), data); err != nil {
		return fmt.Errorf("failed to publish state: %w", err)
	}
	p.logger.Debug().Int("variables", len(data)).Str("topic", p.StateTopic()).Msg("Published state")
	return nil
}

// PublishAlert publishes the comm-failure state.
func (p *MQTTPublisher) PublishAlert(ctx context.Context, state domain.CommFailureState) error {
	return p.Publish(ctx, p.AlertTopic(), Alert{Failing: state.Failing, Since: state.FailureStart})
}

// stateValue converts a stored string to a float when it is numeric.
func stateValue(s string) interface{} {
	if s == "" {
		return s
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !strings.EqualFold(s, "nan") && !strings.Contains(strings.ToLower(s), "inf") {
		return f
	}
	return s
}

// setupHomeAssistantDiscovery initializes Home Assistant auto-discovery.
func (p *MQTTPublisher) setupHomeAssistantDiscovery() error {
	if p.haDiscovery != nil {
		return nil
	}

	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	haConfig := homeassistant.Config{
		Enabled:             ha.Enabled,
		DiscoveryPrefix:     ha.DiscoveryPrefix,
		DeviceName:          ha.DeviceName,
		DeviceManufacturer:  ha.DeviceManufacturer,
		DeviceModel:         ha.DeviceModel,
		RetainDiscovery:     ha.RetainDiscovery,
		ValueTemplateSuffix: ha.ValueTemplateSuffix,
	}

	var err error
	p.haDiscovery, err = homeassistant.New(haConfig, p.StateTopic(), p.deviceID, p.model)
	return err
}

// publishHomeAssistantDiscovery publishes discovery messages for sensors not yet announced.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, data map[string]interface{}) error {
	p.mu.Lock()
	rediscover := p.shouldRediscover()
	pending := make(map[string]homeassistant.DiscoveryMessage)
	for topic, message := range p.haDiscovery.GenerateDiscoveryMessages(data) {
		if !p.discoveredSensors[topic] || rediscover {
			pending[topic] = message
		}
	}
	p.mu.Unlock()

	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	for topic, message := range pending {
		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := p.publishRaw(ctx, topic, retain, messageJSON); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}
		p.mu.Lock()
		p.discoveredSensors[topic] = true
		p.mu.Unlock()
	}

	if rediscover {
		p.mu.Lock()
		p.lastDiscoveryTime = time.Now()
		p.mu.Unlock()
	}

	if len(pending) > 0 {
		p.logger.Debug().Int("sensors", len(pending)).Msg("Published Home Assistant discovery")
	}

	availability := p.haDiscovery.CreateAvailabilityMessage(true)
	return p.publishRaw(ctx, p.haDiscovery.GetAvailabilityTopic(), true, availability)
}

// removeHomeAssistantSensors clears the retained discovery config of every layout sensor
// so Home Assistant drops the entities.
func (p *MQTTPublisher) removeHomeAssistantSensors() {
	for topic, payload := range p.haDiscovery.CleanupDiscoveryMessages(p.haDiscovery.Sensors()) {
		token := p.client.Publish(topic, 0, true, payload)
		if !token.WaitTimeout(time.Second) || token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("Failed to remove discovery config")
		}
	}

	p.mu.Lock()
	p.discoveredSensors = make(map[string]bool)
	p.mu.Unlock()
	p.logger.Info().Msg("Home Assistant discovery configs removed")
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.isConnected() {
		return nil
	}

	if p.haDiscovery != nil {
		if p.config.MQTT.HomeAssistantAutoDiscovery.CleanupOnShutdown {
			p.removeHomeAssistantSensors()
		}
		token := p.client.Publish(p.haDiscovery.GetAvailabilityTopic(), 0, true, p.haDiscovery.CreateAvailabilityMessage(false))
		token.WaitTimeout(time.Second)
	}

	p.client.Disconnect(250)
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}
