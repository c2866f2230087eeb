package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jkaberg/bangle-hass/internal/mqtt"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
)

// MQTTTransmitter publishes records as Home Assistant MQTT entities.
type MQTTTransmitter struct {
	client          Publisher
	deviceID        string
	discoveryPrefix string
	logger          *logrus.Logger

	mu        sync.Mutex
	published map[string]bool // discovery configs already sent
}

// HADiscoveryConfig represents Home Assistant MQTT discovery configuration
type HADiscoveryConfig struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	Device            HADevice `json:"device"`
	AvailabilityTopic string   `json:"availability_topic"`
	Icon              string   `json:"icon,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
}

// HADevice represents the device information for Home Assistant
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is one Home Assistant entity derived from the key table.
type SensorConfig struct {
	Name        string
	EntityID    string
	EntityType  string
	DeviceClass string
	Unit        string
	Icon        string
	StateClass  string
	Category    string
}

// NewMQTTTransmitter creates a new MQTT transmitter
func NewMQTTTransmitter(client Publisher, deviceID, discoveryPrefix string, logger *logrus.Logger) *MQTTTransmitter {
	return &MQTTTransmitter{
		client:          client,
		deviceID:        deviceID,
		discoveryPrefix: discoveryPrefix,
		logger:          logger,
		published:       make(map[string]bool),
	}
}

// sensorConfigs builds the entity list from the published keys, plus the
// derived wear state.
func sensorConfigs() []SensorConfig {
	keys := sensors.PublishedKeys()
	configs := make([]SensorConfig, 0, len(keys)+1)
	for _, def := range keys {
		cfg := SensorConfig{
			Name:        def.EnglishName,
			EntityID:    sensors.ToSnakeCase(def.FieldName),
			EntityType:  "sensor",
			DeviceClass: def.DeviceClass,
			Unit:        def.Unit,
			Icon:        def.Icon,
		}
		switch def.Short {
		case "ts":
			cfg.Category = "diagnostic"
		case "s":
			cfg.StateClass = "total_increasing"
		default:
			cfg.StateClass = "measurement"
		}
		configs = append(configs, cfg)
	}
	return append(configs, SensorConfig{
		Name:       "Wear State",
		EntityID:   "wear_state",
		EntityType: "sensor",
		Icon:       "mdi:watch",
	})
}

func (t *MQTTTransmitter) device() HADevice {
	return HADevice{
		Identifiers:  []string{fmt.Sprintf("bangle_%s", t.deviceID)},
		Name:         "Bangle.js",
		Model:        "Bangle.js 2",
		Manufacturer: "Espruino",
		SWVersion:    "1.0.0",
	}
}

// publishDiscoveryConfigs sends each entity's discovery config once.
func (t *MQTTTransmitter) publishDiscoveryConfigs() {
	baseTopic := mqtt.BaseTopic(t.deviceID)
	device := t.device()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sensor := range sensorConfigs() {
		uniqueID := fmt.Sprintf("%s_%s", t.deviceID, sensor.EntityID)
		if t.published[uniqueID] {
			continue
		}

		cfg := HADiscoveryConfig{
			Name:              sensor.Name,
			UniqueID:          uniqueID,
			StateTopic:        baseTopic + "/state",
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", sensor.EntityID),
			AvailabilityTopic: baseTopic + "/availability",
			Device:            device,
			DeviceClass:       sensor.DeviceClass,
			UnitOfMeasurement: sensor.Unit,
			Icon:              sensor.Icon,
			StateClass:        sensor.StateClass,
			EntityCategory:    sensor.Category,
		}

		topic := fmt.Sprintf("%s/%s/bangle_%s/%s/config",
			t.discoveryPrefix, sensor.EntityType, t.deviceID, sensor.EntityID)

		if err := t.publishJSON(topic, cfg, true); err != nil {
			t.logger.WithError(err).WithField("sensor", sensor.Name).Error("Failed to publish discovery config")
			continue
		}
		t.logger.WithFields(logrus.Fields{
			"sensor_name": sensor.Name,
			"topic":       topic,
		}).Info("Published sensor discovery config")
		t.published[uniqueID] = true
	}
}

func (t *MQTTTransmitter) publishJSON(topic string, v interface{}, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return t.client.Publish(topic, payload, retained)
}

// buildStatePayload maps the published fields of rec onto their snake_case
// entity ids.
func buildStatePayload(rec *sensors.SensorRecord) map[string]interface{} {
	fields := sensors.GetNonNilFields(rec)
	state := make(map[string]interface{}, len(fields)+2)
	for _, def := range sensors.PublishedKeys() {
		key := sensors.ToSnakeCase(def.FieldName)
		if v, ok := fields[key]; ok {
			state[key] = v
		}
	}
	state["wear_state"] = sensors.DeriveWearState(rec)
	state["replayed"] = rec.Replayed
	return state
}

// Transmit publishes discovery (first time), state and availability.
func (t *MQTTTransmitter) Transmit(_ context.Context, rec *sensors.SensorRecord) error {
	if !t.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	t.publishDiscoveryConfigs()

	topic := mqtt.StateTopic(t.deviceID)
	if err := t.publishJSON(topic, buildStatePayload(rec), true); err != nil {
		return fmt.Errorf("failed to publish sensor data: %w", err)
	}

	if err := t.client.Publish(mqtt.AvailabilityTopic(t.deviceID), []byte("online"), true); err != nil {
		return fmt.Errorf("failed to publish availability: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"timestamp": rec.Timestamp,
	}).Debug("Published sensor data")
	return nil
}

// IsConnected checks if the MQTT client is connected
func (t *MQTTTransmitter) IsConnected() bool {
	return t.client.IsConnected()
}
