package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jkaberg/bangle-hass/internal/protocol"
)

// Run modes
const (
	ModeAdvertise = "advertise"
	ModeReceive   = "receive"
)

// Listener kinds for the receive mode
const (
	ListenNotify = "notify"
	ListenScan   = "scan"
)

// Config holds all configuration options for the BANGLE-HASS application
type Config struct {
	Mode     string `json:"mode"`      // advertise or receive
	DeviceID string `json:"device_id"` // Unique device identifier
	Verbose  bool   `json:"verbose"`   // Enable verbose logging

	// Framing
	ChunkSize   int      `json:"chunk_size"`    // Record bytes per advertisement
	Marker      string   `json:"marker"`        // Replay marker, one character
	SpanNoise   []string `json:"span_noise"`    // Tokens stripped from extracted objects
	FragNoise   []string `json:"frag_noise"`    // Tokens stripped from each fragment
	KeepChars   string   `json:"keep_chars"`    // Extra characters surviving the filter
	MaxBuffered int      `json:"max_buffered"`  // Decoder partial cap, 0 = unbounded

	// Advertising
	LocalName         string        `json:"local_name"`         // Advertised name
	AdvertiseInterval time.Duration `json:"advertise_interval"` // Regular cycle
	ChunkDelay        time.Duration `json:"chunk_delay"`        // Per-chunk dwell time
	SensorTimeout     time.Duration `json:"sensor_timeout"`     // Sensor read deadline
	SensorURL         string        `json:"sensor_url"`         // HTTP sensor endpoint, empty = simulator
	SampleInterval    time.Duration `json:"sample_interval"`    // Store a sample for replay, 0 = off
	Replay            bool          `json:"replay"`             // Re-send stored samples after live cycles

	// Replay store
	RedisAddr      string `json:"redis_addr"`       // empty = in-memory queue
	RedisPassword  string `json:"redis_password"`   //
	RedisDB        int    `json:"redis_db"`         //
	ReplayQueueKey string `json:"replay_queue_key"` //
	ReplayQueueMax int    `json:"replay_queue_max"` //

	// Receiving
	Listen      string `json:"listen"`       // notify or scan
	WatchAddr   string `json:"watch_addr"`   // BLE address of the watch
	CompanyID   uint16 `json:"company_id"`   // Manufacturer id to accept in scan mode
	MinHeart    int    `json:"min_heart"`    // Alert below (bpm), 0 = off
	MaxHeart    int    `json:"max_heart"`    // Alert above (bpm), 0 = off
	Notify      bool   `json:"notify"`       // Raise termux notifications on alerts

	// MQTT Configuration
	MQTTUrl         string        `json:"mqtt_url"`         // MQTT URL (supports both WebSocket and standard MQTT)
	DiscoveryPrefix string        `json:"discovery_prefix"` // Home Assistant discovery prefix
	MQTTInterval    time.Duration `json:"mqtt_interval"`    // Minimum spacing between publishes

	// HTTP backend relay
	BackendURL string `json:"backend_url"` // e.g. http://127.0.0.1:5000
	PatientID  string `json:"patient_id"`  // added to relayed payloads

	// Postgres archive
	ArchiveDSN string `json:"archive_dsn"` // lib/pq connection string
}

// GetDefaultConfig returns a configuration with sensible defaults
func GetDefaultConfig() *Config {
	return &Config{
		Mode:     ModeReceive,
		DeviceID: "", // Will be auto-generated

		ChunkSize: 17,
		Marker:    "*",
		SpanNoise: []string{"[JAdvertisingchunk:", ">"},

		LocalName:         "Bangle.js",
		AdvertiseInterval: AdvertiseInterval,
		ChunkDelay:        ChunkDelay,
		SensorTimeout:     SensorTimeout,
		Replay:            true,

		ReplayQueueKey: DefaultReplayQueueKey,
		ReplayQueueMax: DefaultReplayQueueMax,

		Listen:    ListenNotify,
		CompanyID: ManufacturerID,
		MinHeart:  40,
		MaxHeart:  150,

		DiscoveryPrefix: "homeassistant",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("device ID is required")
	}

	switch c.Mode {
	case ModeAdvertise, ModeReceive:
	default:
		return fmt.Errorf("unknown mode %q (supported: %s, %s)", c.Mode, ModeAdvertise, ModeReceive)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if err := c.ValidateMarker(); err != nil {
		return err
	}
	if c.Replay && c.Marker == "" {
		return fmt.Errorf("replay needs a marker character")
	}
	if c.MaxBuffered < 0 {
		return fmt.Errorf("max buffered must not be negative")
	}

	if c.Mode == ModeAdvertise {
		if c.AdvertiseInterval <= 0 || c.ChunkDelay <= 0 || c.SensorTimeout <= 0 {
			return fmt.Errorf("advertise interval, chunk delay and sensor timeout must be positive")
		}
	}

	if c.Mode == ModeReceive {
		switch c.Listen {
		case ListenNotify:
			if c.WatchAddr == "" {
				return fmt.Errorf("watch address is required for notify listening")
			}
		case ListenScan:
		default:
			return fmt.Errorf("unknown listener %q (supported: %s, %s)", c.Listen, ListenNotify, ListenScan)
		}
	}

	// MQTT validation - support both WebSocket and standard MQTT protocols
	if c.MQTTUrl != "" {
		if !strings.HasPrefix(c.MQTTUrl, "ws://") &&
			!strings.HasPrefix(c.MQTTUrl, "wss://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtt://") &&
			!strings.HasPrefix(c.MQTTUrl, "mqtts://") {
			return fmt.Errorf("MQTT URL must use supported protocol (ws://, wss://, mqtt://, or mqtts://)")
		}
	}

	if c.BackendURL != "" &&
		!strings.HasPrefix(c.BackendURL, "http://") && !strings.HasPrefix(c.BackendURL, "https://") {
		return fmt.Errorf("backend URL must be http:// or https://")
	}

	if c.MinHeart > 0 && c.MaxHeart > 0 && c.MinHeart >= c.MaxHeart {
		return fmt.Errorf("min heart rate %d must be below max heart rate %d", c.MinHeart, c.MaxHeart)
	}

	return nil
}

// ValidateMarker checks the replay marker against the decoder filter.
func (c *Config) ValidateMarker() error {
	if len(c.Marker) > 1 {
		return fmt.Errorf("marker must be a single character, got %q", c.Marker)
	}
	return protocol.DecoderConfig{Marker: c.MarkerByte(), KeepChars: c.KeepChars}.Validate()
}

// HasMQTT returns true if MQTT is configured
func (c *Config) HasMQTT() bool {
	return c.MQTTUrl != ""
}

// HasBackend returns true if the HTTP relay is configured
func (c *Config) HasBackend() bool {
	return c.BackendURL != ""
}

// HasArchive returns true if the Postgres archive is configured
func (c *Config) HasArchive() bool {
	return c.ArchiveDSN != ""
}

// HasReplayStore returns true if samples are persisted in Redis
func (c *Config) HasReplayStore() bool {
	return c.RedisAddr != ""
}

// MarkerByte returns the replay marker, or 0 when disabled.
func (c *Config) MarkerByte() byte {
	if c.Marker == "" {
		return 0
	}
	return c.Marker[0]
}
