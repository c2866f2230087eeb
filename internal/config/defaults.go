package config

import "time"

// Central place for all application-wide timing constants and other defaults.
// Changing a value here immediately affects all components that import
// github.com/jkaberg/bangle-hass/internal/config.

const (
	// Advertising side
	AdvertiseInterval = 20 * time.Second // Regular encode cycle
	ChunkDelay        = time.Second      // Dwell time of one chunk
	SensorTimeout     = 5 * time.Second  // Barometer / heart-rate read
	AccelInterval     = time.Second      // Simulated accelerometer events
	ManufacturerID    = 0x0590           // Company id used in the manufacturer data

	// Receiving side
	ReconnectDelay = 5 * time.Second // Wait before re-connecting a lost link
	StatsInterval  = time.Minute     // Log decoder counters

	// Operation time-outs (to avoid blocking goroutines)
	MQTTTimeout    = 5 * time.Second  // MQTT publish
	BackendTimeout = 8 * time.Second  // HTTP relay
	ArchiveTimeout = 5 * time.Second  // Postgres insert
	RedisTimeout   = 2 * time.Second  // Replay queue operations

	// Replay queue
	DefaultReplayQueueKey = "bangle-hass:replay"
	DefaultReplayQueueMax = 500
)
