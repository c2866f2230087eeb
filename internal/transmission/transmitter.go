package transmission

import (
	"context"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

// Transmitter relays decoded records to one downstream system.
type Transmitter interface {
	Transmit(ctx context.Context, rec *sensors.SensorRecord) error
	IsConnected() bool
}

// Publisher is the part of the MQTT client the transmitter needs.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	IsConnected() bool
}
