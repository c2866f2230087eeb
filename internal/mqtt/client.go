package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaberg/bangle-hass/internal/config"
	"github.com/sirupsen/logrus"
)

// TopicRoot prefixes every non-discovery topic.
const TopicRoot = "bangle"

// Client wraps the paho client with the watch's topic layout.
type Client struct {
	client   mqtt.Client
	deviceID string
	logger   *logrus.Logger
}

// BaseTopic returns the topic root of a device.
func BaseTopic(deviceID string) string {
	return fmt.Sprintf("%s/%s", TopicRoot, deviceID)
}

// AvailabilityTopic returns the retained online/offline topic of a device.
func AvailabilityTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/availability"
}

// StateTopic returns the retained state topic of a device.
func StateTopic(deviceID string) string {
	return BaseTopic(deviceID) + "/state"
}

// brokerURL maps the user facing scheme onto the one paho expects and
// reports whether TLS is involved.
func brokerURL(u *url.URL) (string, bool, error) {
	switch u.Scheme {
	case "ws":
		return u.String(), false, nil
	case "wss":
		return u.String(), true, nil
	case "mqtt":
		return strings.Replace(u.String(), "mqtt://", "tcp://", 1), false, nil
	case "mqtts":
		return strings.Replace(u.String(), "mqtts://", "ssl://", 1), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", u.Scheme)
	}
}

// NewClient connects to the broker at mqttURL. The broker marks the device
// offline through the last will when the connection drops.
func NewClient(mqttURL, deviceID string, logger *logrus.Logger) (*Client, error) {
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	broker, secure, err := brokerURL(parsedURL)
	if err != nil {
		return nil, err
	}

	clientID := fmt.Sprintf("bangle-hass-%s", deviceID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	if secure {
		// Self-signed certificates are the norm on home brokers.
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(time.Second)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(AvailabilityTopic(deviceID), "offline", 1, true)

	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		opts.SetUsername(parsedURL.User.Username())
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Debug("MQTT connected")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsedURL.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")

	return &Client{client: client, deviceID: deviceID, logger: logger}, nil
}

// Publish publishes payload with QoS 1 and waits at most config.MQTTTimeout.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(config.MQTTTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, config.MQTTTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect marks the device offline and closes the connection.
func (c *Client) Disconnect(quiesce uint) {
	if err := c.Publish(AvailabilityTopic(c.deviceID), []byte("offline"), true); err != nil {
		c.logger.WithError(err).Debug("Failed to publish offline availability")
	}
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}
