package transmission

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jkaberg/bangle-hass/internal/config"
	"github.com/jkaberg/bangle-hass/internal/netutil"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
)

// SensorDataPath is where the health backend accepts readings.
const SensorDataPath = "/api/sensor-data"

// BackendTransmitter posts records to the health backend.
//
// The body is the canonical-shape record ("Timestamp", "Air Pressure",
// "HeartRate", ...) plus:
//   - patient_id: when configured
//   - time_of_data: receive time, RFC 3339 UTC
//   - replayed: true for stored samples re-sent by the watch
type BackendTransmitter struct {
	client    *resty.Client
	patientID string
	now       func() time.Time
	healthy   atomic.Bool
	logger    *logrus.Logger
}

// NewBackendTransmitter creates a transmitter for the backend at baseURL.
func NewBackendTransmitter(baseURL, patientID string, logger *logrus.Logger) *BackendTransmitter {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTransport(netutil.NewTransport(logger)).
		SetTimeout(config.BackendTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	t := &BackendTransmitter{
		client:    client,
		patientID: patientID,
		now:       time.Now,
		logger:    logger,
	}
	t.healthy.Store(true)
	return t
}

func (t *BackendTransmitter) buildPayload(rec *sensors.SensorRecord) map[string]interface{} {
	body := sensors.CanonicalFields(rec)
	body["time_of_data"] = t.now().UTC().Format(time.RFC3339)
	body["replayed"] = rec.Replayed
	if t.patientID != "" {
		body["patient_id"] = t.patientID
	}
	return body
}

// Transmit posts rec.
func (t *BackendTransmitter) Transmit(ctx context.Context, rec *sensors.SensorRecord) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(t.buildPayload(rec)).
		Post(SensorDataPath)
	if err != nil {
		t.healthy.Store(false)
		return fmt.Errorf("failed to post sensor data: %w", err)
	}
	if resp.IsError() {
		t.healthy.Store(false)
		return fmt.Errorf("backend returned status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	t.healthy.Store(true)

	t.logger.WithFields(logrus.Fields{
		"status":    resp.StatusCode(),
		"timestamp": rec.Timestamp,
	}).Debug("Posted sensor data to backend")
	return nil
}

// IsConnected reports whether the last post succeeded.
func (t *BackendTransmitter) IsConnected() bool { return t.healthy.Load() }
