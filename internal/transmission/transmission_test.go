package transmission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	messages  map[string][]byte
	order     []string
	failOn    string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{connected: true, messages: make(map[string][]byte)}
}

func (f *fakePublisher) Publish(topic string, payload []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.HasSuffix(topic, f.failOn) {
		return errors.New("broker said no")
	}
	f.messages[topic] = payload
	f.order = append(f.order, topic)
	return nil
}

func (f *fakePublisher) IsConnected() bool { return f.connected }

func sampleRecord() *sensors.SensorRecord {
	return &sensors.SensorRecord{
		Timestamp:          "14:35:07",
		BarometricPressure: sensors.IntPtr(1012),
		HeartRate:          sensors.IntPtr(72),
		AccelX:             sensors.IntPtr(0),
		AccelMagnitude:     sensors.IntPtr(1),
		StepCount:          sensors.IntPtr(5280),
	}
}

func TestMQTTTransmitter_PublishesDiscoveryStateAndAvailability(t *testing.T) {
	pub := newFakePublisher()
	tr := NewMQTTTransmitter(pub, "watch1", "homeassistant", quietLogger())

	require.NoError(t, tr.Transmit(context.Background(), sampleRecord()))

	cfgRaw, ok := pub.messages["homeassistant/sensor/bangle_watch1/heart_rate/config"]
	require.True(t, ok, "heart rate discovery published")
	var cfg HADiscoveryConfig
	require.NoError(t, json.Unmarshal(cfgRaw, &cfg))
	assert.Equal(t, "watch1_heart_rate", cfg.UniqueID)
	assert.Equal(t, "bangle/watch1/state", cfg.StateTopic)
	assert.Equal(t, "bpm", cfg.UnitOfMeasurement)
	assert.Equal(t, "measurement", cfg.StateClass)

	_, ok = pub.messages["homeassistant/sensor/bangle_watch1/accel_x/config"]
	assert.False(t, ok, "internal keys stay unpublished")
	_, ok = pub.messages["homeassistant/sensor/bangle_watch1/wear_state/config"]
	assert.True(t, ok)

	var state map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.messages["bangle/watch1/state"], &state))
	assert.Equal(t, 72.0, state["heart_rate"])
	assert.Equal(t, 1012.0, state["barometric_pressure"])
	assert.Equal(t, "14:35:07", state["timestamp"])
	assert.Equal(t, "worn", state["wear_state"])
	assert.NotContains(t, state, "accel_x")

	assert.Equal(t, "online", string(pub.messages["bangle/watch1/availability"]))
}

func TestMQTTTransmitter_DiscoveryOnlyOnce(t *testing.T) {
	pub := newFakePublisher()
	tr := NewMQTTTransmitter(pub, "watch1", "homeassistant", quietLogger())

	require.NoError(t, tr.Transmit(context.Background(), sampleRecord()))
	first := len(pub.order)
	require.NoError(t, tr.Transmit(context.Background(), sampleRecord()))
	assert.Equal(t, 2, len(pub.order)-first, "state and availability only")
}

func TestMQTTTransmitter_Errors(t *testing.T) {
	pub := newFakePublisher()
	pub.connected = false
	tr := NewMQTTTransmitter(pub, "watch1", "homeassistant", quietLogger())
	assert.Error(t, tr.Transmit(context.Background(), sampleRecord()))
	assert.False(t, tr.IsConnected())

	pub.connected = true
	pub.failOn = "/state"
	assert.Error(t, tr.Transmit(context.Background(), sampleRecord()))
}

func TestBackendTransmitter_Posts(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, SensorDataPath, r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"response":"Data saved"}`))
	}))
	defer srv.Close()

	tr := NewBackendTransmitter(srv.URL+"/", "P123456789", quietLogger())
	tr.now = func() time.Time { return time.Date(2024, 5, 1, 12, 35, 7, 0, time.UTC) }

	rec := sampleRecord()
	rec.Replayed = true
	require.NoError(t, tr.Transmit(context.Background(), rec))
	assert.True(t, tr.IsConnected())

	assert.Equal(t, "P123456789", got["patient_id"])
	assert.Equal(t, "14:35:07", got["Timestamp"])
	assert.Equal(t, 72.0, got["HeartRate"])
	assert.Equal(t, 1012.0, got["Air Pressure"])
	assert.Equal(t, 0.0, got["AccelX"])
	assert.Equal(t, 1.0, got["Magnitude"])
	assert.Equal(t, 5280.0, got["StepCount"])
	assert.Equal(t, "2024-05-01T12:35:07Z", got["time_of_data"])
	assert.Equal(t, true, got["replayed"])
	assert.NotContains(t, got, "heart_rate")
	assert.NotContains(t, got, "Temperature", "absent fields are omitted")
}

func TestBackendTransmitter_NoPatient(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	require.NoError(t, NewBackendTransmitter(srv.URL, "", quietLogger()).Transmit(context.Background(), sampleRecord()))
	assert.NotContains(t, got, "patient_id")
}

func TestBackendTransmitter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := NewBackendTransmitter(srv.URL, "", quietLogger())
	err := tr.Transmit(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.False(t, tr.IsConnected())
}
