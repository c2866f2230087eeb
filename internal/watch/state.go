// Package watch keeps the live sensor state of the wearable: the latest
// accelerometer sample, the largest jump in acceleration magnitude seen so far
// and the step counter for the current day.
package watch

import (
	"math"
	"sync"
	"time"

	"github.com/jkaberg/bangle-hass/internal/sensors"
)

// Reading is one acquisition of the slow sensors. HeartRate is nil when the
// heart-rate monitor produced nothing in time.
type Reading struct {
	Pressure    float64  `json:"pressure"`
	Temperature float64  `json:"temperature"`
	Altitude    float64  `json:"altitude"`
	HeartRate   *float64 `json:"heart_rate,omitempty"`
}

// Snapshot is a consistent copy of State at one instant.
type Snapshot struct {
	HasAccel  bool
	X, Y, Z   float64
	Magnitude float64
	MaxDelta  float64
	Steps     int
}

// State is updated by accelerometer and step events and read by the encode
// cycle. Safe for concurrent use.
type State struct {
	mu sync.Mutex

	hasAccel  bool
	x, y, z   float64
	magnitude float64
	maxDelta  float64

	steps   int
	stepDay time.Time
}

// NewState returns an empty state.
func NewState() *State {
	return &State{}
}

// UpdateAccel records one accelerometer sample.
func (s *State) UpdateAccel(x, y, z float64) {
	mag := math.Sqrt(x*x + y*y + z*z)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasAccel {
		if d := math.Abs(mag - s.magnitude); d > s.maxDelta {
			s.maxDelta = d
		}
	}
	s.x, s.y, s.z = x, y, z
	s.magnitude = mag
	s.hasAccel = true
}

// AddSteps adds n steps detected at now. The counter starts over on the
// first event of a new local day.
func (s *State) AddSteps(n int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(now)
	s.steps += n
}

// Snapshot returns the state as seen at now.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rollDay(now)
	return Snapshot{
		HasAccel:  s.hasAccel,
		X:         s.x,
		Y:         s.y,
		Z:         s.z,
		Magnitude: s.magnitude,
		MaxDelta:  s.maxDelta,
		Steps:     s.steps,
	}
}

func (s *State) rollDay(now time.Time) {
	day := midnight(now)
	if !day.Equal(s.stepDay) {
		s.stepDay = day
		s.steps = 0
	}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// BuildRecord assembles the record sent by one encode cycle. Values are
// rounded to integers and the timestamp is the local clock time of now.
func BuildRecord(now time.Time, r *Reading, snap Snapshot) *sensors.SensorRecord {
	rec := &sensors.SensorRecord{
		Timestamp: now.Format("15:04:05"),
		StepCount: sensors.IntPtr(snap.Steps),
	}

	if r != nil {
		rec.BarometricPressure = round(r.Pressure)
		rec.Temperature = round(r.Temperature)
		rec.Altitude = round(r.Altitude)
		if r.HeartRate != nil {
			rec.HeartRate = round(*r.HeartRate)
		} else {
			rec.HeartRate = sensors.IntPtr(0)
		}
	}

	if snap.HasAccel {
		rec.AccelX = round(snap.X)
		rec.AccelY = round(snap.Y)
		rec.AccelZ = round(snap.Z)
		rec.AccelMagnitude = round(snap.Magnitude)
		rec.AccelMaxDelta = round(snap.MaxDelta)
	}

	return rec
}

func round(v float64) *int {
	return sensors.IntPtr(int(math.Round(v)))
}
