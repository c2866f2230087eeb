package source

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/jkaberg/bangle-hass/internal/watch"
	"github.com/sirupsen/logrus"
)

const seaLevelPressure = 1013.25 // hPa

// Simulator stands in for the watch hardware. It produces slow readings on
// demand and, while Run is active, accelerometer, step and heart-rate events.
type Simulator struct {
	// BaseHeartRate is the bottom of the simulated pulse cycle.
	BaseHeartRate float64
	// SpikeEvery makes every n-th heart-rate sample jump far above the cycle.
	// Zero disables spikes.
	SpikeEvery int

	mu    sync.Mutex
	rng   *rand.Rand
	tick  int
	pulse float64

	state      *watch.State
	thresholds sensors.Thresholds
	onAbnormal func()
	logger     *logrus.Logger
}

// NewSimulator feeds events into state. onAbnormal, when not nil, is called
// for every heart-rate sample outside th.
func NewSimulator(state *watch.State, th sensors.Thresholds, onAbnormal func(), seed int64, logger *logrus.Logger) *Simulator {
	return &Simulator{
		BaseHeartRate: 65,
		rng:           rand.New(rand.NewSource(seed)),
		state:         state,
		thresholds:    th,
		onAbnormal:    onAbnormal,
		logger:        logger,
	}
}

// Read returns barometer values around standard pressure and the latest
// heart-rate sample, if any.
func (s *Simulator) Read(ctx context.Context) (*Reading, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pressure := seaLevelPressure - 5 + s.rng.Float64()*10
	reading := &Reading{
		Pressure:    pressure,
		Temperature: 21 + s.rng.Float64()*4,
		Altitude:    altitude(pressure),
	}
	if s.pulse > 0 {
		hr := s.pulse
		reading.HeartRate = &hr
	}
	return reading, nil
}

// Step produces one round of events at now.
func (s *Simulator) Step(now time.Time) {
	s.mu.Lock()
	s.tick++
	pulse := s.BaseHeartRate + float64(s.tick%10) + 1
	if s.SpikeEvery > 0 && s.tick%s.SpikeEvery == 0 {
		pulse = s.BaseHeartRate * 2.5
	}
	s.pulse = pulse
	x := s.rng.NormFloat64() * 0.05
	y := s.rng.NormFloat64() * 0.05
	z := 1 + s.rng.NormFloat64()*0.05
	steps := s.rng.Intn(3)
	s.mu.Unlock()

	if s.state != nil {
		s.state.UpdateAccel(x, y, z)
		if steps > 0 {
			s.state.AddSteps(steps, now)
		}
	}

	if s.thresholds.Abnormal(int(math.Round(pulse))) {
		s.logger.WithField("heart_rate", pulse).Warn("Abnormal heart rate")
		if s.onAbnormal != nil {
			s.onAbnormal()
		}
	}
}

// Run calls Step every interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// altitude converts pressure to metres above sea level with the
// international barometric formula.
func altitude(pressure float64) float64 {
	return 44330 * (1 - math.Pow(pressure/seaLevelPressure, 1/5.255))
}
