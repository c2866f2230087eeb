package advertise

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaberg/bangle-hass/internal/config"
	"github.com/jkaberg/bangle-hass/internal/protocol"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/jkaberg/bangle-hass/internal/source"
	"github.com/jkaberg/bangle-hass/internal/store"
	"github.com/jkaberg/bangle-hass/internal/watch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrCycleInFlight is returned when a cycle is requested while another one
// still owns the radio.
var ErrCycleInFlight = errors.New("advertising cycle already in flight")

// Options tune the advertiser loop.
type Options struct {
	Interval       time.Duration // regular cycle
	SensorTimeout  time.Duration // bound on one sensor acquisition
	SampleInterval time.Duration // store a sample for later replay, 0 = off
	Replay         bool          // re-send one stored sample after each live cycle

	// Clock returns the current time; time.Now when nil.
	Clock func() time.Time
}

// Stats counts cycles since start.
type Stats struct {
	Cycles   int64 // completed live cycles
	Dropped  int64 // requests rejected while in flight
	Failed   int64 // cycles abandoned on error
	Replayed int64 // stored samples re-sent
	Sampled  int64 // samples stored
}

// Advertiser owns the radio. At most one cycle is in flight at any time: the
// guard is taken before the sensors are read and released after the last
// chunk's dwell time.
type Advertiser struct {
	opts   Options
	enc    *protocol.Encoder
	pacer  *Pacer
	reader source.Reader
	state  *watch.State
	queue  store.Queue
	logger *logrus.Logger

	inFlight atomic.Bool
	urgent   chan struct{}

	cycles, dropped, failed, replayed, sampled atomic.Int64
}

// New creates an advertiser. queue may be nil when neither sampling nor
// replay is used.
func New(opts Options, enc *protocol.Encoder, pacer *Pacer, reader source.Reader, state *watch.State, queue store.Queue, logger *logrus.Logger) *Advertiser {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Advertiser{
		opts:   opts,
		enc:    enc,
		pacer:  pacer,
		reader: reader,
		state:  state,
		queue:  queue,
		logger: logger,
		urgent: make(chan struct{}, 1),
	}
}

// Trigger requests an immediate cycle, e.g. on an abnormal heart rate. It
// never blocks; requests made while one is pending collapse into it.
func (a *Advertiser) Trigger() {
	select {
	case a.urgent <- struct{}{}:
	default:
	}
}

// InFlight reports whether a cycle currently owns the radio.
func (a *Advertiser) InFlight() bool { return a.inFlight.Load() }

// Stats returns the current counters.
func (a *Advertiser) Stats() Stats {
	return Stats{
		Cycles:   a.cycles.Load(),
		Dropped:  a.dropped.Load(),
		Failed:   a.failed.Load(),
		Replayed: a.replayed.Load(),
		Sampled:  a.sampled.Load(),
	}
}

// RunCycle reads the sensors, encodes one record and advertises its chunks.
// When replay is enabled one stored sample follows inside the same window.
func (a *Advertiser) RunCycle(ctx context.Context) error {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.dropped.Add(1)
		return ErrCycleInFlight
	}
	defer a.inFlight.Store(false)

	if err := a.sendLive(ctx); err != nil {
		a.failed.Add(1)
		return err
	}
	a.cycles.Add(1)

	if a.opts.Replay && a.queue != nil {
		if err := a.sendStored(ctx); err != nil {
			a.logger.WithError(err).Warn("Replay of stored sample failed")
		}
	}
	return nil
}

func (a *Advertiser) sendLive(ctx context.Context) error {
	rec, err := a.buildRecord(ctx)
	if err != nil {
		return err
	}

	chunks, err := a.enc.Encode(rec, false)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	a.logger.WithFields(logrus.Fields{
		"timestamp": rec.Timestamp,
		"chunks":    len(chunks),
	}).Debug("Advertising record")

	if err := a.pacer.Send(ctx, chunks); err != nil {
		return fmt.Errorf("advertise record: %w", err)
	}
	return nil
}

func (a *Advertiser) sendStored(ctx context.Context) error {
	popCtx, cancel := context.WithTimeout(ctx, config.RedisTimeout)
	rec, err := a.queue.Pop(popCtx)
	cancel()
	if errors.Is(err, store.ErrEmpty) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("pop stored sample: %w", err)
	}

	chunks, err := a.enc.Encode(rec, true)
	if err != nil {
		return fmt.Errorf("encode stored sample: %w", err)
	}
	if err := a.pacer.Send(ctx, chunks); err != nil {
		return fmt.Errorf("advertise stored sample: %w", err)
	}
	a.replayed.Add(1)
	a.logger.WithField("timestamp", rec.Timestamp).Debug("Replayed stored sample")
	return nil
}

// Sample stores the current record for later replay.
func (a *Advertiser) Sample(ctx context.Context) error {
	if a.queue == nil {
		return nil
	}
	rec, err := a.buildRecord(ctx)
	if err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, config.RedisTimeout)
	defer cancel()
	if err := a.queue.Push(pushCtx, rec); err != nil {
		return fmt.Errorf("store sample: %w", err)
	}
	a.sampled.Add(1)
	return nil
}

func (a *Advertiser) buildRecord(ctx context.Context) (*sensors.SensorRecord, error) {
	reading, err := source.ReadWithTimeout(ctx, a.reader, a.opts.SensorTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire sensors: %w", err)
	}
	now := a.opts.Clock()
	var snap watch.Snapshot
	if a.state != nil {
		snap = a.state.Snapshot(now)
	}
	return watch.BuildRecord(now, reading, snap), nil
}

// Run starts with one cycle and then cycles on every tick and every
// Trigger until ctx is cancelled. Cycles run in their own goroutine so a
// request arriving mid-cycle is dropped rather than queued.
func (a *Advertiser) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	start := func() {
		g.Go(func() error {
			a.runLogged(ctx)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(a.opts.Interval)
		defer ticker.Stop()

		start()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				start()
			case <-a.urgent:
				a.logger.Info("Urgent advertising cycle requested")
				start()
			}
		}
	})

	if a.opts.SampleInterval > 0 && a.queue != nil {
		g.Go(func() error {
			ticker := time.NewTicker(a.opts.SampleInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := a.Sample(ctx); err != nil {
						a.logger.WithError(err).Warn("Sampling failed")
					}
				}
			}
		})
	}

	return g.Wait()
}

func (a *Advertiser) runLogged(ctx context.Context) {
	err := a.RunCycle(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleInFlight):
		a.logger.Debug("Advertising cycle skipped: previous cycle still in flight")
	case ctx.Err() != nil:
	default:
		a.logger.WithError(err).Warn("Advertising cycle abandoned")
	}
}
