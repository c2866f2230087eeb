package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jkaberg/bangle-hass/internal/ble"
	"github.com/jkaberg/bangle-hass/internal/bus"
	"github.com/jkaberg/bangle-hass/internal/domain"
	"github.com/jkaberg/bangle-hass/internal/notify"
	"github.com/jkaberg/bangle-hass/internal/protocol"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/jkaberg/bangle-hass/internal/transmission"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Sink is one downstream system fed by the receiver.
type Sink struct {
	Name string
	Tx   transmission.Transmitter
	// EveryRecord sinks get each decoded record, replayed ones included.
	// The others only see the latest live state, at most once per Interval
	// and only when it changed.
	EveryRecord bool
	Interval    time.Duration
	Timeout     time.Duration
}

// Receiver turns fragments from one link into records and fans them out.
type Receiver struct {
	Source     ble.Source
	Decoder    *protocol.Decoder
	Sinks      []Sink
	Thresholds sensors.Thresholds
	Notifier   notify.Notifier

	Tick           time.Duration // scheduler resolution
	ReconnectDelay time.Duration
	StatsInterval  time.Duration
	Logger         *logrus.Logger
}

// Run blocks until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	messageBus := bus.New()
	grp, ctx := errgroup.WithContext(ctx)

	// Subscriptions are taken before the listener starts so no record is
	// published into an empty bus.
	alerts := messageBus.Subscribe(16)
	latestSub := messageBus.Subscribe(16)

	type recordSink struct {
		Sink
		ch <-chan *sensors.SensorRecord
	}
	var perRecord []recordSink
	var snapshot []Sink
	for _, s := range r.Sinks {
		if s.EveryRecord {
			perRecord = append(perRecord, recordSink{s, messageBus.Subscribe(64)})
		} else {
			snapshot = append(snapshot, s)
		}
	}

	// Listener ------------------------------------------------------------
	grp.Go(func() error {
		defer messageBus.Close()
		r.listen(ctx, messageBus)
		return nil
	})

	// Alerts --------------------------------------------------------------
	grp.Go(func() error {
		for rec := range alerts {
			for _, w := range sensors.CheckVitals(rec, r.Thresholds) {
				r.Logger.WithField("timestamp", rec.Timestamp).Warn(w)
				if r.Notifier != nil && !rec.Replayed {
					r.Notifier.Notify("Bangle vitals alert", w)
				}
			}
		}
		return nil
	})

	// Per-record sinks ----------------------------------------------------
	for _, s := range perRecord {
		s := s
		grp.Go(func() error {
			for rec := range s.ch {
				if err := send(ctx, s.Sink, rec); err != nil {
					r.Logger.WithError(err).WithField("sink", s.Name).Warn("Relay failed")
				}
			}
			return nil
		})
	}

	// Central scheduler ----------------------------------------------------
	grp.Go(func() error {
		r.schedule(ctx, latestSub, snapshot)
		return nil
	})

	// Decoder counters ----------------------------------------------------
	if r.StatsInterval > 0 {
		grp.Go(func() error {
			ticker := time.NewTicker(r.StatsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					st := r.Decoder.Stats()
					r.Logger.WithFields(logrus.Fields{
						"fragments": st.Fragments,
						"decoded":   st.Decoded,
						"dropped":   st.Dropped,
						"overflows": st.Overflows,
					}).Info("Decoder statistics")
				}
			}
		})
	}

	return grp.Wait()
}

// listen keeps the link up until ctx is cancelled. After a lost link the
// partial object is discarded: the next fragment cannot continue it.
func (r *Receiver) listen(ctx context.Context, messageBus *bus.Bus) {
	deliver := func(fragment []byte) {
		for _, rec := range r.Decoder.Feed(fragment) {
			r.Logger.WithFields(logrus.Fields{
				"timestamp": rec.Timestamp,
				"replayed":  rec.Replayed,
			}).Debug("Decoded record")
			messageBus.Publish(rec)
		}
	}

	for {
		err := r.Source.Listen(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			r.Logger.WithError(err).Warn("Link lost")
		}
		r.Decoder.Reset()

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.ReconnectDelay):
		}
	}
}

// schedule relays the latest live record to the snapshot sinks.
func (r *Receiver) schedule(ctx context.Context, sub <-chan *sensors.SensorRecord, sinks []Sink) {
	type txState struct {
		Sink
		lastSent time.Time
		lastSnap *sensors.SensorRecord
	}

	states := make([]txState, len(sinks))
	for i, s := range sinks {
		states[i] = txState{Sink: s, lastSent: time.Now().Add(-s.Interval)}
	}

	var latest *sensors.SensorRecord
	ticker := time.NewTicker(r.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-sub:
			if !ok {
				return
			}
			if !rec.Replayed && domain.Newer(latest, rec) {
				latest = rec
			}
		case <-ticker.C:
			if latest == nil {
				continue
			}
			now := time.Now()
			for i := range states {
				st := &states[i]
				if now.Sub(st.lastSent) < st.Interval {
					continue
				}
				if !domain.Changed(st.lastSnap, latest) {
					continue
				}
				if err := send(ctx, st.Sink, latest); err != nil {
					r.Logger.WithError(err).WithField("sink", st.Name).Warn("Relay failed")
					// Retry on the next tick even without a change, still
					// respecting the interval.
					st.lastSnap = nil
				} else {
					st.lastSnap = latest
				}
				st.lastSent = now
			}
		}
	}
}

func send(ctx context.Context, s Sink, rec *sensors.SensorRecord) error {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	if err := s.Tx.Transmit(ctx, rec); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("transmit to %s: %w", s.Name, err)
	}
	return nil
}
