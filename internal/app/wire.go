package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jkaberg/bangle-hass/internal/advertise"
	"github.com/jkaberg/bangle-hass/internal/archive"
	"github.com/jkaberg/bangle-hass/internal/ble"
	"github.com/jkaberg/bangle-hass/internal/config"
	"github.com/jkaberg/bangle-hass/internal/mqtt"
	"github.com/jkaberg/bangle-hass/internal/notify"
	"github.com/jkaberg/bangle-hass/internal/protocol"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/jkaberg/bangle-hass/internal/source"
	"github.com/jkaberg/bangle-hass/internal/store"
	"github.com/jkaberg/bangle-hass/internal/transmission"
	"github.com/jkaberg/bangle-hass/internal/watch"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DecoderConfig maps the configuration onto the decoder knobs.
func DecoderConfig(cfg *config.Config) protocol.DecoderConfig {
	return protocol.DecoderConfig{
		FragmentNoise: cfg.FragNoise,
		SpanNoise:     cfg.SpanNoise,
		KeepChars:     cfg.KeepChars,
		Marker:        cfg.MarkerByte(),
		MaxBuffer:     cfg.MaxBuffered,
	}
}

// Thresholds returns the configured heart-rate bounds.
func Thresholds(cfg *config.Config) sensors.Thresholds {
	return sensors.Thresholds{MinHeartRate: cfg.MinHeart, MaxHeartRate: cfg.MaxHeart}
}

// NewReceiver wires the receive mode. The returned cleanup closes every
// connection it opened.
func NewReceiver(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Receiver, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	adapter, err := ble.Enable()
	if err != nil {
		return nil, cleanup, err
	}

	var src ble.Source
	switch cfg.Listen {
	case config.ListenScan:
		src = ble.NewScanListener(adapter, cfg.WatchAddr, cfg.CompanyID, logger)
	default:
		src = ble.NewNotifyListener(adapter, cfg.WatchAddr, logger)
	}

	r := &Receiver{
		Source:         src,
		Decoder:        protocol.NewDecoder(DecoderConfig(cfg), logger),
		Thresholds:     Thresholds(cfg),
		Notifier:       notify.LogNotifier{Logger: logger},
		Tick:           time.Second,
		ReconnectDelay: config.ReconnectDelay,
		StatsInterval:  config.StatsInterval,
		Logger:         logger,
	}
	if cfg.Notify {
		r.Notifier = notify.NewTermuxNotifier(logger)
	}

	if cfg.HasMQTT() {
		client, err := mqtt.NewClient(cfg.MQTTUrl, cfg.DeviceID, logger)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("mqtt: %w", err)
		}
		closers = append(closers, func() { client.Disconnect(250) })
		r.Sinks = append(r.Sinks, Sink{
			Name:     "MQTT",
			Tx:       transmission.NewMQTTTransmitter(client, cfg.DeviceID, cfg.DiscoveryPrefix, logger),
			Interval: cfg.MQTTInterval,
			Timeout:  config.MQTTTimeout,
		})
	}

	if cfg.HasBackend() {
		r.Sinks = append(r.Sinks, Sink{
			Name:        "Backend",
			Tx:          transmission.NewBackendTransmitter(cfg.BackendURL, cfg.PatientID, logger),
			EveryRecord: true,
			Timeout:     config.BackendTimeout,
		})
	}

	if cfg.HasArchive() {
		db, err := archive.Open(ctx, cfg.ArchiveDSN)
		if err != nil {
			cleanup()
			return nil, func() {}, fmt.Errorf("archive: %w", err)
		}
		closers = append(closers, func() { db.Close() })

		session := uuid.New()
		arch := archive.New(db, session, cfg.DeviceID, cfg.PatientID, logger)
		if err := arch.EnsureSchema(ctx); err != nil {
			cleanup()
			return nil, func() {}, err
		}
		logger.WithField("session", session).Info("Archiving readings to PostgreSQL")
		r.Sinks = append(r.Sinks, Sink{
			Name:        "Archive",
			Tx:          arch,
			EveryRecord: true,
			Timeout:     config.ArchiveTimeout,
		})
	}

	if len(r.Sinks) == 0 {
		logger.Warn("No relay configured, decoded records are only logged")
	}
	return r, cleanup, nil
}

// Sender bundles the advertise mode components.
type Sender struct {
	Advertiser *advertise.Advertiser
	Simulator  *source.Simulator // nil when reading a real sensor endpoint
	Radio      *ble.Advertiser
	Logger     *logrus.Logger
}

// NewSender wires the advertise mode.
func NewSender(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*Sender, func(), error) {
	adapter, err := ble.Enable()
	if err != nil {
		return nil, func() {}, err
	}
	radio := ble.NewAdvertiser(adapter, cfg.LocalName, cfg.CompanyID, logger)

	var queue store.Queue = store.NewMemoryQueue(cfg.ReplayQueueMax)
	cleanup := func() {
		if err := radio.Stop(); err != nil {
			logger.WithError(err).Debug("Stopping advertisement failed")
		}
	}
	if cfg.HasReplayStore() {
		client := store.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		rq := store.NewRedisQueue(client, cfg.ReplayQueueKey, cfg.ReplayQueueMax)
		pingCtx, cancel := context.WithTimeout(ctx, config.RedisTimeout)
		err := rq.Ping(pingCtx)
		cancel()
		if err != nil {
			client.Close()
			return nil, func() {}, fmt.Errorf("redis: %w", err)
		}
		queue = rq
		prev := cleanup
		cleanup = func() {
			prev()
			client.Close()
		}
	}

	state := watch.NewState()
	s := &Sender{Radio: radio, Logger: logger}

	// The simulator needs the advertiser for its urgent trigger and the
	// advertiser needs a reader, so the trigger goes through a closure.
	var reader source.Reader
	if cfg.SensorURL != "" {
		reader = source.NewHTTPReader(cfg.SensorURL, logger)
	} else {
		s.Simulator = source.NewSimulator(state, Thresholds(cfg), func() {
			if s.Advertiser != nil {
				s.Advertiser.Trigger()
			}
		}, time.Now().UnixNano(), logger)
		reader = s.Simulator
	}

	s.Advertiser = advertise.New(advertise.Options{
		Interval:       cfg.AdvertiseInterval,
		SensorTimeout:  cfg.SensorTimeout,
		SampleInterval: cfg.SampleInterval,
		Replay:         cfg.Replay,
	},
		protocol.NewEncoder(cfg.ChunkSize, cfg.MarkerByte()),
		advertise.NewPacer(radio, cfg.ChunkDelay, logger),
		reader, state, queue, logger)

	return s, cleanup, nil
}

// Run blocks until ctx is cancelled.
func (s *Sender) Run(ctx context.Context) error {
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return s.Advertiser.Run(ctx) })
	if s.Simulator != nil {
		grp.Go(func() error { return s.Simulator.Run(ctx, config.AccelInterval) })
	}
	err := grp.Wait()

	st := s.Advertiser.Stats()
	s.Logger.WithFields(logrus.Fields{
		"cycles":   st.Cycles,
		"dropped":  st.Dropped,
		"failed":   st.Failed,
		"replayed": st.Replayed,
		"sampled":  st.Sampled,
	}).Info("Advertiser stopped")
	return err
}
