package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jkaberg/bangle-hass/internal/app"
	"github.com/jkaberg/bangle-hass/internal/config"
	"github.com/jkaberg/bangle-hass/internal/protocol"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

// version is injected at build time via ldflags
var version = "dev"

type options struct {
	showVersion bool
	decodeStdin bool
}

func main() {
	cfg, opts, err := parseFlags(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.showVersion {
		fmt.Printf("bangle-hass %s\n", version)
		return
	}

	logger := setupLogger(cfg.Verbose)

	// Offline decoding of captured fragments
	if opts.decodeStdin {
		if err := decodeStream(os.Stdin, os.Stdout, cfg, logger); err != nil {
			logger.WithError(err).Fatal("Decoding failed")
		}
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":    version,
		"mode":       cfg.Mode,
		"device_id":  cfg.DeviceID,
		"chunk_size": cfg.ChunkSize,
	}).Info("Starting BANGLE-HASS")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("Shutdown signal received")
		cancel()
	}()

	switch cfg.Mode {
	case config.ModeAdvertise:
		sender, cleanup, err := app.NewSender(ctx, cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to set up advertiser")
		}
		defer cleanup()
		if err := sender.Run(ctx); err != nil {
			logger.WithError(err).Warn("Advertiser exited")
		}
	case config.ModeReceive:
		receiver, cleanup, err := app.NewReceiver(ctx, cfg, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to set up receiver")
		}
		defer cleanup()
		if err := receiver.Run(ctx); err != nil {
			logger.WithError(err).Warn("Receiver exited")
		}
	}

	logger.Info("BANGLE-HASS stopped")
}

// -----------------------------------------------------------------------------
// Helpers & Flags
// -----------------------------------------------------------------------------

func parseFlags(args []string, getenv func(string) string) (*config.Config, options, error) {
	cfg := config.GetDefaultConfig()
	var opts options

	env := func(key, def string) string {
		if v := getenv("BANGLE_HASS_" + key); v != "" {
			return v
		}
		return def
	}

	fs := pflag.NewFlagSet("bangle-hass", pflag.ContinueOnError)
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	fs.BoolVar(&opts.decodeStdin, "decode-stdin", false, "Decode fragments from stdin (one per line) and print records as JSON")

	fs.StringVarP(&cfg.Mode, "mode", "m", env("MODE", cfg.Mode), "advertise or receive")
	fs.StringVar(&cfg.DeviceID, "device-id", env("DEVICE_ID", generateDeviceID()), "Device identifier")
	fs.BoolVarP(&cfg.Verbose, "verbose", "v", env("VERBOSE", "false") == "true", "Verbose logging")

	fs.IntVar(&cfg.ChunkSize, "chunk-size", envInt(env("CHUNK_SIZE", ""), cfg.ChunkSize), "Record bytes per advertisement")
	fs.StringVar(&cfg.Marker, "marker", env("MARKER", cfg.Marker), "Replay marker character, empty disables replay detection")
	fs.StringVar(&cfg.KeepChars, "keep-chars", env("KEEP_CHARS", cfg.KeepChars), "Extra characters kept by the decoder filter; use \"-\" to keep negative values")
	fs.IntVar(&cfg.MaxBuffered, "max-buffered", envInt(env("MAX_BUFFERED", ""), cfg.MaxBuffered), "Cap on buffered partial bytes, 0 = unbounded")
	spanNoise := fs.String("span-noise", env("SPAN_NOISE", strings.Join(cfg.SpanNoise, "|")), "Tokens stripped from decoded objects, |-separated")
	fragNoise := fs.String("frag-noise", env("FRAG_NOISE", ""), "Tokens stripped from each fragment, |-separated")

	fs.StringVar(&cfg.LocalName, "local-name", env("LOCAL_NAME", cfg.LocalName), "Advertised local name")
	fs.StringVar(&cfg.SensorURL, "sensor-url", env("SENSOR_URL", ""), "HTTP sensor endpoint (simulated sensors when empty)")
	fs.BoolVar(&cfg.Replay, "replay", env("REPLAY", strconv.FormatBool(cfg.Replay)) == "true", "Re-send stored samples after live cycles")
	advInterval := fs.String("advertise-interval", env("ADVERTISE_INTERVAL", ""), "Regular advertising cycle (e.g. 20s)")
	chunkDelay := fs.String("chunk-delay", env("CHUNK_DELAY", ""), "Dwell time per chunk (e.g. 1s)")
	sensorTimeout := fs.String("sensor-timeout", env("SENSOR_TIMEOUT", ""), "Sensor read timeout (e.g. 5s)")
	sampleInterval := fs.String("sample-interval", env("SAMPLE_INTERVAL", ""), "Store a sample for replay at this interval, 0 = off")

	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("REDIS_ADDR", ""), "Redis host:port for the replay queue (in-memory when empty)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", env("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", envInt(env("REDIS_DB", ""), 0), "Redis database")

	fs.StringVar(&cfg.Listen, "listen", env("LISTEN", cfg.Listen), "notify or scan")
	fs.StringVar(&cfg.WatchAddr, "watch-addr", env("WATCH_ADDR", ""), "BLE address of the watch")
	companyID := fs.String("company-id", env("COMPANY_ID", fmt.Sprintf("0x%04x", cfg.CompanyID)), "Manufacturer id of the advertisements")
	fs.IntVar(&cfg.MinHeart, "min-heart", envInt(env("MIN_HEART", ""), cfg.MinHeart), "Alert below this heart rate, 0 = off")
	fs.IntVar(&cfg.MaxHeart, "max-heart", envInt(env("MAX_HEART", ""), cfg.MaxHeart), "Alert above this heart rate, 0 = off")
	fs.BoolVar(&cfg.Notify, "notify", env("NOTIFY", "false") == "true", "Raise Termux notifications on alerts")

	fs.StringVar(&cfg.MQTTUrl, "mqtt-url", env("MQTT_URL", ""), "MQTT URL")
	fs.StringVar(&cfg.DiscoveryPrefix, "discovery-prefix", env("DISCOVERY_PREFIX", cfg.DiscoveryPrefix), "HA discovery prefix")
	mqttInterval := fs.String("mqtt-interval", env("MQTT_INTERVAL", ""), "Minimum spacing between MQTT publishes (e.g. 60s)")
	fs.StringVar(&cfg.BackendURL, "backend-url", env("BACKEND_URL", ""), "Health backend base URL")
	fs.StringVar(&cfg.PatientID, "patient-id", env("PATIENT_ID", ""), "Patient id added to relayed readings")
	fs.StringVar(&cfg.ArchiveDSN, "archive-dsn", env("ARCHIVE_DSN", ""), "PostgreSQL DSN for the reading archive")

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}

	cfg.SpanNoise = splitList(*spanNoise)
	cfg.FragNoise = splitList(*fragNoise)

	id, err := strconv.ParseUint(*companyID, 0, 16)
	if err != nil {
		return nil, opts, fmt.Errorf("invalid company id %q: %w", *companyID, err)
	}
	cfg.CompanyID = uint16(id)

	// Duration overrides
	for _, d := range []struct {
		raw  string
		dst  *time.Duration
		zero bool
	}{
		{*advInterval, &cfg.AdvertiseInterval, false},
		{*chunkDelay, &cfg.ChunkDelay, false},
		{*sensorTimeout, &cfg.SensorTimeout, false},
		{*sampleInterval, &cfg.SampleInterval, true},
		{*mqttInterval, &cfg.MQTTInterval, true},
	} {
		if d.raw == "" {
			continue
		}
		v, ok := parseDuration(d.raw)
		if !ok || (v == 0 && !d.zero) {
			return nil, opts, fmt.Errorf("invalid duration %q", d.raw)
		}
		*d.dst = v
	}

	return cfg, opts, nil
}

// parseDuration accepts Go durations and plain seconds.
func parseDuration(s string) (time.Duration, bool) {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	if v, err := strconv.Atoi(s); err == nil && v >= 0 {
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}

func envInt(raw string, def int) int {
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "|") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func generateDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "bangle"
	}
	return strings.ToLower(strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(host))
}

func setupLogger(verbose bool) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// maxCapturedLine bounds one line of --decode-stdin input.
const maxCapturedLine = 4 << 20

// decodeStream feeds every input line to one decoder and writes one JSON
// object per decoded record.
func decodeStream(in io.Reader, out io.Writer, cfg *config.Config, logger *logrus.Logger) error {
	if err := cfg.ValidateMarker(); err != nil {
		return err
	}
	d := protocol.NewDecoder(app.DecoderConfig(cfg), logger)
	enc := json.NewEncoder(out)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxCapturedLine)
	for sc.Scan() {
		for _, rec := range d.Feed(sc.Bytes()) {
			row := sensors.CanonicalFields(rec)
			if rec.Replayed {
				row["replayed"] = true
			}
			if err := enc.Encode(row); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	st := d.Stats()
	logger.WithFields(logrus.Fields{
		"fragments": st.Fragments,
		"decoded":   st.Decoded,
		"dropped":   st.Dropped,
		"overflows": st.Overflows,
		"pending":   len(d.Pending()),
	}).Info("Decoding finished")
	return nil
}
