package protocol

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
)

// structural are the JSON characters that survive span filtering.
const structural = `{}":,`

// DecoderConfig holds the receiver-side cleanup knobs. The tokens injected by
// intermediate BLE layers changed between receiver revisions, so none of them
// are hard-coded.
type DecoderConfig struct {
	// FragmentNoise tokens are removed from every incoming fragment before it
	// is buffered; surrounding whitespace is trimmed as well.
	FragmentNoise []string
	// SpanNoise tokens are removed from every extracted {...} span.
	SpanNoise []string
	// KeepChars lists extra characters that survive span filtering, for
	// example "-." to keep signs and decimals.
	KeepChars string
	// Marker identifies chunks of replayed records. Zero disables detection.
	Marker byte
	// MaxBuffer caps the bytes retained for an unterminated object.
	// Zero means unbounded.
	MaxBuffer int
}

// Validate rejects a marker the span filter would keep: it would end up
// inside the JSON and every replayed record would fail to parse.
func (c DecoderConfig) Validate() error {
	if c.Marker == 0 {
		return nil
	}
	m := rune(c.Marker)
	if m <= ' ' || m > '~' || unicode.IsLetter(m) || unicode.IsDigit(m) ||
		strings.ContainsRune(structural, m) || strings.ContainsRune(c.KeepChars, m) {
		return fmt.Errorf("%w: %q", ErrUnusableMarker, c.Marker)
	}
	return nil
}

// DefaultDecoderConfig matches the tokens observed from the Android BLE stack.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		SpanNoise: []string{"[JAdvertisingchunk:", ">"},
		Marker:    DefaultMarker,
	}
}

// DecoderStats counts what the decoder did since it was created.
type DecoderStats struct {
	Fragments int
	Decoded   int
	Dropped   int
	Overflows int
}

// Decoder reassembles records from an unbounded stream of fragments. One
// decoder serves one link; Feed is safe for concurrent use but calls are
// serialised.
type Decoder struct {
	mu     sync.Mutex
	cfg    DecoderConfig
	buf    []byte
	stats  DecoderStats
	logger *logrus.Logger

	signWarned bool
}

// NewDecoder creates a decoder with an empty accumulation buffer.
func NewDecoder(cfg DecoderConfig, logger *logrus.Logger) *Decoder {
	return &Decoder{cfg: cfg, logger: logger}
}

// Feed appends one fragment and returns every record completed by it, in
// stream order. Spans that fail to parse are dropped and logged.
func (d *Decoder) Feed(fragment []byte) []*sensors.SensorRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Fragments++
	d.buf = append(d.buf, d.cleanFragment(fragment)...)

	var out []*sensors.SensorRecord
	for {
		end := bytes.IndexByte(d.buf, '}')
		if end < 0 {
			break
		}
		start := bytes.LastIndexByte(d.buf[:end], '{')
		if start < 0 {
			// Closing brace without an opener: the head of an object we
			// never saw. Unrecoverable.
			d.logger.WithField("garbage", string(d.buf[:end+1])).Debug("decoder: dropping stray closing brace")
			d.buf = d.consume(end + 1)
			continue
		}

		replayed := d.cfg.Marker != 0 && start > 0 && d.buf[start-1] == d.cfg.Marker
		rec, err := d.decodeSpan(d.buf[start:end+1], replayed)
		if err != nil {
			d.stats.Dropped++
			d.logger.WithError(err).WithField("span", string(d.buf[start:end+1])).Warn("decoder: dropping malformed object")
		} else {
			d.stats.Decoded++
			out = append(out, rec)
		}

		// Objects are flat, so anything before start is either garbage or an
		// opener whose closing brace was lost.
		d.buf = d.consume(end + 1)
	}

	d.cleanup()
	return out
}

// Pending returns a copy of the buffered, not yet complete data.
func (d *Decoder) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.buf)
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Reset drops all buffered data, e.g. after the link was re-established.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.buf = d.buf[:0]
	d.mu.Unlock()
}

func (d *Decoder) consume(n int) []byte {
	return append(d.buf[:0], d.buf[n:]...)
}

// cleanup runs once no complete span is left. It keeps at most one partial
// object: the bytes from the last opener on.
func (d *Decoder) cleanup() {
	start := bytes.LastIndexByte(d.buf, '{')
	switch {
	case start < 0:
		d.buf = d.buf[:0]
	case start > 0:
		d.buf = d.consume(start)
	}

	if d.cfg.MaxBuffer > 0 && len(d.buf) > d.cfg.MaxBuffer {
		d.stats.Overflows++
		d.logger.WithFields(logrus.Fields{
			"buffered": len(d.buf),
			"limit":    d.cfg.MaxBuffer,
		}).Warn("decoder: partial object exceeds buffer limit, discarding")
		d.buf = d.buf[:0]
	}
}

func (d *Decoder) cleanFragment(fragment []byte) []byte {
	if len(d.cfg.FragmentNoise) == 0 {
		return fragment
	}
	s := string(fragment)
	for _, tok := range d.cfg.FragmentNoise {
		if tok != "" {
			s = strings.ReplaceAll(s, tok, "")
		}
	}
	return []byte(strings.TrimSpace(s))
}

func (d *Decoder) decodeSpan(raw []byte, replayed bool) (*sensors.SensorRecord, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, string(raw))

	for _, tok := range d.cfg.SpanNoise {
		if tok != "" {
			s = strings.ReplaceAll(s, tok, "")
		}
	}

	if d.cfg.Marker != 0 && strings.IndexByte(s, d.cfg.Marker) >= 0 {
		replayed = true
	}

	droppedSign := false
	s = strings.Map(func(r rune) rune {
		if r == '-' && r != rune(d.cfg.Marker) && !strings.ContainsRune(d.cfg.KeepChars, r) {
			droppedSign = true
			return -1
		}
		if r == utf8.RuneError {
			return -1
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) ||
			strings.ContainsRune(structural, r) || strings.ContainsRune(d.cfg.KeepChars, r) {
			return r
		}
		return -1
	}, s)

	if droppedSign && !d.signWarned {
		d.signWarned = true
		d.logger.Warn("decoder: minus signs are filtered out, negative values arrive positive (keep them with --keep-chars -)")
	}

	expanded := sensors.ExpandKeys(s)
	d.logger.WithField("object", expanded).Debug("decoder: extracted object")

	rec, err := sensors.ParseRecord([]byte(expanded))
	if err != nil {
		return nil, err
	}
	rec.Replayed = replayed
	return rec, nil
}
