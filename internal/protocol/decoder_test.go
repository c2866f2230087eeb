package protocol

import (
	"io"
	"strings"
	"testing"

	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestDecoder() *Decoder {
	return NewDecoder(DefaultDecoderConfig(), quietLogger())
}

func TestDecoder_ConcreteScenario(t *testing.T) {
	fragments := []string{
		`{"ts":"0`,
		`9:00:00","hr":72}{"ts":"09:00:20"`,
		`,"hr":0}`,
	}

	d := newTestDecoder()

	assert.Empty(t, d.Feed([]byte(fragments[0])))

	recs := d.Feed([]byte(fragments[1]))
	require.Len(t, recs, 1)
	assert.Equal(t, "09:00:00", recs[0].Timestamp)
	assert.Equal(t, 72, *recs[0].HeartRate)

	recs = d.Feed([]byte(fragments[2]))
	require.Len(t, recs, 1)
	assert.Equal(t, "09:00:20", recs[0].Timestamp)
	assert.Equal(t, 0, *recs[0].HeartRate)

	assert.Empty(t, d.Pending())
}

func TestDecoder_FragmentsInIsolationEmitNothing(t *testing.T) {
	for _, f := range []string{`{"ts":"0`, `9:00:00","hr":72}{"ts":"09:00:20"`} {
		assert.Empty(t, newTestDecoder().Feed([]byte(f)), "fragment %q", f)
	}
}

func TestDecoder_MultipleObjectsInOneFragment(t *testing.T) {
	d := newTestDecoder()
	recs := d.Feed([]byte(`{"ts":"01:00:00","s":1}{"ts":"01:00:20","s":2}{"ts":"01:00:40","s":3}`))
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i+1, *rec.StepCount)
	}
	assert.Empty(t, d.Pending())
}

func TestDecoder_PartialRetention(t *testing.T) {
	d := newTestDecoder()
	assert.Empty(t, d.Feed([]byte(`{"ts":"12:00:00","bp":10`)))
	assert.Equal(t, `{"ts":"12:00:00","bp":10`, d.Pending())

	recs := d.Feed([]byte(`}`))
	require.Len(t, recs, 1)
	assert.Equal(t, "12:00:00", recs[0].Timestamp)
	assert.Equal(t, 10, *recs[0].BarometricPressure)
	assert.Empty(t, d.Pending())
}

func TestDecoder_StrayClosingBraceDiscarded(t *testing.T) {
	d := newTestDecoder()
	assert.Empty(t, d.Feed([]byte(`garbage}`)))
	assert.Empty(t, d.Pending())

	recs := d.Feed([]byte(`{"ts":"03:00:00","hr":60}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 60, *recs[0].HeartRate)
}

func TestDecoder_StrayClosingBraceInSameFragment(t *testing.T) {
	d := newTestDecoder()
	recs := d.Feed([]byte(`}{"ts":"03:00:00","hr":61}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 61, *recs[0].HeartRate)
}

func TestDecoder_LeadingGarbageBeforeOpenerDropped(t *testing.T) {
	d := newTestDecoder()
	assert.Empty(t, d.Feed([]byte(`noise noise {"ts":"04:00`)))
	assert.Equal(t, `{"ts":"04:00`, d.Pending())
}

func TestDecoder_OrphanedOpenerReplacedByNewObject(t *testing.T) {
	d := newTestDecoder()
	// The closing chunk of the first record was lost on the air.
	assert.Empty(t, d.Feed([]byte(`{"ts":"05:00:00","hr":`)))
	recs := d.Feed([]byte(`{"ts":"05:00:20","hr":70}`))
	require.Len(t, recs, 1)
	assert.Equal(t, "05:00:20", recs[0].Timestamp)
	assert.Empty(t, d.Pending())
}

func TestDecoder_MalformedSpanDroppedAndLoopContinues(t *testing.T) {
	d := newTestDecoder()
	recs := d.Feed([]byte(`{"ts":"06:00:00","hr":}{"ts":"06:00:20","hr":80}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 80, *recs[0].HeartRate)
	assert.Equal(t, 1, d.Stats().Dropped)
	assert.Equal(t, 1, d.Stats().Decoded)
}

func TestDecoder_ObjectWithoutTimestampDropped(t *testing.T) {
	d := newTestDecoder()
	assert.Empty(t, d.Feed([]byte(`{"hr":72}`)))
	assert.Equal(t, 1, d.Stats().Dropped)
}

func TestDecoder_StripsRadioNoise(t *testing.T) {
	d := newTestDecoder()
	recs := d.Feed([]byte("{\"ts\":\"07:00:00\",[JAdvertisingchunk:>\n \"hr\": 65}"))
	require.Len(t, recs, 1)
	assert.Equal(t, 65, *recs[0].HeartRate)
}

func TestDecoder_FragmentNoise(t *testing.T) {
	cfg := DefaultDecoderConfig()
	cfg.FragmentNoise = []string{"NOTIFY:"}
	d := NewDecoder(cfg, quietLogger())

	assert.Empty(t, d.Feed([]byte(`  NOTIFY:{"ts":"07:30:00",  `)))
	recs := d.Feed([]byte(`NOTIFY:"hr":90}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 90, *recs[0].HeartRate)
}

func TestDecoder_FilterDropsSignByDefault(t *testing.T) {
	d := newTestDecoder()
	recs := d.Feed([]byte(`{"ts":"08:00:00","ba":-12}`))
	require.Len(t, recs, 1)
	assert.Equal(t, 12, *recs[0].Altitude)

	cfg := DefaultDecoderConfig()
	cfg.KeepChars = "-"
	d = NewDecoder(cfg, quietLogger())
	recs = d.Feed([]byte(`{"ts":"08:00:00","ba":-12}`))
	require.Len(t, recs, 1)
	assert.Equal(t, -12, *recs[0].Altitude)
}

func TestDecoder_MaxBufferDiscardsRunawayPartial(t *testing.T) {
	cfg := DefaultDecoderConfig()
	cfg.MaxBuffer = 32
	d := NewDecoder(cfg, quietLogger())

	assert.Empty(t, d.Feed([]byte(`{"ts":"09:00:00","hr":1`+strings.Repeat("0", 40))))
	assert.Empty(t, d.Pending())
	assert.Equal(t, 1, d.Stats().Overflows)

	recs := d.Feed([]byte(`{"ts":"09:00:20","hr":70}`))
	require.Len(t, recs, 1)
}

func TestDecoder_UnboundedByDefault(t *testing.T) {
	d := newTestDecoder()
	long := `{"ts":"09:00:00","hr":1` + strings.Repeat("0", 4096)
	d.Feed([]byte(long))
	assert.Equal(t, long, d.Pending())
}

func TestDecoder_Reset(t *testing.T) {
	d := newTestDecoder()
	d.Feed([]byte(`{"ts":"1`))
	d.Reset()
	assert.Empty(t, d.Pending())
}

func TestDecoder_EmptyAndWhitespaceFragments(t *testing.T) {
	d := newTestDecoder()
	assert.Empty(t, d.Feed(nil))
	assert.Empty(t, d.Feed([]byte("   \n")))
	assert.Empty(t, d.Pending())
}

func TestDecoder_ReplayMarker(t *testing.T) {
	enc := NewEncoder(DefaultChunkSize, DefaultMarker)
	rec := &sensors.SensorRecord{Timestamp: "10:00:00", HeartRate: sensors.IntPtr(70), StepCount: sensors.IntPtr(500)}

	chunks, err := enc.Encode(rec, true)
	require.NoError(t, err)

	d := newTestDecoder()
	var got []*sensors.SensorRecord
	for _, c := range chunks {
		got = append(got, d.Feed(c)...)
	}
	require.Len(t, got, 1)
	assert.True(t, got[0].Replayed)
	assert.Equal(t, 500, *got[0].StepCount)

	live, err := enc.Encode(rec, false)
	require.NoError(t, err)
	got = nil
	for _, c := range live {
		got = append(got, d.Feed(c)...)
	}
	require.Len(t, got, 1)
	assert.False(t, got[0].Replayed)
}

func TestDecoder_WarnsOnceWhenSignsAreFiltered(t *testing.T) {
	logger, hook := test.NewNullLogger()
	d := NewDecoder(DefaultDecoderConfig(), logger)

	d.Feed([]byte(`{"ts":"08:00:00","bt":-5}`))
	d.Feed([]byte(`{"ts":"08:00:20","x":-1}`))

	warned := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "minus signs") {
			warned++
		}
	}
	assert.Equal(t, 1, warned)

	hook.Reset()
	cfg := DefaultDecoderConfig()
	cfg.KeepChars = "-"
	NewDecoder(cfg, logger).Feed([]byte(`{"ts":"08:00:00","bt":-5}`))
	assert.Empty(t, hook.AllEntries())
}

func TestDecoderConfig_Validate(t *testing.T) {
	for _, m := range []byte{'*', '#', '~', '!'} {
		assert.NoError(t, DecoderConfig{Marker: m}.Validate(), "marker %q", m)
	}
	assert.NoError(t, DecoderConfig{}.Validate(), "disabled marker")

	for _, m := range []byte{'a', 'Z', '1', '{', '}', '"', ':', ',', ' ', '\n', 0x80} {
		assert.ErrorIs(t, DecoderConfig{Marker: m}.Validate(), ErrUnusableMarker, "marker %q", m)
	}
	assert.ErrorIs(t, DecoderConfig{Marker: '-', KeepChars: "-."}.Validate(), ErrUnusableMarker)
}

func TestDecoder_LetterMarkerBreaksReplayedRecords(t *testing.T) {
	rec := &sensors.SensorRecord{Timestamp: "10:00:00", HeartRate: sensors.IntPtr(70)}
	chunks, err := NewEncoder(DefaultChunkSize, 'a').Encode(rec, true)
	require.NoError(t, err)

	cfg := DefaultDecoderConfig()
	cfg.Marker = 'a'
	require.Error(t, cfg.Validate())

	d := NewDecoder(cfg, quietLogger())
	var got []*sensors.SensorRecord
	for _, c := range chunks {
		got = append(got, d.Feed(c)...)
	}
	assert.Empty(t, got)
	assert.Equal(t, 1, d.Stats().Dropped)
}

func TestErrMissingTimestamp_SharedWithParser(t *testing.T) {
	_, err := sensors.ParseRecord([]byte(`{"HeartRate":70}`))
	assert.ErrorIs(t, err, ErrMissingTimestamp)
}
