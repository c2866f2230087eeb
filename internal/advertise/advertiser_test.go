package advertise

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jkaberg/bangle-hass/internal/protocol"
	"github.com/jkaberg/bangle-hass/internal/sensors"
	"github.com/jkaberg/bangle-hass/internal/source"
	"github.com/jkaberg/bangle-hass/internal/store"
	"github.com/jkaberg/bangle-hass/internal/watch"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDelay = 2 * time.Millisecond

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeRadio records every payload put on the air.
type fakeRadio struct {
	mu       sync.Mutex
	payloads [][]byte
	at       []time.Time
	err      error
}

func (f *fakeRadio) SetPayload(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), data...))
	f.at = append(f.at, time.Now())
	return nil
}

func (f *fakeRadio) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.payloads...)
}

func (f *fakeRadio) decode() []*sensors.SensorRecord {
	d := protocol.NewDecoder(protocol.DefaultDecoderConfig(), quietLogger())
	var out []*sensors.SensorRecord
	for _, p := range f.sent() {
		out = append(out, d.Feed(p)...)
	}
	return out
}

type readerFunc func(ctx context.Context) (*source.Reading, error)

func (f readerFunc) Read(ctx context.Context) (*source.Reading, error) { return f(ctx) }

func fixedReader() source.Reader {
	return readerFunc(func(context.Context) (*source.Reading, error) {
		hr := 72.0
		return &source.Reading{Pressure: 1012, Temperature: 23, Altitude: 87, HeartRate: &hr}, nil
	})
}

func fixedClock() time.Time { return time.Date(2024, 5, 1, 14, 35, 7, 0, time.Local) }

func newTestAdvertiser(radio *fakeRadio, reader source.Reader, queue store.Queue, replay bool) *Advertiser {
	state := watch.NewState()
	state.UpdateAccel(0, 0, 1)
	state.AddSteps(5280, fixedClock())

	return New(Options{
		Interval:      time.Hour,
		SensorTimeout: 50 * time.Millisecond,
		Replay:        replay,
		Clock:         fixedClock,
	},
		protocol.NewEncoder(protocol.DefaultChunkSize, protocol.DefaultMarker),
		NewPacer(radio, testDelay, quietLogger()),
		reader, state, queue, quietLogger())
}

func TestPacer_SendsInOrderWithDwell(t *testing.T) {
	radio := &fakeRadio{}
	p := NewPacer(radio, 10*time.Millisecond, quietLogger())

	chunks := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	start := time.Now()
	require.NoError(t, p.Send(context.Background(), chunks))

	assert.Equal(t, chunks, radio.sent())
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "dwell after every chunk, the last included")
	for i := 1; i < len(radio.at); i++ {
		assert.GreaterOrEqual(t, radio.at[i].Sub(radio.at[i-1]), 10*time.Millisecond)
	}
}

func TestPacer_Cancelled(t *testing.T) {
	radio := &fakeRadio{}
	p := NewPacer(radio, time.Hour, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Send(ctx, [][]byte{[]byte("a"), []byte("b")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, radio.sent(), 1)
}

func TestPacer_SetterError(t *testing.T) {
	boom := errors.New("radio off")
	p := NewPacer(&fakeRadio{err: boom}, testDelay, quietLogger())
	assert.ErrorIs(t, p.Send(context.Background(), [][]byte{[]byte("a")}), boom)
}

func TestRunCycle_AdvertisesDecodableRecord(t *testing.T) {
	radio := &fakeRadio{}
	a := newTestAdvertiser(radio, fixedReader(), nil, false)

	require.NoError(t, a.RunCycle(context.Background()))
	assert.False(t, a.InFlight())

	for _, p := range radio.sent() {
		assert.LessOrEqual(t, len(p), protocol.DefaultChunkSize)
	}

	recs := radio.decode()
	require.Len(t, recs, 1)
	assert.Equal(t, "14:35:07", recs[0].Timestamp)
	assert.Equal(t, 72, *recs[0].HeartRate)
	assert.Equal(t, 1012, *recs[0].BarometricPressure)
	assert.Equal(t, 5280, *recs[0].StepCount)
	assert.Equal(t, int64(1), a.Stats().Cycles)
}

func TestRunCycle_SecondCycleDroppedWhileInFlight(t *testing.T) {
	radio := &fakeRadio{}
	release := make(chan struct{})
	reader := readerFunc(func(ctx context.Context) (*source.Reading, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &source.Reading{Pressure: 1000}, nil
	})
	a := newTestAdvertiser(radio, reader, nil, false)
	a.opts.SensorTimeout = time.Second

	done := make(chan error, 1)
	go func() { done <- a.RunCycle(context.Background()) }()

	require.Eventually(t, a.InFlight, time.Second, time.Millisecond)
	assert.ErrorIs(t, a.RunCycle(context.Background()), ErrCycleInFlight)

	close(release)
	require.NoError(t, <-done)

	assert.Len(t, radio.decode(), 1, "no interleaved chunks from a second record")
	assert.Equal(t, int64(1), a.Stats().Dropped)
}

func TestRunCycle_SensorTimeoutSendsNothing(t *testing.T) {
	radio := &fakeRadio{}
	block := make(chan struct{})
	defer close(block)
	reader := readerFunc(func(ctx context.Context) (*source.Reading, error) {
		<-block
		return nil, errors.New("too late")
	})
	a := newTestAdvertiser(radio, reader, nil, false)

	err := a.RunCycle(context.Background())
	assert.ErrorIs(t, err, source.ErrReadTimeout)
	assert.Empty(t, radio.sent())
	assert.False(t, a.InFlight(), "guard released after failure")
	assert.Equal(t, int64(1), a.Stats().Failed)

	a.reader = fixedReader()
	assert.NoError(t, a.RunCycle(context.Background()))
}

func TestRunCycle_ReplaysOneStoredSample(t *testing.T) {
	radio := &fakeRadio{}
	queue := store.NewMemoryQueue(0)
	stored := &sensors.SensorRecord{Timestamp: "09:00:00", HeartRate: sensors.IntPtr(65), StepCount: sensors.IntPtr(100)}
	require.NoError(t, queue.Push(context.Background(), stored))
	require.NoError(t, queue.Push(context.Background(), stored))

	a := newTestAdvertiser(radio, fixedReader(), queue, true)
	require.NoError(t, a.RunCycle(context.Background()))

	recs := radio.decode()
	require.Len(t, recs, 2)
	assert.False(t, recs[0].Replayed)
	assert.True(t, recs[1].Replayed)
	assert.Equal(t, "09:00:00", recs[1].Timestamp)

	n, err := queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), a.Stats().Replayed)
}

func TestRunCycle_ReplayDisabled(t *testing.T) {
	radio := &fakeRadio{}
	queue := store.NewMemoryQueue(0)
	require.NoError(t, queue.Push(context.Background(), &sensors.SensorRecord{Timestamp: "09:00:00"}))

	a := newTestAdvertiser(radio, fixedReader(), queue, false)
	require.NoError(t, a.RunCycle(context.Background()))
	assert.Len(t, radio.decode(), 1)
}

func TestSample_StoresRecord(t *testing.T) {
	queue := store.NewMemoryQueue(0)
	a := newTestAdvertiser(&fakeRadio{}, fixedReader(), queue, false)

	require.NoError(t, a.Sample(context.Background()))
	rec, err := queue.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "14:35:07", rec.Timestamp)
	assert.Equal(t, int64(1), a.Stats().Sampled)
}

func TestRun_InitialCycleAndTrigger(t *testing.T) {
	radio := &fakeRadio{}
	a := newTestAdvertiser(radio, fixedReader(), nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Stats().Cycles == 1 && !a.InFlight() }, time.Second, time.Millisecond)

	a.Trigger()
	require.Eventually(t, func() bool { return a.Stats().Cycles == 2 }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, radio.decode(), 2)
}
